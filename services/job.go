package services

import "strings"

const (
	// CheckpointDownloadDone marks that the raw source is already mirrored
	// into coordinator-controlled storage.
	CheckpointDownloadDone = "download_done"

	// RawKeyPending is the sentinel the coordinator uses before the raw
	// mirror upload has happened.
	RawKeyPending = "url-import-pending"
)

// Job is the descriptor returned by the coordinator claim endpoint.
type Job struct {
	ID                   int64  `json:"id"`
	CleanName            string `json:"clean_name"`
	Quality              string `json:"quality"`
	ProcessingProfile    string `json:"processing_profile"`
	SourceURL            string `json:"source_url,omitempty"`
	DownloadURL          string `json:"download_url,omitempty"`
	R2RawKey             string `json:"r2_raw_key,omitempty"`
	ProcessingCheckpoint string `json:"processing_checkpoint,omitempty"`
	FileSizeInput        int64  `json:"file_size_input,omitempty"`
}

// Resumable reports whether the raw source is already in storage, meaning
// the external fetch and raw upload can be skipped.
func (j *Job) Resumable() bool {
	key := strings.TrimSpace(j.R2RawKey)
	return strings.TrimSpace(j.ProcessingCheckpoint) == CheckpointDownloadDone &&
		key != "" && key != RawKeyPending
}

// JobResult carries the output metrics reported on completion.
type JobResult struct {
	PublicURL             string  `json:"public_url"`
	FileSizeOutput        int64   `json:"file_size_output"`
	Duration              int     `json:"duration"`
	ProcessingTimeSeconds int     `json:"processing_time_seconds"`
	Resolution            string  `json:"resolution"`
	Bitrate               int     `json:"bitrate"`
	Codec                 string  `json:"codec"`
	FrameRate             float64 `json:"frame_rate"`
	AudioCodec            string  `json:"audio_codec"`
	AudioBitrate          int     `json:"audio_bitrate"`
	FFmpegCommand         string  `json:"ffmpeg_command"`
	FFmpegOutput          string  `json:"ffmpeg_output"`
	ThumbnailKey          string  `json:"thumbnail_key,omitempty"`
	CleanName             string  `json:"clean_name"`
}

// StageError is a job failure tied to a pipeline stage. Message and Output
// go to the coordinator verbatim in the fail call.
type StageError struct {
	Stage   string
	Message string
	Output  string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return e.Stage + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Stage + ": " + e.Message
}

func (e *StageError) Unwrap() error {
	return e.Err
}
