package services

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bk-agent/config"
	"bk-agent/monitoring"
	"bk-agent/pkg/logging"
)

// Pipeline executes one claimed job end to end: resolve source, download,
// checkpoint, transcode, upload, thumbnail, complete. Each worker runs at
// most one job at a time; external downloads across all workers share a
// single permit.
type Pipeline struct {
	cfg        *config.Config
	client     *CoordinatorClient
	downloader *Downloader
	uploader   *Uploader
	transcoder *Transcoder
	alerts     *AlertService
	metrics    *monitoring.MetricsCollector

	// 1 permit: external fetches are serialized to bound bandwidth
	urlDownloadSem chan struct{}

	logger *logging.AgentLogger
}

func NewPipeline(cfg *config.Config, client *CoordinatorClient, downloader *Downloader, uploader *Uploader, transcoder *Transcoder, alerts *AlertService, metrics *monitoring.MetricsCollector, logger *logging.AgentLogger) *Pipeline {
	return &Pipeline{
		cfg:            cfg,
		client:         client,
		downloader:     downloader,
		uploader:       uploader,
		transcoder:     transcoder,
		alerts:         alerts,
		metrics:        metrics,
		urlDownloadSem: make(chan struct{}, 1),
		logger:         logger,
	}
}

// SetTranscoder completes wiring after the agent exists: the transcoder
// needs the agent as its process registry, and the agent needs the
// pipeline.
func (p *Pipeline) SetTranscoder(t *Transcoder) {
	p.transcoder = t
}

// Process runs the full pipeline for one job. Every failure path reports a
// terminal fail to the coordinator before returning.
func (p *Pipeline) Process(job *Job) bool {
	log := p.logger.ForJob(job.ID)

	workDir, err := os.MkdirTemp(p.cfg.TempDir, fmt.Sprintf("bk-%d-", job.ID))
	if err != nil {
		log.Error("scratch dir creation failed", "error", logging.ErrInternal("scratch dir creation failed", err))
		p.fail(job.ID, err.Error(), "unknown", "")
		p.metrics.RecordJobFailed()
		return false
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input.mp4")

	if !p.resolveSource(job, inputPath, log) {
		p.metrics.RecordJobFailed()
		return false
	}

	result, ok := p.transcodeAndUpload(job, inputPath, workDir, log)
	if !ok {
		if p.jobInterrupted(job.ID) {
			log.Info("job interrupted externally, terminal state already reported")
			return false
		}
		p.metrics.RecordJobFailed()
		return false
	}

	if p.jobInterrupted(job.ID) {
		log.Info("job interrupted after upload, skipping complete")
		return false
	}
	if err := p.client.CompleteJob(job.ID, result); err != nil {
		log.Error("complete call failed", "error", err)
		p.fail(job.ID, "complete_job failed", "complete", "")
		p.metrics.RecordJobFailed()
		return false
	}
	p.metrics.RecordJobCompleted()
	p.alerts.AssetPreview(job, result)
	log.Info("job completed", "output", result.CleanName, "public_url", result.PublicURL)
	return true
}

// resolveSource gets the raw input onto local disk, mirroring external
// sources into storage exactly once (checkpointed).
func (p *Pipeline) resolveSource(job *Job, inputPath string, log *slog.Logger) bool {
	resume := job.Resumable() && job.DownloadURL != ""

	switch {
	case job.SourceURL != "" && resume:
		// Raw already mirrored; re-fetch via the coordinator-issued URL
		log.Info("checkpoint download_done, fetching from storage", "r2_raw_key", job.R2RawKey)
		return p.download(job, job.DownloadURL, inputPath)

	case job.SourceURL != "":
		if !p.download(job, job.SourceURL, inputPath) {
			return false
		}
		fi, err := os.Stat(inputPath)
		if err != nil {
			p.fail(job.ID, err.Error(), "download", "")
			return false
		}
		rawKey := RawKey(job.ID, job.CleanName, time.Now())
		if _, err := p.uploader.Upload(inputPath, job.ID, "raw", rawKey, "video/mp4"); err != nil {
			p.fail(job.ID, "Failed to upload raw to R2", "upload", "")
			return false
		}
		p.metrics.RecordBytesUploaded(fi.Size())
		if err := p.client.URLImportDone(job.ID, rawKey, fi.Size()); err != nil {
			p.fail(job.ID, "url-import-done failed", "upload", "")
			return false
		}
		p.client.UpdateCheckpoint(job.ID, CheckpointDownloadDone)
		return true

	case resume:
		log.Info("checkpoint download_done, re-fetching presigned URL")
		return p.download(job, job.DownloadURL, inputPath)

	default:
		if job.DownloadURL == "" {
			p.fail(job.ID, "Missing download_url", "download", "")
			return false
		}
		if !p.download(job, job.DownloadURL, inputPath) {
			return false
		}
		p.client.UpdateCheckpoint(job.ID, CheckpointDownloadDone)
		return true
	}
}

// download runs one guarded fetch under the global URL-download permit and
// reports the terminal fail on error.
func (p *Pipeline) download(job *Job, url, dest string) bool {
	p.urlDownloadSem <- struct{}{}
	defer func() { <-p.urlDownloadSem }()

	log := p.logger.ForJob(job.ID)
	cb := FetchCallbacks{
		OnStart: func() {
			if err := p.client.UpdateJobStatus(job.ID, "DOWNLOADING"); err != nil {
				log.Debug("status update failed", "error", err)
			}
		},
		OnProgress: func(downloaded, total int64) {
			if err := p.client.UpdateDownloadProgress(job.ID, downloaded, total); err != nil {
				log.Debug("progress update failed", "error", err)
			}
		},
	}
	if err := p.downloader.Fetch(url, dest, cb); err != nil {
		log.Warn("download failed", "error", logging.ErrDownload(job.ID, err))
		var se *StageError
		if errors.As(err, &se) {
			p.fail(job.ID, se.Message, se.Stage, se.Output)
		} else {
			p.fail(job.ID, err.Error(), "download", "")
		}
		return false
	}
	if fi, err := os.Stat(dest); err == nil {
		p.metrics.RecordBytesDownloaded(fi.Size())
	}
	return true
}

// transcodeAndUpload covers probe, ffmpeg run, primary upload and the
// best-effort thumbnail. Returns the completion payload.
func (p *Pipeline) transcodeAndUpload(job *Job, inputPath, workDir string, log *slog.Logger) (*JobResult, bool) {
	if p.jobInterrupted(job.ID) {
		return nil, false
	}
	if err := p.client.UpdateJobStatus(job.ID, "CONVERTING"); err != nil {
		log.Debug("status update failed", "error", err)
	}

	meta := p.transcoder.Probe(inputPath)
	plan := p.transcoder.BuildPlan(job, meta, inputPath, workDir)
	log.Info("transcode start", "profile", job.ProcessingProfile, "quality", job.Quality, "target", plan.TargetRes)

	start := time.Now()
	stdout, stderr, err := p.transcoder.Run(job.ID, plan)
	elapsed := int(time.Since(start).Seconds())
	if err != nil {
		switch {
		case errors.Is(err, ErrTranscodeTimeout):
			p.fail(job.ID, "FFmpeg timeout", "convert", "")
		case errors.Is(err, ErrTranscodeInterrupted):
			log.Info("ffmpeg stopped by an external interrupt")
		default:
			output := stderr
			if output == "" {
				output = stdout
			}
			log.Error("ffmpeg failed", "error", logging.ErrTranscode(job.ID, err), "output", output)
			p.fail(job.ID, "FFmpeg failed", "convert", output)
		}
		return nil, false
	}

	if err := p.client.UpdateJobStatus(job.ID, "UPLOADING"); err != nil {
		log.Debug("status update failed", "error", err)
	}

	primaryKey := PrimaryKey(job.ID, plan.OutputName, time.Now())
	publicURL, err := p.uploader.Upload(plan.OutputFile, job.ID, "public", primaryKey, "video/mp4")
	if err != nil {
		log.Error("upload failed", "error", logging.ErrUpload(job.ID, err))
		p.fail(job.ID, "R2 upload failed", "upload", "")
		return nil, false
	}
	outStat, err := os.Stat(plan.OutputFile)
	if err != nil {
		p.fail(job.ID, err.Error(), "upload", "")
		return nil, false
	}
	p.metrics.RecordBytesUploaded(outStat.Size())

	resolution, fps, duration := p.transcoder.ProbeOutput(plan.OutputFile)
	if resolution == "" {
		resolution = plan.TargetRes
	}
	if fps == 0 {
		fps = meta.FPS
	}

	thumbnailKey := p.uploadThumbnail(job, plan, log)

	return &JobResult{
		PublicURL:             publicURL,
		FileSizeOutput:        outStat.Size(),
		Duration:              duration,
		ProcessingTimeSeconds: elapsed,
		Resolution:            resolution,
		Bitrate:               meta.BitrateKbps,
		Codec:                 "h264",
		FrameRate:             fps,
		AudioCodec:            "aac",
		AudioBitrate:          128,
		FFmpegCommand:         plan.Command,
		FFmpegOutput:          stdout + stderr,
		ThumbnailKey:          thumbnailKey,
		CleanName:             plan.OutputName,
	}, true
}

// uploadThumbnail never fails the job; an empty key means no preview.
func (p *Pipeline) uploadThumbnail(job *Job, plan *TranscodePlan, log *slog.Logger) string {
	thumbName := strings.Replace(plan.OutputName, ".mp4", "-thumb.jpg", 1)
	thumbPath := filepath.Join(filepath.Dir(plan.OutputFile), thumbName)
	if err := p.transcoder.Thumbnail(plan.OutputFile, thumbPath); err != nil {
		log.Warn("thumbnail step skipped", "error", err)
		return ""
	}
	key := ThumbnailKey(job.ID, thumbName)
	if _, err := p.uploader.Upload(thumbPath, job.ID, "public", key, "image/jpeg"); err != nil {
		log.Warn("thumbnail upload skipped", "error", err)
		return ""
	}
	log.Info("thumbnail generated and uploaded", "key", key)
	return key
}

// fail posts the terminal failure. Jobs taken over by an external
// interrupt are skipped; jobs/interrupt already went out for them and a
// job gets exactly one terminal call.
func (p *Pipeline) fail(jobID int64, message, stage, ffmpegOutput string) {
	if p.jobInterrupted(jobID) {
		p.logger.ForJob(jobID).Info("suppressing fail for interrupted job", "stage", stage)
		return
	}
	if err := p.client.FailJob(jobID, message, stage, ffmpegOutput); err != nil {
		p.logger.ForJob(jobID).Error("fail call did not reach coordinator", "error", err)
	}
}

func (p *Pipeline) jobInterrupted(jobID int64) bool {
	if p.transcoder == nil || p.transcoder.registry == nil {
		return false
	}
	return p.transcoder.registry.Interrupted(jobID)
}
