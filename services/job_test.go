package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobResumable(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"mirrored and checkpointed", Job{ProcessingCheckpoint: CheckpointDownloadDone, R2RawKey: "raw-uploads/1-2-a.mp4"}, true},
		{"no checkpoint", Job{R2RawKey: "raw-uploads/1-2-a.mp4"}, false},
		{"empty raw key", Job{ProcessingCheckpoint: CheckpointDownloadDone}, false},
		{"pending placeholder key", Job{ProcessingCheckpoint: CheckpointDownloadDone, R2RawKey: RawKeyPending}, false},
		{"wrong checkpoint", Job{ProcessingCheckpoint: "probe_done", R2RawKey: "raw-uploads/1-2-a.mp4"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.Resumable())
		})
	}
}

func TestStageError(t *testing.T) {
	cause := errors.New("connection reset")
	se := &StageError{Stage: "download", Message: msgSizeLimit, Err: cause}

	assert.Contains(t, se.Error(), msgSizeLimit)
	assert.ErrorIs(t, se, cause)

	var unwrapped *StageError
	assert.ErrorAs(t, error(se), &unwrapped)
	assert.Equal(t, "download", unwrapped.Stage)
}
