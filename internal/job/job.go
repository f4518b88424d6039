package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
)

var (
	ErrNoFiles     = errors.New("upload batch contains no files")
	ErrJobNotFound = errors.New("no job could be found")
)

type (
	// FileRef is one file of an upload batch. The raw bytes are only
	// held in memory while the job is pending/processing and are never
	// persisted with the job record.
	FileRef struct {
		Name     string `json:"name"`
		MimeType string `json:"mimetype"`
		Size     int64  `json:"size"`
		Data     []byte `json:"-"`
	}

	// UploadResult records one successfully stored file. Immutable once
	// created.
	UploadResult struct {
		OriginalName string `json:"originalName"`
		ObjectKey    string `json:"objectKey"`
		Size         int64  `json:"size"`
		Mimetype     string `json:"mimetype"`
		ETag         string `json:"etag"`
		ConvertedBy  string `json:"convertedBy,omitempty"`
	}

	// FileError records one failed file. Appended, never mutated.
	FileError struct {
		Filename string `json:"filename"`
		Error    string `json:"error"`
	}

	Progress struct {
		Processed int `json:"processed"`
		Total     int `json:"total"`
	}

	// Job tracks one upload batch end-to-end. It is owned exclusively
	// by the orchestrator: mutated only during processing, immutable
	// once a terminal status is reached, and garbage-collected from the
	// record store by TTL expiry rather than explicit deletion.
	Job struct {
		ID         uuid.UUID      `json:"id"`
		Status     Status         `json:"status"`
		CreatedAt  time.Time      `json:"createdAt"`
		UpdatedAt  time.Time      `json:"updatedAt"`
		Bucket     string         `json:"bucket"`
		FolderPath string         `json:"folderPath"`
		Files      []FileRef      `json:"files"`
		Progress   Progress       `json:"progress"`
		Results    []UploadResult `json:"results"`
		Errors     []FileError    `json:"errors"`
	}
)

// IsTerminal reports whether the job has finished processing. Terminal
// jobs are never mutated again.
func (job *Job) IsTerminal() bool {
	return job.Status == StatusCompleted || job.Status == StatusFailed || job.Status == StatusPartial
}

func (job *Job) String() string {
	return fmt.Sprintf("Job{ID=%s status=%s progress=%d/%d}", job.ID, job.Status, job.Progress.Processed, job.Progress.Total)
}
