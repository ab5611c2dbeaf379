package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Uploader pushes processed files through coordinator-issued presigned PUT
// URLs and derives the public CDN URL for each storage key.
type Uploader struct {
	client     *CoordinatorClient
	putClient  *http.Client
	cdnBaseURL string
	logger     *slog.Logger
}

func NewUploader(client *CoordinatorClient, cdnBaseURL string, logger *slog.Logger) *Uploader {
	return &Uploader{
		client:     client,
		putClient:  &http.Client{Timeout: 600 * time.Second},
		cdnBaseURL: cdnBaseURL,
		logger:     logger,
	}
}

// Upload streams path to storage under key and returns the public URL.
func (u *Uploader) Upload(path string, jobID int64, bucket, key, contentType string) (string, error) {
	uploadURL, err := u.client.PresignedUpload(jobID, bucket, key, contentType)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPut, uploadURL, f)
	if err != nil {
		return "", err
	}
	req.ContentLength = stat.Size()
	req.Header.Set("Content-Type", contentType)

	resp, err := u.putClient.Do(req)
	if err != nil {
		u.logger.Error("storage upload failed", "key", key, "error", err)
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		u.logger.Error("storage upload rejected", "key", key, "status", resp.StatusCode)
		return "", fmt.Errorf("upload %s: status %d", key, resp.StatusCode)
	}
	return u.PublicURL(key), nil
}

// PublicURL builds the absolute HTTPS CDN URL for a storage key. Never a
// relative path or bare domain; this string goes straight to the database.
func (u *Uploader) PublicURL(key string) string {
	base := strings.TrimRight(u.cdnBaseURL, "/")
	if !strings.HasPrefix(base, "https://") && !strings.HasPrefix(base, "http://") {
		base = "https://" + base
	}
	return base + "/" + strings.TrimLeft(key, "/")
}

// PrimaryKey is the storage key for the transcoded output.
func PrimaryKey(jobID int64, outputFilename string, now time.Time) string {
	return fmt.Sprintf("videos/%d/%02d/%d_%s", now.Year(), int(now.Month()), jobID, outputFilename)
}

// RawKey is the storage key for the raw source mirror.
func RawKey(jobID int64, cleanName string, now time.Time) string {
	return fmt.Sprintf("raw-uploads/%d-%d-%s", now.Unix(), jobID, cleanName)
}

// ThumbnailKey is the storage key for the preview frame.
func ThumbnailKey(jobID int64, thumbFilename string) string {
	return fmt.Sprintf("thumbnails/%d/%s", jobID, thumbFilename)
}
