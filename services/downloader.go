package services

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bk-agent/optimization"
)

// Wire-visible failure messages. The coordinator dashboard matches on these.
const (
	msgURLBlocked = "SSRF: blocked URL"
	msgSizeLimit  = "5 GB limit aşıldı"
	msgDiskSpace  = "Yetersiz disk alanı (en az 2× dosya boyutu gerekli)"
)

const downloadChunkSize = 1024 * 1024

// FetchCallbacks lets the pipeline observe the download without the
// downloader knowing about the coordinator.
type FetchCallbacks struct {
	// OnStart fires after URL validation and disk admission, before the GET.
	OnStart func()
	// OnProgress fires at every ≈10% crossing and at ≥99%.
	OnProgress func(downloaded, total int64)
}

// URLPolicy is the validation and rewrite step in front of every fetch.
type URLPolicy interface {
	Validate(raw string) error
	Transform(raw string) string
}

// Downloader streams sources to disk behind the SSRF guard with a hard
// byte cap and a 2× free-disk admission check.
type Downloader struct {
	tempDir    string
	maxBytes   int64
	guard      URLPolicy
	headClient *http.Client
	getClient  *http.Client
	pools      *optimization.ObjectPools
	diskFree   func(path string) (uint64, error)
	logger     *slog.Logger
}

func NewDownloader(tempDir string, maxBytes int64, guard URLPolicy, logger *slog.Logger) *Downloader {
	return &Downloader{
		tempDir:  tempDir,
		maxBytes: maxBytes,
		guard:    guard,
		headClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		getClient: &http.Client{
			// No overall timeout: a 5 GB transfer legitimately runs for
			// hours. Stalls surface through the header timeout and the
			// byte cap bounds the stream.
			Transport: &http.Transport{
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		pools:    optimization.GetGlobalPools(),
		diskFree: DiskFree,
		logger:   logger,
	}
}

// Fetch downloads url into dest. It writes to dest.part and renames on
// success, so dest either exists complete or not at all. Errors come back
// as *StageError with stage "download".
func (d *Downloader) Fetch(rawURL, dest string, cb FetchCallbacks) error {
	partPath := dest + ".part"

	if err := d.guard.Validate(rawURL); err != nil {
		d.logger.Warn("download URL rejected", "error", err)
		return &StageError{Stage: "download", Message: msgURLBlocked, Err: err}
	}
	fetchURL := d.guard.Transform(rawURL)

	contentLength := d.headContentLength(fetchURL)
	if contentLength > d.maxBytes {
		return &StageError{Stage: "download", Message: msgSizeLimit}
	}

	expected := contentLength
	if expected <= 0 {
		expected = d.maxBytes
	}
	if err := d.checkDiskSpace(expected); err != nil {
		return err
	}

	if cb.OnStart != nil {
		cb.OnStart()
	}

	resp, err := d.getClient.Get(fetchURL)
	if err != nil {
		return &StageError{Stage: "download", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StageError{Stage: "download", Message: fmt.Sprintf("download status %d", resp.StatusCode)}
	}

	total := contentLength
	if total <= 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	if total > d.maxBytes {
		return &StageError{Stage: "download", Message: msgSizeLimit}
	}

	if err := d.streamToFile(resp.Body, partPath, total, cb); err != nil {
		os.Remove(partPath)
		return err
	}
	if err := os.Rename(partPath, dest); err != nil {
		os.Remove(partPath)
		return &StageError{Stage: "download", Message: err.Error(), Err: err}
	}
	return nil
}

func (d *Downloader) streamToFile(body io.Reader, partPath string, total int64, cb FetchCallbacks) error {
	f, err := os.Create(partPath)
	if err != nil {
		return &StageError{Stage: "download", Message: err.Error(), Err: err}
	}
	defer f.Close()

	buf, release := d.pools.GetBuffer(downloadChunkSize)
	defer release()

	var downloaded int64
	lastPct := -1
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			downloaded += int64(n)
			if downloaded > d.maxBytes {
				return &StageError{Stage: "download", Message: msgSizeLimit}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return &StageError{Stage: "download", Message: err.Error(), Err: err}
			}
			if cb.OnProgress != nil {
				pct := 0
				if total > 0 {
					pct = int(float64(downloaded) / float64(total) * 100)
				}
				if pct != lastPct && (pct%10 == 0 || pct >= 99) {
					cb.OnProgress(downloaded, total)
					lastPct = pct
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &StageError{Stage: "download", Message: readErr.Error(), Err: readErr}
		}
	}
	if err := f.Sync(); err != nil {
		return &StageError{Stage: "download", Message: err.Error(), Err: err}
	}
	return nil
}

func (d *Downloader) checkDiskSpace(fileSize int64) error {
	free, err := d.diskFree(d.tempDir)
	if err != nil {
		// Can't measure, don't block the download on it
		d.logger.Warn("disk usage check failed", "error", err)
		return nil
	}
	if free < uint64(2*fileSize) {
		return &StageError{Stage: "download", Message: msgDiskSpace}
	}
	return nil
}

// headContentLength pre-checks the size. Best effort, 0 when unknown.
// Redirects are followed here: share hosts bounce to their CDN.
func (d *Downloader) headContentLength(url string) int64 {
	resp, err := d.headClient.Head(url)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}

// ExpectedJobSize estimates the bytes a job will download, preferring the
// descriptor hint, then a HEAD pre-check, then the configured cap.
func (d *Downloader) ExpectedJobSize(job *Job) int64 {
	if job.FileSizeInput > 0 {
		return job.FileSizeInput
	}
	rawURL := job.SourceURL
	if rawURL == "" {
		rawURL = job.DownloadURL
	}
	if rawURL != "" {
		if size := d.headContentLength(d.guard.Transform(rawURL)); size > 0 {
			return size
		}
	}
	return d.maxBytes
}

// HasDiskSpaceFor reports whether the temp filesystem holds at least twice
// the given size.
func (d *Downloader) HasDiskSpaceFor(size int64) bool {
	free, err := d.diskFree(d.tempDir)
	if err != nil {
		d.logger.Warn("disk usage check failed", "error", err)
		return false
	}
	if free < uint64(2*size) {
		d.logger.Warn("insufficient disk for job", "free", free, "required", 2*size)
		return false
	}
	return true
}

// CleanupOrphanFiles removes stale .part, .mov and .mp4 files older than
// one hour from tempDir, recursively. Run once at startup before workers.
func CleanupOrphanFiles(tempDir string, logger *slog.Logger) {
	info, err := os.Stat(tempDir)
	if err != nil || !info.IsDir() {
		return
	}
	cutoff := time.Now().Add(-1 * time.Hour)
	removed := 0
	err = filepath.WalkDir(tempDir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".part", ".mov", ".mp4":
		default:
			return nil
		}
		fi, err := entry.Info()
		if err != nil {
			return nil
		}
		if fi.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				logger.Warn("orphan cleanup: could not remove file", "path", path, "error", err)
			} else {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("orphan cleanup error", "error", err)
	}
	if removed > 0 {
		logger.Info("orphan cleanup removed stale files", "count", removed)
	}
}
