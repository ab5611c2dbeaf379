package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allowAllPolicy stands in for the SSRF guard so tests can hit httptest
// loopback servers.
type allowAllPolicy struct{}

func (allowAllPolicy) Validate(string) error     { return nil }
func (allowAllPolicy) Transform(raw string) string { return raw }

type denyAllPolicy struct{}

func (denyAllPolicy) Validate(string) error       { return fmt.Errorf("blocked") }
func (denyAllPolicy) Transform(raw string) string { return raw }

func newTestDownloader(t *testing.T, maxBytes int64, freeBytes uint64) (*Downloader, string) {
	t.Helper()
	dir := t.TempDir()
	d := NewDownloader(dir, maxBytes, allowAllPolicy{}, slog.Default())
	d.diskFree = func(string) (uint64, error) { return freeBytes, nil }
	return d, dir
}

func serveBytes(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchWritesAtomically(t *testing.T) {
	payload := []byte(strings.Repeat("v", 4096))
	srv := serveBytes(t, payload)
	d, dir := newTestDownloader(t, 1<<30, 1<<40)

	dest := filepath.Join(dir, "input.mp4")
	err := d.Fetch(srv.URL+"/v.mp4", dest, FetchCallbacks{})
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err), "partial file must be gone after rename")
}

func TestFetchBlockedURL(t *testing.T) {
	dir := t.TempDir()
	d := NewDownloader(dir, 1<<30, denyAllPolicy{}, slog.Default())
	d.diskFree = func(string) (uint64, error) { return 1 << 40, nil }

	err := d.Fetch("https://evil.example.com/x", filepath.Join(dir, "input.mp4"), FetchCallbacks{})
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "download", se.Stage)
	assert.Equal(t, msgURLBlocked, se.Message)
}

func TestFetchSizeCapBoundary(t *testing.T) {
	payload := []byte(strings.Repeat("x", 1000))

	t.Run("exactly at cap passes", func(t *testing.T) {
		srv := serveBytes(t, payload)
		d, dir := newTestDownloader(t, 1000, 1<<40)
		err := d.Fetch(srv.URL, filepath.Join(dir, "input.mp4"), FetchCallbacks{})
		assert.NoError(t, err)
	})

	t.Run("one byte over cap fails on HEAD", func(t *testing.T) {
		srv := serveBytes(t, payload)
		d, dir := newTestDownloader(t, 999, 1<<40)
		err := d.Fetch(srv.URL, filepath.Join(dir, "input.mp4"), FetchCallbacks{})
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, msgSizeLimit, se.Message)
	})
}

func TestFetchMidStreamCapAbortsAndUnlinks(t *testing.T) {
	// No Content-Length anywhere: the cap has to trip mid-stream
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		flusher := w.(http.Flusher)
		chunk := []byte(strings.Repeat("y", 512))
		for i := 0; i < 10; i++ {
			w.Write(chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t, 2048, 1<<40)
	dest := filepath.Join(dir, "input.mp4")
	err := d.Fetch(srv.URL, dest, FetchCallbacks{})
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, msgSizeLimit, se.Message)

	_, statErr := os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(statErr), "partial file must be unlinked on abort")
	_, statErr = os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchDiskAdmissionBoundary(t *testing.T) {
	payload := []byte(strings.Repeat("z", 500))

	t.Run("exactly twice the size passes", func(t *testing.T) {
		srv := serveBytes(t, payload)
		d, dir := newTestDownloader(t, 1<<30, 1000)
		err := d.Fetch(srv.URL, filepath.Join(dir, "input.mp4"), FetchCallbacks{})
		assert.NoError(t, err)
	})

	t.Run("one byte short fails", func(t *testing.T) {
		srv := serveBytes(t, payload)
		d, dir := newTestDownloader(t, 1<<30, 999)
		err := d.Fetch(srv.URL, filepath.Join(dir, "input.mp4"), FetchCallbacks{})
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, msgDiskSpace, se.Message)
	})
}

func TestFetchCallbacksFire(t *testing.T) {
	payload := []byte(strings.Repeat("p", 2000))
	srv := serveBytes(t, payload)
	d, dir := newTestDownloader(t, 1<<30, 1<<40)

	started := false
	var lastDownloaded, lastTotal int64
	cb := FetchCallbacks{
		OnStart: func() { started = true },
		OnProgress: func(downloaded, total int64) {
			lastDownloaded = downloaded
			lastTotal = total
		},
	}
	require.NoError(t, d.Fetch(srv.URL, filepath.Join(dir, "input.mp4"), cb))
	assert.True(t, started)
	assert.Equal(t, int64(2000), lastDownloaded)
	assert.Equal(t, int64(2000), lastTotal)
}

func TestExpectedJobSize(t *testing.T) {
	srv := serveBytes(t, []byte(strings.Repeat("h", 777)))
	d, _ := newTestDownloader(t, 5<<30, 1<<40)

	t.Run("descriptor hint wins", func(t *testing.T) {
		assert.Equal(t, int64(123), d.ExpectedJobSize(&Job{FileSizeInput: 123, SourceURL: srv.URL}))
	})
	t.Run("HEAD pre-check", func(t *testing.T) {
		assert.Equal(t, int64(777), d.ExpectedJobSize(&Job{SourceURL: srv.URL}))
	})
	t.Run("cap fallback", func(t *testing.T) {
		assert.Equal(t, int64(5<<30), d.ExpectedJobSize(&Job{}))
	})
}

func TestHasDiskSpaceFor(t *testing.T) {
	d, _ := newTestDownloader(t, 1<<30, 1000)
	assert.True(t, d.HasDiskSpaceFor(500))
	assert.False(t, d.HasDiskSpaceFor(501))
}

func TestCleanupOrphanFiles(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "bk-1-xyz")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	old := time.Now().Add(-2 * time.Hour)
	stale := []string{
		filepath.Join(dir, "a.part"),
		filepath.Join(dir, "b.mov"),
		filepath.Join(sub, "c.mp4"),
	}
	for _, p := range stale {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(p, old, old))
	}
	keepFresh := filepath.Join(dir, "fresh.mp4")
	require.NoError(t, os.WriteFile(keepFresh, []byte("x"), 0o644))
	keepOther := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(keepOther, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(keepOther, old, old))

	CleanupOrphanFiles(dir, slog.Default())

	for _, p := range stale {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "stale file %s should be removed", p)
	}
	_, err := os.Stat(keepFresh)
	assert.NoError(t, err, "fresh media files stay")
	_, err = os.Stat(keepOther)
	assert.NoError(t, err, "non-media files stay")
}
