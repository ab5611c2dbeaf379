package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"bk-agent/config"
	"bk-agent/pkg/logging"
)

// ErrNoResponse marks calls where the coordinator never answered: transport
// failure, timeout, or 5xx. A 4xx is an answer and does not match.
var ErrNoResponse = errors.New("no response from coordinator")

// CoordinatorClient is the stateless HTTP client for the coordinator API.
// Safe for concurrent use; every call carries bearer auth, the worker
// identity header and the client-version user agent.
type CoordinatorClient struct {
	baseURL     string
	bearerToken string
	workerID    string
	postClient  *http.Client
	getClient   *http.Client
	logger      *slog.Logger
}

func NewCoordinatorClient(cfg *config.Config, logger *slog.Logger) *CoordinatorClient {
	// Redirects are refused: any 3xx from the API is a misconfigured domain,
	// never something to follow.
	noRedirect := func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &CoordinatorClient{
		baseURL:     strings.TrimRight(cfg.APIBaseURL, "/"),
		bearerToken: cfg.BearerToken,
		workerID:    cfg.WorkerID,
		postClient: &http.Client{
			Timeout:       60 * time.Second,
			CheckRedirect: noRedirect,
		},
		getClient: &http.Client{
			Timeout:       30 * time.Second,
			CheckRedirect: noRedirect,
		},
		logger: logger,
	}
}

func (c *CoordinatorClient) WorkerID() string {
	return c.workerID
}

func (c *CoordinatorClient) call(method, endpoint string, payload any) (json.RawMessage, error) {
	url := c.baseURL + endpoint

	var body io.Reader
	var debugBody string
	if method == http.MethodPost {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
		debugBody = redactBody(data)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "BK-VF-Agent/"+c.workerID)
	req.Header.Set("x-worker-id", c.workerID)

	c.logger.Debug("API request", "method", method, "url", url, "body", debugBody)

	client := c.getClient
	if method == http.MethodPost {
		client = c.postClient
	}
	resp, err := client.Do(req)
	if err != nil {
		c.logger.Error("API call failed", "method", method, "endpoint", endpoint, "error", err)
		cause := fmt.Errorf("%v: %w", err, ErrNoResponse)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, logging.ErrTimeout(method+" "+endpoint, client.Timeout).WithCause(cause)
		}
		return nil, logging.ErrCoordinator(endpoint, cause)
	}
	defer resp.Body.Close()

	c.logger.Debug("API response", "method", method, "endpoint", endpoint, "status", resp.StatusCode)

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		c.logger.Error("API redirect: the API host must not redirect /api/* to another domain",
			"method", method, "endpoint", endpoint, "status", resp.StatusCode,
			"location", resp.Header.Get("Location"))
		return nil, logging.ErrRedirected(endpoint, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 500 {
		return nil, logging.ErrCoordinator(endpoint, fmt.Errorf("status %d: %w", resp.StatusCode, ErrNoResponse))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, logging.NewError(logging.ErrCodeUnauthorized, fmt.Sprintf("%s %s: status %d", method, endpoint, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: status %d", method, endpoint, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, logging.ErrCoordinator(endpoint, fmt.Errorf("read body: %v: %w", err, ErrNoResponse))
	}
	if len(data) == 0 {
		return nil, nil
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		c.logger.Error("API response is not JSON; check that /api is served directly",
			"method", method, "endpoint", endpoint, "content_type", ct)
		return nil, fmt.Errorf("%s %s: non-JSON response (%s)", method, endpoint, ct)
	}
	return json.RawMessage(data), nil
}

// redactBody hides credential-looking fields and caps the debug dump.
func redactBody(data []byte) string {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err == nil {
		for k := range m {
			switch strings.ToLower(k) {
			case "bearer_token", "token", "authorization", "password":
				m[k] = "***"
			}
		}
		if redacted, err := json.Marshal(m); err == nil {
			data = redacted
		}
	}
	s := string(data)
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

// ClaimJob asks for work. A nil job with nil error means the queue is empty.
func (c *CoordinatorClient) ClaimJob() (*Job, error) {
	raw, err := c.call(http.MethodPost, "/api/jobs/claim", map[string]any{"worker_id": c.workerID})
	if err != nil || raw == nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode claim response: %w", err)
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (c *CoordinatorClient) UpdateJobStatus(jobID int64, status string) error {
	_, err := c.call(http.MethodPost, "/api/jobs/status", map[string]any{
		"job_id":    jobID,
		"worker_id": c.workerID,
		"status":    status,
	})
	return err
}

func (c *CoordinatorClient) UpdateDownloadProgress(jobID, downloaded, total int64) error {
	pct := 0.0
	if total > 0 {
		pct = float64(downloaded) / float64(total) * 100
		pct = float64(int(pct*10)) / 10
	}
	_, err := c.call(http.MethodPost, "/api/jobs/status", map[string]any{
		"job_id":            jobID,
		"worker_id":         c.workerID,
		"status":            "DOWNLOADING",
		"download_bytes":    downloaded,
		"download_total":    total,
		"download_progress": pct,
	})
	return err
}

// UpdateCheckpoint persists a job milestone. Fire-and-forget, non-fatal.
func (c *CoordinatorClient) UpdateCheckpoint(jobID int64, checkpoint string) {
	if _, err := c.call(http.MethodPost, "/api/jobs/checkpoint", map[string]any{
		"job_id":     jobID,
		"worker_id":  c.workerID,
		"checkpoint": checkpoint,
	}); err != nil {
		c.logger.Debug("checkpoint update failed", "job_id", jobID, "checkpoint", checkpoint, "error", err)
	}
}

func (c *CoordinatorClient) URLImportDone(jobID int64, rawKey string, fileSize int64) error {
	_, err := c.call(http.MethodPost, "/api/jobs/url-import-done", map[string]any{
		"job_id":          jobID,
		"worker_id":       c.workerID,
		"r2_raw_key":      rawKey,
		"file_size_input": fileSize,
	})
	return err
}

// PresignedUpload asks the coordinator to sign a PUT for the given key.
func (c *CoordinatorClient) PresignedUpload(jobID int64, bucket, key, contentType string) (string, error) {
	raw, err := c.call(http.MethodPost, "/api/jobs/presigned-upload", map[string]any{
		"job_id":       jobID,
		"worker_id":    c.workerID,
		"bucket":       bucket,
		"key":          key,
		"content_type": contentType,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		UploadURL string `json:"upload_url"`
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", fmt.Errorf("decode presigned-upload response: %w", err)
		}
	}
	if resp.UploadURL == "" {
		return "", fmt.Errorf("presigned-upload: no upload_url in response")
	}
	return resp.UploadURL, nil
}

func (c *CoordinatorClient) CompleteJob(jobID int64, result *JobResult) error {
	_, err := c.call(http.MethodPost, "/api/jobs/complete", map[string]any{
		"job_id":                  jobID,
		"worker_id":               c.workerID,
		"public_url":              result.PublicURL,
		"file_size_output":        result.FileSizeOutput,
		"duration":                result.Duration,
		"processing_time_seconds": result.ProcessingTimeSeconds,
		"resolution":              result.Resolution,
		"bitrate":                 result.Bitrate,
		"codec":                   result.Codec,
		"frame_rate":              result.FrameRate,
		"audio_codec":             result.AudioCodec,
		"audio_bitrate":           result.AudioBitrate,
		"ffmpeg_command":          result.FFmpegCommand,
		"ffmpeg_output":           result.FFmpegOutput,
		"thumbnail_key":           result.ThumbnailKey,
		"clean_name":              result.CleanName,
	})
	return err
}

func (c *CoordinatorClient) FailJob(jobID int64, errorMessage, stage, ffmpegOutput string) error {
	if len(ffmpegOutput) > 4000 {
		ffmpegOutput = ffmpegOutput[:4000]
	}
	_, err := c.call(http.MethodPost, "/api/jobs/fail", map[string]any{
		"job_id":        jobID,
		"worker_id":     c.workerID,
		"error_message": errorMessage,
		"retry_count":   0,
		"status":        "FAILED",
		"stage":         stage,
		"ffmpeg_output": ffmpegOutput,
	})
	return err
}

func (c *CoordinatorClient) InterruptJob(jobID int64, stage string) error {
	_, err := c.call(http.MethodPost, "/api/jobs/interrupt", map[string]any{
		"job_id":    jobID,
		"worker_id": c.workerID,
		"stage":     stage,
	})
	return err
}

// MarkZombies lets the coordinator time out stale leases. Best effort.
func (c *CoordinatorClient) MarkZombies() {
	if _, err := c.call(http.MethodPost, "/api/jobs/mark-zombies", map[string]any{}); err != nil {
		c.logger.Debug("mark-zombies failed", "error", err)
	}
}

func (c *CoordinatorClient) ListInterrupted(limit int) ([]Job, error) {
	raw, err := c.call(http.MethodGet, fmt.Sprintf("/api/jobs/interrupted?limit=%d", limit), nil)
	if err != nil || raw == nil {
		return nil, err
	}
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode interrupted list: %w", err)
	}
	return resp.Jobs, nil
}

// RetryInterrupted re-queues interrupted jobs and returns how many the
// coordinator accepted.
func (c *CoordinatorClient) RetryInterrupted(jobIDs []int64) (int, error) {
	raw, err := c.call(http.MethodPost, "/api/jobs/interrupted/retry", map[string]any{"job_ids": jobIDs})
	if err != nil || raw == nil {
		return 0, err
	}
	var resp struct {
		Retried int `json:"retried"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("decode retry response: %w", err)
	}
	return resp.Retried, nil
}

// Heartbeat is the periodic liveness report.
type Heartbeat struct {
	Status       string `json:"status"`
	CurrentJobID *int64 `json:"current_job_id"`
	ActiveJobs   int    `json:"active_jobs"`
	QueueSize    int    `json:"queue_size"`
	IPAddress    string `json:"ip_address"`
	Version      string `json:"version"`
}

func (c *CoordinatorClient) SendHeartbeat(hb Heartbeat) error {
	_, err := c.call(http.MethodPost, "/api/heartbeat", hb)
	return err
}

func (c *CoordinatorClient) ReportSystemAlert(status, message string) error {
	_, err := c.call(http.MethodPost, "/api/system/alerts", map[string]any{
		"status":  status,
		"message": message,
	})
	return err
}

// PingPayload is the samaritan telemetry body.
type PingPayload struct {
	CPU         float64 `json:"cpu"`
	RAM         float64 `json:"ram"`
	UptimeHours float64 `json:"uptime_hours"`
	Jobs        int     `json:"jobs"`
	Node        string  `json:"node"`
	Timestamp   string  `json:"timestamp"`
}

// SamaritanPing posts telemetry with the shared secret header instead of
// bearer auth.
func (c *CoordinatorClient) SamaritanPing(secret string, payload PingPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/samaritan/ping", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("X-Samaritan-Secret", secret)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("samaritan ping: status %d", resp.StatusCode)
	}
	return nil
}

// LocalIP finds the outbound interface address without sending traffic.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "unknown"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "unknown"
}
