package logging

import (
	"fmt"
	"log/slog"
)

type ErrorCode string

const (
	ErrCodeCoordinatorRPC   ErrorCode = "COORDINATOR_RPC_FAILED"
	ErrCodeRedirectedAPI    ErrorCode = "REDIRECTED_API_RESPONSE"
	ErrCodeURLBlocked       ErrorCode = "URL_BLOCKED"
	ErrCodeSizeLimit        ErrorCode = "SIZE_LIMIT_EXCEEDED"
	ErrCodeDiskSpace        ErrorCode = "INSUFFICIENT_DISK_SPACE"
	ErrCodeDownloadFailed   ErrorCode = "DOWNLOAD_FAILED"
	ErrCodeTranscodeFailed  ErrorCode = "TRANSCODE_FAILED"
	ErrCodeTranscodeTimeout ErrorCode = "TRANSCODE_TIMEOUT"
	ErrCodeUploadFailed     ErrorCode = "UPLOAD_FAILED"
	ErrCodeAlertFailed      ErrorCode = "ALERT_DELIVERY_FAILED"
	ErrCodeRAMCritical      ErrorCode = "RAM_CRITICAL"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodeTimeout          ErrorCode = "TIMEOUT_ERROR"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
)

type AgentError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Operation string                 `json:"operation,omitempty"`
	JobID     int64                  `json:"job_id,omitempty"`
	Stage     string                 `json:"stage,omitempty"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Severity  string                 `json:"severity"`
}

// NewError creates a new AgentError with default severity "error"
func NewError(code ErrorCode, message string) *AgentError {
	return &AgentError{
		Code:     code,
		Message:  message,
		Severity: "error",
		Context:  make(map[string]interface{}),
	}
}

// NewWarning creates an AgentError with severity "warning"
func NewWarning(code ErrorCode, message string) *AgentError {
	return &AgentError{
		Code:     code,
		Message:  message,
		Severity: "warning",
		Context:  make(map[string]interface{}),
	}
}

// WithOperation adds operation context
func (e *AgentError) WithOperation(op string) *AgentError {
	e.Operation = op
	return e
}

// WithJob adds job context
func (e *AgentError) WithJob(jobID int64) *AgentError {
	e.JobID = jobID
	return e
}

// WithStage adds the pipeline stage the error happened in
func (e *AgentError) WithStage(stage string) *AgentError {
	e.Stage = stage
	return e
}

// WithCause adds the underlying error
func (e *AgentError) WithCause(err error) *AgentError {
	e.Cause = err
	return e
}

// WithContext adds a key-value pair to the error context
func (e *AgentError) WithContext(key string, value interface{}) *AgentError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface
func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is/As
func (e *AgentError) Unwrap() error {
	return e.Cause
}

// LogValue implements slog.LogValuer for structured logging
func (e *AgentError) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("error_code", string(e.Code)),
		slog.String("message", e.Message),
		slog.String("severity", e.Severity),
	}

	if e.Operation != "" {
		attrs = append(attrs, slog.String("operation", e.Operation))
	}

	if e.JobID != 0 {
		attrs = append(attrs, slog.Int64("job_id", e.JobID))
	}

	if e.Stage != "" {
		attrs = append(attrs, slog.String("stage", e.Stage))
	}

	if e.Cause != nil {
		attrs = append(attrs, slog.String("cause", e.Cause.Error()))
	}

	// Add context fields
	if len(e.Context) > 0 {
		contextAttrs := make([]any, 0, len(e.Context)*2)
		for k, v := range e.Context {
			contextAttrs = append(contextAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("context", contextAttrs...))
	}

	return slog.GroupValue(attrs...)
}

// IsRetryable returns true if the error is retryable
func (e *AgentError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeCoordinatorRPC:
		// Coordinator hiccups are transient; the job stays claimable
		return true
	default:
		return false
	}
}

// Common error constructors

// ErrCoordinator creates a coordinator RPC error
func ErrCoordinator(endpoint string, cause error) *AgentError {
	return NewError(ErrCodeCoordinatorRPC, fmt.Sprintf("coordinator call %s failed", endpoint)).
		WithCause(cause).
		WithOperation("coordinator_rpc").
		WithContext("endpoint", endpoint)
}

// ErrRedirected flags a 3xx answer from what must be a direct API
func ErrRedirected(endpoint string, status int) *AgentError {
	return NewError(ErrCodeRedirectedAPI, "coordinator redirected the request").
		WithOperation("coordinator_rpc").
		WithContext("endpoint", endpoint).
		WithContext("status", status)
}

// ErrURLBlocked creates a download URL policy error
func ErrURLBlocked(reason string) *AgentError {
	return NewError(ErrCodeURLBlocked, reason).
		WithOperation("url_validation")
}

// ErrDownload creates a download error
func ErrDownload(jobID int64, cause error) *AgentError {
	return NewError(ErrCodeDownloadFailed, "source download failed").
		WithJob(jobID).
		WithStage("download").
		WithCause(cause)
}

// ErrTranscode creates a transcode error
func ErrTranscode(jobID int64, cause error) *AgentError {
	return NewError(ErrCodeTranscodeFailed, "ffmpeg conversion failed").
		WithJob(jobID).
		WithStage("convert").
		WithCause(cause)
}

// ErrUpload creates an upload error
func ErrUpload(jobID int64, cause error) *AgentError {
	return NewError(ErrCodeUploadFailed, "processed file upload failed").
		WithJob(jobID).
		WithStage("upload").
		WithCause(cause)
}

// ErrAlert creates an alert delivery error (warning, alerts are best effort)
func ErrAlert(channel string, cause error) *AgentError {
	return NewWarning(ErrCodeAlertFailed, fmt.Sprintf("alert via %s not delivered", channel)).
		WithCause(cause).
		WithOperation("alert").
		WithContext("non_blocking", true)
}

// ErrTimeout creates a timeout error
func ErrTimeout(operation string, timeout interface{}) *AgentError {
	return NewError(ErrCodeTimeout, fmt.Sprintf("operation %s timed out", operation)).
		WithOperation(operation).
		WithContext("timeout", timeout)
}

// ErrInternal creates an internal error
func ErrInternal(message string, cause error) *AgentError {
	return NewError(ErrCodeInternal, message).
		WithCause(cause).
		WithOperation("internal")
}
