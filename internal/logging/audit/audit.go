// Package audit writes security-relevant gateway events as structured logs.
package audit

import (
	"github.com/rs/zerolog"
)

// Results recorded on audit events.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultOK      = "ok"
	ResultError   = "error"
)

// Logger emits audit events on a dedicated zerolog.Logger.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger wraps logger. Pass zerolog.Nop() to discard events.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// LogAuth records an authentication decision. method is one of "basic",
// "aws_sigv4", "aws_sigv2", "presign" or "none".
func (l *Logger) LogAuth(accessKey, method, result, details, sourceIP string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result == ResultDenied {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("method", method).
		Str("result", result).
		Str("source_ip", sourceIP)
	if accessKey != "" {
		event = event.Str("access_key", accessKey)
	}
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Authentication event")
}

// S3Op describes one completed S3 operation.
type S3Op struct {
	AccessKey string
	Operation string // e.g. "PutObject", "DeleteBucket"
	Bucket    string
	Key       string
	Status    int
	RequestID string
	SourceIP  string
	Size      int64
	Dedup     bool // the payload matched content already stored
	Err       error
}

// LogS3Op records a mutating S3 operation. Failures are logged at warn level.
func (l *Logger) LogS3Op(op S3Op) {
	if l == nil {
		return
	}
	result := ResultOK
	level := zerolog.InfoLevel
	if op.Err != nil || op.Status >= 400 {
		result = ResultError
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "s3_operation").
		Str("operation", op.Operation).
		Str("bucket", op.Bucket).
		Int("status", op.Status).
		Str("result", result).
		Str("request_id", op.RequestID).
		Str("source_ip", op.SourceIP)
	if op.AccessKey != "" {
		event = event.Str("access_key", op.AccessKey)
	}
	if op.Key != "" {
		event = event.Str("object_key", op.Key)
	}
	if op.Size > 0 {
		event = event.Int64("size", op.Size)
	}
	if op.Dedup {
		event = event.Bool("dedup", true)
	}
	if op.Err != nil {
		event = event.Err(op.Err)
	}
	event.Msg("S3 operation")
}
