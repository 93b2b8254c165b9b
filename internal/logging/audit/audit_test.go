package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLogAuth(t *testing.T) {
	tests := []struct {
		name      string
		accessKey string
		method    string
		result    string
		details   string
		wantLevel string
	}{
		{"allowed", "AKIDEXAMPLE", "aws_sigv4", ResultAllowed, "", "info"},
		{"denied", "", "basic", ResultDenied, "invalid credentials", "warn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogAuth(tt.accessKey, tt.method, tt.result, tt.details, "10.0.0.7")

			got := decode(t, &buf)
			assert.Equal(t, tt.wantLevel, got["level"])
			assert.Equal(t, "auth", got["event_type"])
			assert.Equal(t, "audit", got["component"])
			assert.Equal(t, tt.method, got["method"])
			assert.Equal(t, tt.result, got["result"])
			assert.Equal(t, "10.0.0.7", got["source_ip"])
			if tt.accessKey == "" {
				assert.NotContains(t, got, "access_key")
			} else {
				assert.Equal(t, tt.accessKey, got["access_key"])
			}
			if tt.details == "" {
				assert.NotContains(t, got, "details")
			}
		})
	}
}

func TestLogS3Op(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogS3Op(S3Op{
		AccessKey: "AKIDEXAMPLE",
		Operation: "PutObject",
		Bucket:    "photos",
		Key:       "2024/cat.jpg",
		Status:    200,
		RequestID: "req-1",
		SourceIP:  "10.0.0.8",
		Size:      1024,
		Dedup:     true,
	})

	got := decode(t, &buf)
	assert.Equal(t, "info", got["level"])
	assert.Equal(t, "s3_operation", got["event_type"])
	assert.Equal(t, "PutObject", got["operation"])
	assert.Equal(t, "photos", got["bucket"])
	assert.Equal(t, "2024/cat.jpg", got["object_key"])
	assert.Equal(t, "ok", got["result"])
	assert.Equal(t, float64(1024), got["size"])
	assert.Equal(t, true, got["dedup"])
}

func TestLogS3Op_Failure(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogS3Op(S3Op{
		Operation: "DeleteBucket",
		Bucket:    "photos",
		Status:    409,
		Err:       errors.New("bucket not empty"),
	})

	got := decode(t, &buf)
	assert.Equal(t, "warn", got["level"])
	assert.Equal(t, "error", got["result"])
	assert.Equal(t, "bucket not empty", got["error"])
	assert.NotContains(t, got, "object_key")
	assert.NotContains(t, got, "dedup")
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.LogAuth("", "none", ResultAllowed, "", "")
		l.LogS3Op(S3Op{Operation: "GetObject"})
	})
}
