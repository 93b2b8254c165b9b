package miniostore

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing bucket", Config{Endpoint: "localhost:9000"}, true},
		{"missing endpoint", Config{Bucket: "b"}, true},
		{"static credentials", Config{Endpoint: "localhost:9000", Bucket: "b", AccessKey: "a", SecretKey: "s"}, false},
		{"scheme stripped", Config{Endpoint: "http://localhost:9000", Bucket: "b", Insecure: true, ForcePathStyle: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.Bucket, s.bucket)
		})
	}
}

func TestTranslateError(t *testing.T) {
	notFound := minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
	assert.True(t, errdefs.IsNotFound(translateError(notFound, "get", "p")))
	assert.True(t, errdefs.IsNotFound(translateError(fmt.Errorf("wrapped: %w", notFound), "get", "p")))

	denied := minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}
	err := translateError(denied, "put", "p")
	assert.True(t, errdefs.IsUnavailable(err))
	assert.False(t, errdefs.IsNotFound(err))
}
