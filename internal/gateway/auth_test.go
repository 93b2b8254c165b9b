package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupgw/dedupgw/internal/logging/audit"
)

func TestParseAuthHeader(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		accessKey string
		signature string
	}{
		{
			name:      "sigv4",
			header:    "AWS4-HMAC-SHA256 Credential=AKID/20240101/us-east-1/s3/aws4_request, SignedHeaders=host;x-amz-date, Signature=deadbeef",
			accessKey: "AKID",
			signature: "deadbeef",
		},
		{name: "sigv2", header: "AWS AKID:c2lnbmF0dXJl", accessKey: "AKID", signature: "c2lnbmF0dXJl"},
		{name: "bearer", header: "Bearer token"},
		{name: "empty", header: ""},
		{name: "no credential", header: "AWS4-HMAC-SHA256 SignedHeaders=host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ak, sig := parseAuthHeader(tt.header)
			assert.Equal(t, tt.accessKey, ak)
			assert.Equal(t, tt.signature, sig)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	creds := Credentials{AccessKey: "AKID", SecretKey: "s3cret"}
	a := NewAuthenticator(true, creds, nil, nil)

	tests := []struct {
		name    string
		prepare func(r *http.Request)
		wantKey string
		wantErr bool
	}{
		{name: "no credentials", prepare: func(*http.Request) {}, wantErr: true},
		{name: "basic", prepare: func(r *http.Request) { r.SetBasicAuth("AKID", "s3cret") }, wantKey: "AKID"},
		{name: "basic wrong secret", prepare: func(r *http.Request) { r.SetBasicAuth("AKID", "nope") }, wantErr: true},
		{name: "basic wrong key", prepare: func(r *http.Request) { r.SetBasicAuth("OTHER", "s3cret") }, wantErr: true},
		{
			name:    "sigv2",
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "AWS AKID:sig") },
			wantKey: "AKID",
		},
		{
			name: "query credential",
			prepare: func(r *http.Request) {
				r.URL.RawQuery = "X-Amz-Credential=AKID%2F20240101%2Fus-east-1%2Fs3%2Faws4_request"
			},
			wantKey: "AKID",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/b/k", nil)
			tt.prepare(r)
			id, err := a.Authenticate(r, "b", "k")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrAccessDenied)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, id.AccessKey)
			assert.False(t, id.Presigned)
		})
	}
}

func TestAuthenticateDisabled(t *testing.T) {
	a := NewAuthenticator(false, Credentials{}, nil, nil)
	id, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil), "", "")
	require.NoError(t, err)
	assert.Equal(t, Identity{}, id)
}

func TestAuthenticatePresignedWritesAudit(t *testing.T) {
	var buf bytes.Buffer
	auditLog := audit.NewLogger(zerolog.New(&buf))
	p, err := NewPresigner("k", time.Hour, time.Hour)
	require.NoError(t, err)
	a := NewAuthenticator(true, Credentials{AccessKey: "AKID", SecretKey: "s"}, p, auditLog)

	token, _, err := p.Sign(http.MethodPut, "b", "k", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPut, "/b/k?"+SignatureParam+"="+token, nil)
	id, err := a.Authenticate(r, "b", "k")
	require.NoError(t, err)
	assert.True(t, id.Presigned)

	r = httptest.NewRequest(http.MethodGet, "/b/k?"+SignatureParam+"="+token, nil)
	_, err = a.Authenticate(r, "b", "k")
	assert.ErrorIs(t, err, ErrAccessDenied)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, audit.ResultAllowed, first["result"])
	assert.Equal(t, audit.ResultDenied, second["result"])
	assert.Equal(t, "presign", second["method"])
}
