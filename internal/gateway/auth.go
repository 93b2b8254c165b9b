package gateway

import (
	"crypto/hmac"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dedupgw/dedupgw/internal/logging/audit"
)

// ErrAccessDenied is returned when a request carries no acceptable credentials.
var ErrAccessDenied = errors.New("access denied")

// Credentials is the single key pair the gateway accepts.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Authenticator gates S3 requests. It recognises Basic auth (access key and
// secret as user and password), AWS signature V4 and V2 Authorization
// headers, query-string V4 credentials, and presigned tokens.
//
// AWS signatures are matched on the access key only; the signature itself is
// not recomputed.
type Authenticator struct {
	enabled bool
	creds   Credentials
	presign *Presigner
	audit   *audit.Logger
}

// NewAuthenticator returns an Authenticator. When enabled is false every
// request is let through. presign and auditLog may be nil.
func NewAuthenticator(enabled bool, creds Credentials, presign *Presigner, auditLog *audit.Logger) *Authenticator {
	return &Authenticator{
		enabled: enabled,
		creds:   creds,
		presign: presign,
		audit:   auditLog,
	}
}

// Identity describes how a request was let through.
type Identity struct {
	AccessKey string
	// Presigned is set when a presigned token authorized the request. The
	// token covers only its own method, bucket and key.
	Presigned bool
}

// Authenticate checks r against bucket/key and returns who made the request.
func (a *Authenticator) Authenticate(r *http.Request, bucket, key string) (Identity, error) {
	sourceIP := remoteIP(r)

	if token := r.URL.Query().Get(SignatureParam); token != "" && a.presign != nil {
		if err := a.presign.Verify(token, r.Method, bucket, key); err != nil {
			log.Info().Err(err).Str("bucket", bucket).Str("key", key).Msg("S3 access denied: bad presigned token")
			a.audit.LogAuth("", "presign", audit.ResultDenied, err.Error(), sourceIP)
			return Identity{}, ErrAccessDenied
		}
		a.audit.LogAuth("", "presign", audit.ResultAllowed, "", sourceIP)
		return Identity{Presigned: true}, nil
	}

	if !a.enabled {
		return Identity{}, nil
	}

	accessKey, secret, method := credentialsFrom(r)
	if accessKey == "" {
		log.Info().Str("method", r.Method).Str("path", r.URL.Path).Msg("S3 access denied: no credentials")
		a.audit.LogAuth("", "none", audit.ResultDenied, "missing credentials", sourceIP)
		return Identity{}, ErrAccessDenied
	}

	ok := constantTimeEqual(accessKey, a.creds.AccessKey)
	if method == "basic" {
		ok = ok && constantTimeEqual(secret, a.creds.SecretKey)
	}
	if !ok {
		log.Info().Str("access_key", accessKey[:min(8, len(accessKey))]).Str("auth", method).Msg("S3 access denied: invalid credentials")
		a.audit.LogAuth(accessKey, method, audit.ResultDenied, "invalid credentials", sourceIP)
		return Identity{}, ErrAccessDenied
	}
	return Identity{AccessKey: accessKey}, nil
}

// credentialsFrom extracts the access key, the secret (Basic auth only) and
// the scheme name from r.
func credentialsFrom(r *http.Request) (accessKey, secret, method string) {
	if user, pass, ok := r.BasicAuth(); ok {
		return user, pass, "basic"
	}
	if ak, _ := parseAuthHeader(r.Header.Get("Authorization")); ak != "" {
		if strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-") {
			return ak, "", "aws_sigv4"
		}
		return ak, "", "aws_sigv2"
	}
	if cred := r.URL.Query().Get("X-Amz-Credential"); cred != "" {
		if idx := strings.Index(cred, "/"); idx > 0 {
			return cred[:idx], "", "aws_sigv4_query"
		}
	}
	return "", "", ""
}

// parseAuthHeader parses an AWS-style Authorization header.
// Supports:
// - "AWS4-HMAC-SHA256 Credential=ACCESS_KEY/..., SignedHeaders=..., Signature=..."
// - "AWS ACCESS_KEY:SIGNATURE"
func parseAuthHeader(header string) (accessKey, signature string) {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok {
		return "", ""
	}

	switch strings.ToUpper(scheme) {
	case "AWS4-HMAC-SHA256":
		for _, field := range strings.Split(rest, ",") {
			field = strings.TrimSpace(field)
			if cred, ok := strings.CutPrefix(field, "Credential="); ok {
				if idx := strings.Index(cred, "/"); idx > 0 {
					accessKey = cred[:idx]
				}
			}
			if sig, ok := strings.CutPrefix(field, "Signature="); ok {
				signature = sig
			}
		}
		return accessKey, signature

	case "AWS":
		ak, sig, _ := strings.Cut(rest, ":")
		return ak, sig

	default:
		return "", ""
	}
}

func constantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
