package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignatureParam carries a presigned token in the query string.
const SignatureParam = "X-Dedup-Signature"

var (
	// ErrInvalidPresign is returned for a token that does not verify, has
	// expired, or was issued for another request.
	ErrInvalidPresign = errors.New("invalid presigned token")

	presignMethods = map[string]bool{
		http.MethodGet:    true,
		http.MethodHead:   true,
		http.MethodPut:    true,
		http.MethodPost:   true,
		http.MethodDelete: true,
	}
)

// presignClaims binds a token to one method on one object.
type presignClaims struct {
	Method string `json:"mth"`
	Bucket string `json:"bkt"`
	Key    string `json:"key"`
	jwt.RegisteredClaims
}

// Presigner issues and checks HS256 tokens that stand in for credentials on
// a single object URL.
type Presigner struct {
	secret        []byte
	defaultExpiry time.Duration
	maxExpiry     time.Duration
	now           func() time.Time
}

// NewPresigner returns a presigner keyed by secret. An expiry of zero on
// Sign means defaultExpiry; longer requests are clamped to maxExpiry.
func NewPresigner(secret string, defaultExpiry, maxExpiry time.Duration) (*Presigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("presign secret is required")
	}
	if defaultExpiry <= 0 || maxExpiry < defaultExpiry {
		return nil, fmt.Errorf("invalid presign expiry %s (max %s)", defaultExpiry, maxExpiry)
	}
	return &Presigner{
		secret:        []byte(secret),
		defaultExpiry: defaultExpiry,
		maxExpiry:     maxExpiry,
		now:           time.Now,
	}, nil
}

// Sign issues a token for method on bucket/key.
func (p *Presigner) Sign(method, bucket, key string, expiry time.Duration) (string, time.Time, error) {
	method = strings.ToUpper(method)
	if !presignMethods[method] {
		return "", time.Time{}, fmt.Errorf("cannot presign method %q", method)
	}
	if expiry <= 0 {
		expiry = p.defaultExpiry
	}
	if expiry > p.maxExpiry {
		expiry = p.maxExpiry
	}

	now := p.now()
	expiresAt := now.Add(expiry).Truncate(time.Second)
	claims := presignClaims{
		Method: method,
		Bucket: bucket,
		Key:    key,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify checks that token was issued for method on bucket/key and has not
// expired. A HEAD request is allowed by a GET token.
func (p *Presigner) Verify(token, method, bucket, key string) error {
	var claims presignClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPresign, err)
	}

	allowed := claims.Method == method || (claims.Method == http.MethodGet && method == http.MethodHead)
	if !allowed || claims.Bucket != bucket || claims.Key != key {
		return fmt.Errorf("%w: issued for %s %s/%s", ErrInvalidPresign, claims.Method, claims.Bucket, claims.Key)
	}
	return nil
}
