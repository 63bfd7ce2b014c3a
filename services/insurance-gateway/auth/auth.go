// Package auth verifies bearer tokens and exposes the owner id they carry.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeySubject contextKey = "auth-subject"

var (
	// ErrInvalidToken covers every verification failure.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingIdentity is returned by FromContext outside authenticated routes.
	ErrMissingIdentity = errors.New("auth: missing identity")
)

// Verifier maps a bearer token to an owner id.
type Verifier interface {
	Verify(token string) (string, error)
}

// Options controls signature verification.
type Options struct {
	Alg      string
	Issuer   string
	Audience []string
	// HSSecret is the HS256 shared secret.
	HSSecret string
	// RSAPublicKeyFile holds a PEM encoded RS256 verification key.
	RSAPublicKeyFile string
	MaxSkew          time.Duration
}

// JWTVerifier validates HS256 or RS256 tokens and returns the sub claim.
type JWTVerifier struct {
	method   jwt.SigningMethod
	key      any
	issuer   string
	audience []string
	leeway   time.Duration
	now      func() time.Time
}

// NewJWTVerifier builds a verifier from opts.
func NewJWTVerifier(opts Options) (*JWTVerifier, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("JWT issuer is required")
	}
	var audiences []string
	for _, aud := range opts.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audiences = append(audiences, trimmed)
		}
	}
	if len(audiences) == 0 {
		return nil, errors.New("at least one JWT audience is required")
	}
	v := &JWTVerifier{issuer: issuer, audience: audiences, leeway: opts.MaxSkew, now: time.Now}
	if v.leeway <= 0 {
		v.leeway = 30 * time.Second
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Alg))
	if method == "" {
		method = jwt.SigningMethodHS256.Alg()
	}
	switch method {
	case jwt.SigningMethodHS256.Alg():
		if strings.TrimSpace(opts.HSSecret) == "" {
			return nil, errors.New("HS256 secret must not be empty")
		}
		v.method = jwt.SigningMethodHS256
		v.key = []byte(opts.HSSecret)
	case jwt.SigningMethodRS256.Alg():
		pub, err := loadRSAPublicKey(opts.RSAPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("resolve RS256 public key: %w", err)
		}
		v.method = jwt.SigningMethodRS256
		v.key = pub
	default:
		return nil, fmt.Errorf("unsupported JWT algorithm %q", method)
	}
	return v, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return v.key, nil }, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	for _, expected := range v.audience {
		for _, actual := range claims.Audience {
			if strings.EqualFold(actual, expected) {
				return subject, nil
			}
		}
	}
	return "", fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
}

// Middleware rejects requests without a valid bearer token and stores the
// subject on the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			if authz == "" {
				http.Error(w, "missing authorization", http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(parts[1])
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			subject, err := v.Verify(token)
			if err != nil {
				http.Error(w, "invalid authorization token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

// WithSubject attaches an authenticated subject to ctx.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, contextKeySubject, subject)
}

// FromContext returns the authenticated owner id.
func FromContext(ctx context.Context) (string, error) {
	if subject, ok := ctx.Value(contextKeySubject).(string); ok && subject != "" {
		return subject, nil
	}
	return "", ErrMissingIdentity
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("RSA public key file path is empty")
	}
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		pemData = rest
		switch block.Type {
		case "PUBLIC KEY":
			pub, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse RSA public key: %w", err)
			}
			rsaKey, ok := pub.(*rsa.PublicKey)
			if !ok {
				return nil, errors.New("parsed key is not RSA")
			}
			return rsaKey, nil
		case "RSA PUBLIC KEY":
			rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS1 RSA public key: %w", err)
			}
			return rsaKey, nil
		}
	}
	return nil, errors.New("no RSA public key found in PEM data")
}
