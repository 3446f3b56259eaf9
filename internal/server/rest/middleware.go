// Package rest provides the HTTP API of the admin console.
// This file implements RS256 JWT bearer-token authentication middleware.
//
// # Authentication Flow
//
// Requests to protected routes carry
//
//	Authorization: Bearer <compact-JWT>
//
// Browsers cannot set headers on a WebSocket upgrade, so routes built with
// [JWTConfig.AllowQueryToken] also accept the token as ?access_token=.
//
// The middleware parses the token with golang-jwt, accepting only RS256,
// verifies the signature against the configured public key, checks exp/nbf
// and the optional iss/aud claims, and injects the verified claims into the
// request context. On any failure it answers HTTP 401 with a JSON error body
// and does not call the next handler.
package rest

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// JWTConfig holds the configuration for [JWTMiddleware].
type JWTConfig struct {
	// PublicKey verifies RS256 signatures. Required.
	PublicKey *rsa.PublicKey

	// Issuer, if non-empty, must equal the "iss" claim.
	Issuer string

	// Audience, if non-empty, must appear in the "aud" claim.
	Audience string

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration

	// AllowQueryToken accepts ?access_token= when no Authorization header is
	// present.
	AllowQueryToken bool

	// Logger records authentication failures. Nil uses slog.Default().
	Logger *slog.Logger
}

// ClaimsFromContext retrieves the claims injected by [JWTMiddleware].
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}

// actor names the operator behind r for the audit log.
func actor(r *http.Request) string {
	if c, ok := ClaimsFromContext(r.Context()); ok && c.Subject != "" {
		return c.Subject
	}
	return "anonymous"
}

// ParseRSAPublicKey decodes a PEM-encoded RSA public key in PKCS#1 or PKIX
// form.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err == nil {
		return key, nil
	}
	if block, _ := pem.Decode(pemData); block != nil && block.Type == "RSA PUBLIC KEY" {
		if key, perr := x509.ParsePKCS1PublicKey(block.Bytes); perr == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("jwt: parse public key: %w", err)
}

// JWTMiddleware returns chi-compatible middleware enforcing RS256 bearer
// tokens.
func JWTMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return cfg.PublicKey, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r, cfg.AllowQueryToken)
			if err == nil {
				claims := &jwt.RegisteredClaims{}
				if _, err = parser.ParseWithClaims(raw, claims, keyFunc); err == nil {
					ctx := context.WithValue(r.Context(), claimsKey, claims)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			logger.Warn("jwt: authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func bearerToken(r *http.Request, allowQuery bool) (string, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" && allowQuery {
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			return tok, nil
		}
	}
	if !strings.HasPrefix(raw, "Bearer ") {
		return "", errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// writeJSONError writes {"error": detail} with the given status.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
