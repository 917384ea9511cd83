package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"fitgpt/internal/repo"
)

// AuthConfig controls who may write. Reads are always open, matching the
// single-user deployment; writes need credentials once APIKey, JWTSecret or
// Required is set, or as soon as an API key is stored.
type AuthConfig struct {
	APIKey    string
	JWTSecret string
	Required  bool
	Logger    *slog.Logger
}

func (c AuthConfig) enforced() bool {
	return c.Required || strings.TrimSpace(c.APIKey) != "" || strings.TrimSpace(c.JWTSecret) != ""
}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

type Principal struct {
	Subject string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// SignToken mints an HS256 token for subject.
func SignToken(secret, subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
		Issuer:   "fitgpt",
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Subject: claims.Subject, Source: "jwt"}, nil
}

func authenticateBearer(token string, cfg AuthConfig) (Principal, error) {
	if cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) == 1 {
		return Principal{Subject: "owner", Source: "static_key"}, nil
	}
	return authenticateJWT(token, cfg.JWTSecret)
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	subject := apiKey.Name
	if subject == "" {
		subject = apiKey.ID
	}
	return Principal{Subject: subject, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func isRead(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func newAuthMiddleware(cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "Missing or invalid token", nil)

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, invalid)
					return
				}
				principal, err := authenticateBearer(token, cfg)
				if err != nil {
					cfg.logger().Debug("bearer rejected", "path", req.URL.Path, "error", err)
					respondStatusError(w, invalid)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					cfg.logger().Debug("api key rejected", "path", req.URL.Path, "error", err)
					respondStatusError(w, invalid)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if isRead(req.Method) {
				next.ServeHTTP(w, req)
				return
			}
			if !cfg.enforced() {
				// Storing the first key turns on write protection without a restart.
				stored, err := r.HasAPIKeys(req.Context())
				if err != nil {
					cfg.logger().Error("api key lookup failed", "path", req.URL.Path, "error", err)
					respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "Unexpected error", nil))
					return
				}
				if !stored {
					next.ServeHTTP(w, req)
					return
				}
			}
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "Missing or invalid token", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
