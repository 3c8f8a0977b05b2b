package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"cropmind/internal/auth"
)

type AuthConfig struct {
	Tokens          auth.Tokens
	AllowEmailQuery bool
	Logger          *zap.Logger
}

// Principal is the authenticated caller, identified by email.
type Principal struct {
	Email  string
	Source string
}

type principalKey struct{}

func (c AuthConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// callerEmail resolves the acting user. A body email must agree with an
// authenticated principal; without a principal it is only honoured in
// legacy mode.
func callerEmail(ctx context.Context, bodyEmail string, legacy bool) (string, huma.StatusError) {
	bodyEmail = strings.TrimSpace(bodyEmail)
	if p, ok := principalFromContext(ctx); ok && p.Email != "" {
		if bodyEmail != "" && !strings.EqualFold(bodyEmail, p.Email) {
			return "", newAPIError(http.StatusForbidden, "forbidden", "user_email does not match the authenticated user", map[string]any{"user_email": bodyEmail})
		}
		return p.Email, nil
	}
	if legacy && bodyEmail != "" {
		return bodyEmail, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func publicPaths(basePath string) map[string]bool {
	out := map[string]bool{
		"/docs":    true,
		"/metrics": true,
	}
	for _, p := range []string{"health", "auth/login", "crops", "openapi.json"} {
		out[path.Join("/", basePath, p)] = true
	}
	return out
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Method == http.MethodOptions || public[req.URL.Path] || strings.HasPrefix(req.URL.Path, "/schemas/") {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			legacyEmail := strings.TrimSpace(req.URL.Query().Get("email"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				email, err := cfg.Tokens.Verify(token)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				ctx := withPrincipal(req.Context(), Principal{Email: email, Source: "jwt"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			if cfg.AllowEmailQuery {
				if legacyEmail != "" {
					cfg.logger().Warn("legacy email query parameter used without a token; this path is deprecated",
						zap.String("email", legacyEmail), zap.String("path", req.URL.Path))
					ctx := withPrincipal(req.Context(), Principal{Email: legacyEmail, Source: "legacy_query"})
					next.ServeHTTP(w, req.WithContext(ctx))
					return
				}
				// Handlers may still accept user_email from the body.
				next.ServeHTTP(w, req)
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
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
