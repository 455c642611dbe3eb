package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/markdave123-py/docchat/internal/apperr"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/models"
	"github.com/markdave123-py/docchat/internal/services"
)

type ctxKey int

const userKey ctxKey = iota

// WithUser returns a copy of ctx carrying the authenticated user.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFrom returns the authenticated user, if any.
func UserFrom(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(userKey).(*models.User)
	return u, ok && u != nil
}

// AuthMiddleware turns AccessService decisions into chi middlewares.
// Auth routes answer {success:false, message}; OptionalAuth answers {detail}
// like the conversation and document routes it guards.
type AuthMiddleware struct {
	access *services.AccessService
	log    *logger.Logger
}

func NewAuthMiddleware(access *services.AccessService, log *logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{access: access, log: log.With("middleware", "AuthMiddleware")}
}

// RequireAuth rejects requests without a valid bearer token.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.access.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			m.reject(w, r, err, authBody)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// OptionalAuth attaches the user when a token is sent. A token that is sent
// but invalid is still rejected.
func (m *AuthMiddleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if strings.TrimSpace(header) == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, err := m.access.Authenticate(r.Context(), header)
		if err != nil {
			m.reject(w, r, err, detailBody)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// RequireRole must run after RequireAuth.
func (m *AuthMiddleware) RequireRole(roleID int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, _ := UserFrom(r.Context())
			if err := m.access.AuthorizeRole(user, roleID); err != nil {
				m.reject(w, r, err, authBody)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission must run after RequireAuth.
func (m *AuthMiddleware) RequirePermission(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, _ := UserFrom(r.Context())
			if err := m.access.AuthorizePermission(r.Context(), user, name); err != nil {
				m.reject(w, r, err, authBody)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, err error, body func(string) any) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		m.log.Error("access check failed", "path", r.URL.Path, "error", err)
	} else {
		m.log.Debug("request rejected", "path", r.URL.Path, "status", status, "reason", err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body(apperr.PublicMessage(err)))
}

func authBody(msg string) any {
	return map[string]any{"success": false, "message": msg}
}

func detailBody(msg string) any {
	return map[string]string{"detail": msg}
}
