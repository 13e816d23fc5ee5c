// Package auth resolves the caller identity for each request.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/rag-support/internal/config"
	"github.com/ashureev/rag-support/internal/domain"
)

// ErrUnauthorized is returned when a bearer token cannot be resolved to a user.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator turns a bearer token into a user. An empty token means the
// request carried no Authorization header.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// Fixed identities handed out by DevAuthenticator.
const (
	DevAnonymousUserID = "dev_user"
	DevTokenUserID     = "user_123"
)

// DevAuthenticator accepts every request. It is a development placeholder and
// not a security boundary.
type DevAuthenticator struct {
	admins map[string]bool
}

// NewDevAuthenticator creates a DevAuthenticator treating adminIDs as admins.
func NewDevAuthenticator(adminIDs []string) *DevAuthenticator {
	return &DevAuthenticator{admins: toSet(adminIDs)}
}

// Authenticate implements Authenticator.
func (a *DevAuthenticator) Authenticate(_ context.Context, token string) (*domain.User, error) {
	id := DevTokenUserID
	if token == "" {
		id = DevAnonymousUserID
	}
	return &domain.User{UserID: id, IsAdmin: a.admins[id]}, nil
}

// TokenAuthenticator resolves tokens against a static table.
type TokenAuthenticator struct {
	tokens map[string]domain.User
	admins map[string]bool
}

// NewTokenAuthenticator parses entries of the form token:user[:admin].
func NewTokenAuthenticator(entries, adminIDs []string) (*TokenAuthenticator, error) {
	a := &TokenAuthenticator{
		tokens: make(map[string]domain.User, len(entries)),
		admins: toSet(adminIDs),
	}
	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid auth token entry %q: want token:user[:admin]", entry)
		}
		user := domain.User{UserID: parts[1]}
		if len(parts) == 3 {
			if parts[2] != "admin" {
				return nil, fmt.Errorf("invalid auth token entry %q: third field must be \"admin\"", entry)
			}
			user.IsAdmin = true
		}
		a.tokens[parts[0]] = user
	}
	return a, nil
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (*domain.User, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	user, ok := a.tokens[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	user.IsAdmin = user.IsAdmin || a.admins[user.UserID]
	return &user, nil
}

// New builds the authenticator selected by configuration.
func New(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case config.AuthModeToken:
		return NewTokenAuthenticator(cfg.Tokens, cfg.AdminUserIDs)
	case config.AuthModeDev, "":
		return NewDevAuthenticator(cfg.AdminUserIDs), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

type contextKey int

const (
	userKey contextKey = iota
	sessionIDKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *domain.User {
	if u, ok := ctx.Value(userKey).(*domain.User); ok {
		return u
	}
	return nil
}

// UserIDFromContext returns the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	if u := UserFromContext(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// SessionIDFromContext returns the client supplied session id, or "" when the
// request did not carry a valid one.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// ErrInvalidSessionID is returned for a session id the client supplied but
// that does not match sessionIDPattern.
var ErrInvalidSessionID = errors.New("invalid session id")

// sessionIDFromRequest returns the session id from the header or the
// session_id query parameter. Absent is fine; malformed is an error.
func sessionIDFromRequest(r *http.Request) (string, error) {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	sid = strings.TrimSpace(sid)
	if sid == "" {
		return "", nil
	}
	if !sessionIDPattern.MatchString(sid) {
		return "", ErrInvalidSessionID
	}
	return sid, nil
}

// SessionHeaderName carries an optional session id.
const SessionHeaderName = "X-Session-ID"

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// Middleware authenticates the request and places the user and session id on
// the request context.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := a.Authenticate(r.Context(), bearerToken(r))
			if err != nil || user == nil {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}

			sid, err := sessionIDFromRequest(r)
			if err != nil {
				slog.Warn("Rejected malformed session id", "user_id", user.UserID)
				WriteError(w, http.StatusBadRequest, "invalid session id",
					"session_id must be 1-128 characters of letters, digits, '.', '_', ':' or '-'")
				return
			}

			ctx := WithUser(r.Context(), user)
			if sid != "" {
				ctx = context.WithValue(ctx, sessionIDKey, sid)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteError writes a JSON error body {error, detail}.
func WriteError(w http.ResponseWriter, status int, message, detail string) {
	body := map[string]string{"error": message}
	if detail != "" {
		body["detail"] = detail
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
