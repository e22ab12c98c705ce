// Package middleware resolves the externally-authenticated identity into a
// local user row. Token verification itself happens at the edge (the identity
// provider's SDK in front of this API); the backend trusts the forwarded
// subject headers plus a shared secret.
package middleware

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strings"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserID returns the resolved local user id, or "" when the request was not
// authenticated.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// WithUserID is exported for tests that call handlers directly.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// Identity authenticates requests via X-Identity-Sub / X-Identity-Email set by
// the auth proxy, guarded by X-Internal-Secret when INTERNAL_API_SECRET is
// configured. A subject seen for the first time gets a user row with the
// signup quota defaults (one free lead find, one free reply generation).
type Identity struct {
	DB *sql.DB
}

func (m *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !internalSecretOK(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}

		sub := strings.TrimSpace(r.Header.Get("X-Identity-Sub"))
		if sub == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		email := strings.TrimSpace(r.Header.Get("X-Identity-Email"))

		userID, err := m.ensureUser(r.Context(), sub, email)
		if err != nil {
			log.Printf("[Identity] ensure user failed sub=%s err=%v", sub, err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"internal error"}`))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// ensureUser upserts on the identity subject and returns the local id.
// New users start with 1/1 quotas.
func (m *Identity) ensureUser(ctx context.Context, sub, email string) (string, error) {
	var id string
	err := m.DB.QueryRowContext(ctx, `
		INSERT INTO public.users (id, identity_sub, email, remaining_lead_finds, remaining_reply_generations, created_at)
		VALUES ('usr_' || md5(random()::text || $1), $1, $2, 1, 1, NOW())
		ON CONFLICT (identity_sub) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), public.users.email)
		RETURNING id
	`, sub, email).Scan(&id)
	return id, err
}

func internalSecretOK(r *http.Request) bool {
	sec := strings.TrimSpace(os.Getenv("INTERNAL_API_SECRET"))
	if sec == "" {
		return true
	}
	return strings.TrimSpace(r.Header.Get("X-Internal-Secret")) == sec
}
