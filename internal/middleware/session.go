package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/campuslink/internal/logger"
)

// SessionStore разрешает токен сессии в user_id. Пустая строка — токена нет.
type SessionStore interface {
	Get(ctx context.Context, key string) (string, error)
}

// LastSeenUpdater обновляет отметку активности пользователя.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
}

const sessionKeyPrefix = "session:"

// SessionKey returns the KV key under which a token's user id is stored.
func SessionKey(token string) string {
	return sessionKeyPrefix + token
}

// SessionAuth resolves the bearer token (Authorization header, or the token
// query param for websocket clients that cannot set headers) to a user id via
// the session store and puts it on the request context.
func SessionAuth(sessions SessionStore, users LastSeenUpdater) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			userID, err := sessions.Get(r.Context(), SessionKey(token))
			if err != nil {
				logger.Errorf("session auth token=%s: %v", MaskToken(token), err)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if userID == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if users != nil {
				if err := users.UpdateLastSeen(r.Context(), userID, time.Now().UTC()); err != nil {
					logger.Errorf("session auth UpdateLastSeen user=%s: %v", userID, err)
				}
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
