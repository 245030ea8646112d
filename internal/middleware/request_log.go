package middleware

import (
	"net/http"
	"time"

	"github.com/campuslink/internal/logger"
)

// RequestLog логирует каждый HTTP-запрос: метод, путь, длительность.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, start)()
		next.ServeHTTP(w, r)
	})
}
