package admission

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hyper-ai-inc/termbridge/internal/metrics"
)

// SetHeaders writes the X-RateLimit-* headers for st
func SetHeaders(h http.Header, st Status) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(st.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(st.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(st.ResetAt.UnixMilli(), 10))
}

// Reject writes a 429 response for a rate-limit error
func Reject(w http.ResponseWriter, err *RateLimitError) {
	secs := err.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	SetHeaders(w.Header(), Status{Limit: err.Limit, Remaining: 0, ResetAt: err.ResetAt})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"error":      "Rate limit exceeded",
		"retryAfter": secs,
		"message":    fmt.Sprintf("Too many requests. Please try again in %d seconds.", secs),
	})
}

// Limit returns middleware that counts each request against l by Identity.
// keyed reports whether tokens were verified upstream. Rejections are
// recorded on m under gate.
func Limit(l *RateLimiter, m *metrics.Metrics, gate string, keyed bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := Identity(r, keyed)
			if err := l.Allow(key); err != nil {
				var rlErr *RateLimitError
				if errors.As(err, &rlErr) {
					m.Rejected(gate)
					Reject(w, rlErr)
					return
				}
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			SetHeaders(w.Header(), l.Status(key))
			next.ServeHTTP(w, r)
		})
	}
}
