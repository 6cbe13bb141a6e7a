package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Middleware wraps an HTTP handler with admission control. Accepted
// responses carry the post-increment quota headers so clients can
// self-throttle; rejections return 429 with retry guidance.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := l.CheckRequest(r)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retrySecs := int(decision.RetryAfter.Seconds())
			if retrySecs < 1 {
				retrySecs = 1
			}
			h.Set("Retry-After", strconv.Itoa(retrySecs))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":       "rate limit exceeded",
				"class":       decision.Class,
				"limit":       decision.Limit,
				"window_secs": int(decision.Window.Seconds()),
				"retry_after": retrySecs,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
