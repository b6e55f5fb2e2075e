package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit caps requests per client IP over a sliding one-minute window.
// Only the login route mounts it: credential guessing is the threat, and
// the key-set and exchange endpoints must stay unthrottled for downstream
// services.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}
