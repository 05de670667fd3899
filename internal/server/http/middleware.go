package http

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"conductor/internal/ports"
)

const sessionKey = "conductor.session"

// authRequired validates the bearer token against the session store and
// stashes the session id in the request context.
func authRequired(sessions ports.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(c, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
			return
		}

		sess, err := sessions.Validate(c.Request.Context(), token)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
			return
		}
		c.Set(sessionKey, sess.Token)
		c.Next()
	}
}

func sessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}

const maxTrackedLimiters = 4096

// rateLimit enforces a per-session request budget. Unauthenticated
// requests are keyed by client IP.
func rateLimit(requestsPerMin int) gin.HandlerFunc {
	if requestsPerMin <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	perSecond := rate.Limit(float64(requestsPerMin) / 60.0)
	burst := requestsPerMin / 10
	if burst < 1 {
		burst = 1
	}

	return func(c *gin.Context) {
		key := sessionID(c)
		if key == "" {
			key = c.ClientIP()
		}

		mu.Lock()
		limiter, ok := limiters[key]
		if !ok {
			if len(limiters) >= maxTrackedLimiters {
				limiters = make(map[string]*rate.Limiter)
			}
			limiter = rate.NewLimiter(perSecond, burst)
			limiters[key] = limiter
		}
		mu.Unlock()

		if !limiter.Allow() {
			respondError(c, http.StatusTooManyRequests, "RateLimited", "request budget exceeded")
			return
		}
		c.Next()
	}
}
