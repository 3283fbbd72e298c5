package httpapi

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lindseylubin/Gen-Ed/internal/authctx"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per user, bounded to the most recently
// active users.
type RateLimiter struct {
	perMinute int
	limiters  *lru.Cache[int64, *rate.Limiter]
	mu        sync.Mutex
}

func NewRateLimiter(perMinute, maxUsers int) *RateLimiter {
	cache, err := lru.New[int64, *rate.Limiter](maxUsers)
	if err != nil {
		// only fails for a non-positive size
		cache, _ = lru.New[int64, *rate.Limiter](1024)
	}
	return &RateLimiter{perMinute: perMinute, limiters: cache}
}

func (rl *RateLimiter) getLimiter(userID int64) *rate.Limiter {
	if limiter, ok := rl.limiters.Get(userID); ok {
		return limiter
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Double-check after acquiring the lock
	if limiter, ok := rl.limiters.Get(userID); ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(rl.perMinute)/60, rl.perMinute)
	rl.limiters.Add(userID, limiter)
	return limiter
}

// Allow reports whether userID may make another request now.
func (rl *RateLimiter) Allow(userID int64) bool {
	if rl == nil || rl.perMinute <= 0 {
		return true
	}
	return rl.getLimiter(userID).Allow()
}

// RateLimit enforces the per-user limit. Anonymous requests pass through and
// are rejected by the handler's login guard.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := authctx.FromContext(r.Context())
		if auth.LoggedIn() && !s.limiter.Allow(auth.UserID) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate resolves the session cookie into an authctx.Context carried
// by the request context.
func (s *Server) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/ready") || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		d, err := s.sessions.Load(r.Context(), r)
		if err != nil {
			internalError(w, "load session", err)
			return
		}
		var auth authctx.Context
		if d != nil {
			auth, err = authctx.Load(r.Context(), s.db, d.UserID, d.RoleID)
			if err != nil {
				internalError(w, "load auth context", err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(authctx.WithContext(r.Context(), auth)))
	})
}

// logLevels orders LOG_LEVEL values; request lines are info, rejections warn.
var logLevels = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

func (s *Server) logs(level string) bool {
	current, ok := logLevels[s.logLevel]
	if !ok {
		current = logLevels["info"]
	}
	return logLevels[level] >= current
}

func (s *Server) warnf(format string, args ...interface{}) {
	if s.logs("warn") {
		log.Printf("[warn] "+format, args...)
	}
}

// Logging middleware logs requests
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		user := "anonymous"
		if auth := authctx.FromContext(r.Context()); auth.LoggedIn() {
			user = auth.DisplayName
		}

		log.Printf("[%s] %s %s %d %v (user: %s)", r.Method, r.URL.Path, r.RemoteAddr, wrapped.statusCode, duration, user)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "same-origin")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
