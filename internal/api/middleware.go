package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
)

// LoggingMiddleware assigns a request id, logs the request and records
// metrics.
func (h *Handlers) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(context.WithValue(r.Context(), RequestIDKey, requestID))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Health and scrape traffic is neither measured nor logged.
		if quietPath(r.URL.Path) {
			return
		}

		path := routeTemplate(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration.Seconds())

		h.logger.Info("request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", wrapped.statusCode),
			slog.Duration("duration", duration),
			slog.String("remote_addr", r.RemoteAddr),
		)
	})
}

func quietPath(path string) bool {
	return strings.HasPrefix(path, "/health") || path == "/ready" || path == "/metrics"
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func (h *Handlers) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"path", r.URL.Path,
				)
				writeErrorResponse(w, r, http.StatusInternalServerError, "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// TracingMiddleware wraps the handler in an otelhttp server span.
func TracingMiddleware(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "flowengine",
		otelhttp.WithFilter(func(r *http.Request) bool { return !quietPath(r.URL.Path) }),
	)
}

// responseWriter captures the status code. It forwards Flush so event
// streams keep working behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per client.
	RequestsPerSecond float64

	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int

	CleanupInterval time.Duration

	// LimiterTTL is how long an idle client's limiter is kept.
	LimiterTTL time.Duration

	// SkipPaths are exempt from rate limiting.
	SkipPaths []string

	// KeyFunc extracts the rate limit key from a request (default: client IP).
	KeyFunc func(*http.Request) string
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		CleanupInterval:   time.Minute,
		LimiterTTL:        5 * time.Minute,
		SkipPaths:         []string{"/health", "/healthz", "/ready", "/metrics"},
		KeyFunc:           clientIP,
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	config   *RateLimitConfig
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(cfg *RateLimitConfig) *RateLimiter {
	d := DefaultRateLimitConfig()
	if cfg == nil {
		cfg = d
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = d.KeyFunc
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	if cfg.LimiterTTL <= 0 {
		cfg.LimiterTTL = d.LimiterTTL
	}
	rl := &RateLimiter{
		config:   cfg,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, cl := range rl.limiters {
				if now.Sub(cl.lastSeen) > rl.config.LimiterTTL {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Allow reports whether a request for key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	cl, ok := rl.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()
	return cl.limiter.Allow()
}

// Middleware enforces the limit, answering 429 when exceeded.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	limit := fmt.Sprintf("%.0f", rl.config.RequestsPerSecond)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, path := range rl.config.SkipPaths {
			if r.URL.Path == path {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("X-RateLimit-Limit", limit)
		if !rl.Allow(rl.config.KeyFunc(r)) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Remaining", "0")
			writeErrorResponse(w, r, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
