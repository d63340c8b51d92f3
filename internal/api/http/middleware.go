package http

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/louisbranch/passkeys.space/internal/platform/token"
	"golang.org/x/time/rate"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.status = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

// requestLogger logs one structured line per request and feeds the duration
// histogram.
func requestLogger(logger *slog.Logger, metrics *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.status,
				"duration_ms", duration.Milliseconds(),
			)
			if metrics != nil {
				metrics.ObserveRequest(r.Method, recorder.status, duration)
			}
		})
	}
}

// recoverPanics converts handler panics into a 500 without killing the
// connection, and logs the panic value.
func recoverPanics(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if recovered := recover(); recovered != nil {
					logger.Error("handler panic",
						"method", r.Method,
						"path", r.URL.Path,
						"panic", recovered,
					)
					respondJSON(w, http.StatusInternalServerError, ceremonyFailure{
						Message: "Something went wrong",
						Code:    "UNKNOWN",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

const (
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"
	csrfTokenBytes = 32
)

// csrfProtect implements double-submit CSRF: safe methods receive a readable
// token cookie, state-changing methods must echo it in the X-CSRF-Token
// header.
func csrfProtect(logger *slog.Logger, secure bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				ensureCSRFCookie(w, r, secure)
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(csrfCookieName)
			header := r.Header.Get(csrfHeaderName)
			if err != nil || cookie.Value == "" || header == "" || !token.SecureCompare(cookie.Value, header) {
				logger.Warn("csrf validation failed",
					"method", r.Method,
					"path", r.URL.Path,
				)
				respondJSON(w, http.StatusForbidden, ceremonyFailure{
					Message: "Request could not be verified",
					Code:    "CSRF_FAILED",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func ensureCSRFCookie(w http.ResponseWriter, r *http.Request, secure bool) {
	if cookie, err := r.Cookie(csrfCookieName); err == nil && cookie.Value != "" {
		return
	}
	value, err := token.Generate(csrfTokenBytes)
	if err != nil {
		slog.Error("generate csrf token", "error", err)
		return
	}
	setCSRFCookie(w, value, secure)
}

// setCSRFCookie writes the token cookie readable by frontend scripts, which
// echo it back in the header.
func setCSRFCookie(w http.ResponseWriter, value string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int((24 * time.Hour).Seconds()),
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// rotateCSRFToken issues a fresh token cookie and returns the new value.
// Reauthentication responses carry it so clients keep working mid-page.
func rotateCSRFToken(w http.ResponseWriter, secure bool) (string, error) {
	value, err := token.Generate(csrfTokenBytes)
	if err != nil {
		return "", err
	}
	setCSRFCookie(w, value, secure)
	return value, nil
}

// ipLimiter tracks one token bucket per client IP with idle expiry.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	rate     rate.Limit
	burst    int
	ttl      time.Duration
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// newIPLimiter builds a per-IP limiter allowing perMinute requests with the
// same burst.
func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{
		limiters: map[string]*ipLimiterEntry{},
		rate:     rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		ttl:      10 * time.Minute,
	}
}

func (l *ipLimiter) allow(clientIP string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[clientIP]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[clientIP] = entry
	}
	entry.lastAccess = now

	for ip, stale := range l.limiters {
		if now.Sub(stale.lastAccess) > l.ttl {
			delete(l.limiters, ip)
		}
	}
	return entry.limiter.Allow()
}

// limitByIP throttles ceremony endpoints per client IP. Challenge issuance
// and verification are cheap to request but cost server-side crypto, so they
// get a budget.
func limitByIP(limiter *ipLimiter, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				clientIP = r.RemoteAddr
			}
			if !limiter.allow(clientIP, time.Now()) {
				logger.Warn("rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
				retryAfter := 1
				if limiter.rate > 0 {
					retryAfter = int(1.0/float64(limiter.rate)) + 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				respondJSON(w, http.StatusTooManyRequests, ceremonyFailure{
					Message: "Too many requests",
					Code:    "RATE_LIMITED",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
