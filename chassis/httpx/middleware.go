package httpx

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/freundallein/acm/backend/chassis/apperr"
	log "github.com/freundallein/acm/backend/chassis/logging"
)

type ctxKey int

const principalKey ctxKey = iota

// Principal - the authenticated caller
type Principal struct {
	UserID int64
	Staff  bool
}

// Authenticator validates bearer access tokens.
type Authenticator interface {
	ParseAccess(token string) (*Principal, error)
}

// WithPrincipal ...
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the caller, nil for anonymous requests.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

func bearer(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Authenticate attaches the principal when a valid bearer token is present.
func Authenticate(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearer(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			principal, err := auth.ParseAccess(token)
			if err != nil {
				WriteError(w, r, apperr.Unauthorized("Given token not valid for any token type"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireAuth rejects anonymous requests.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PrincipalFrom(r.Context()) == nil {
			WriteError(w, r, apperr.Unauthorized("Authentication credentials were not provided."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireStaff rejects callers without the staff flag.
func RequireStaff(next http.Handler) http.Handler {
	return RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !PrincipalFrom(r.Context()).Staff {
			WriteError(w, r, apperr.Forbidden("You do not have permission to perform this action."))
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// RateLimiter keeps one token bucket per user or remote address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewRateLimiter ...
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Handler ...
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}
		if p := PrincipalFrom(r.Context()); p != nil {
			key = "user:" + strconv.FormatInt(p.UserID, 10)
		}
		if !rl.limiter(key).Allow() {
			log.WithContext(r.Context()).WithFields(map[string]interface{}{
				"event": "rate_limit_exceeded",
				"key":   key,
				"path":  r.URL.Path,
			}).Warn("too many requests")
			WriteError(w, r, apperr.New(apperr.HTTPTooManyRequests, http.StatusTooManyRequests, "Request was throttled."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging assigns a trace id and writes one access log line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = log.NewTraceID()
		}
		ctx := log.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)

		wrapped := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		log.WithContext(ctx).WithFields(map[string]interface{}{
			"event":    "http_request",
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.status,
			"duration": time.Since(start).String(),
		}).Info("request served")
	})
}

// Recover turns panics into 500 responses.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithContext(r.Context()).WithFields(map[string]interface{}{
					"event": "handler_panic",
					"path":  r.URL.Path,
				}).Error(rec)
				WriteJSON(w, http.StatusInternalServerError, ErrorBody{
					Code:    apperr.HTTPServerError,
					Message: "Internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Timeout bounds handler execution; zero disables it.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.TimeoutHandler(next, d, `{"errorCode":1500,"errorMessage":"Request timed out"}`)
	}
}

type recorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *recorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Flush keeps streaming responses working through the wrapper.
func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
