// Package middleware holds the chi middleware chain for StoreSync's
// thin operator HTTP surface (spec.md §6): request IDs, structured
// logging, panic recovery, a timeout, and two access-control gates —
// BearerAuth (optional, off by default) and LocalhostOnly (hard-enforced
// on the two mutating endpoints regardless of BearerAuth).
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/athebyme/storesync/internal/ports"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID assigns (or propagates) a request identifier.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger logs each request's method, path, status, and duration.
func Logger(logger ports.LoggerPort) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := NewResponseWriter(w)

			next.ServeHTTP(ww, r)

			requestID, _ := r.Context().Value(requestIDKey).(string)
			logger.Info("handled request",
				ports.LogField{Key: "method", Value: r.Method},
				ports.LogField{Key: "path", Value: r.URL.Path},
				ports.LogField{Key: "status", Value: ww.Status()},
				ports.LogField{Key: "duration", Value: time.Since(start).String()},
				ports.LogField{Key: "request_id", Value: requestID},
			)
		})
	}
}

// ResponseWriter wraps http.ResponseWriter to capture the status code.
type ResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Status() int { return rw.statusCode }

// Recoverer converts a panic in a handler into a 500 response.
func Recoverer(logger ports.LoggerPort) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic handling request",
						ports.LogField{Key: "error", Value: rvr},
						ports.LogField{Key: "path", Value: r.URL.Path},
					)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Timeout bounds a request's handling time.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			go func() {
				next.ServeHTTP(w, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					http.Error(w, "request timeout", http.StatusGatewayTimeout)
				}
			}
		})
	}
}

// LocalhostOnly rejects any request whose remote address is not a
// loopback address, enforcing spec.md §6's "localhost-only" marking on
// POST /circuit-breakers/reset/:name and POST /trigger-sync.
func LocalhostOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden: this endpoint only accepts local requests", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerAuth validates a JWT bearer token when enabled. A disabled
// instance is a no-op passthrough (spec.md §3: bearer auth is optional,
// off by default).
func BearerAuth(enabled bool, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(parts[1], func(t *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
