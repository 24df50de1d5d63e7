// Package middleware holds the request plumbing shared by every route:
// panic recovery, access logging, deadlines and body limits.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"bastion/internal/platform/metrics"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/httputil"
	"bastion/pkg/requestcontext"
)

// statusWriter records the status and whether anything was written.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func wrap(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w}
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if w.status == 0 {
			w.status = http.StatusOK
		}
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) written() bool { return w.status != 0 }

// Status returns the written status, or 200 if nothing was written.
func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// PanicFunc observes a recovered panic.
type PanicFunc func(r *http.Request, recovered any)

// Recovery turns a panic into a 500. The panic never reaches net/http.
// onPanic may be nil.
func Recovery(logger *slog.Logger, onPanic PanicFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := wrap(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.ErrorContext(r.Context(), "panic recovered",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", requestcontext.RequestID(r.Context()),
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic(r, rec)
				}
				if !sw.written() {
					httputil.WriteError(sw, dErrors.New(dErrors.CodeInternal, "internal error"))
				}
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

// Logger writes one access log line per request and records edge metrics
// when m is non-nil.
func Logger(logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := wrap(w)
			next.ServeHTTP(sw, r)

			elapsed := time.Since(start)
			status := sw.Status()
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", sw.bytes,
				"duration_ms", elapsed.Milliseconds(),
				"request_id", requestcontext.RequestID(r.Context()),
			)
			if m != nil {
				m.ObserveRequest(r.Method, strconv.Itoa(status), elapsed.Seconds())
			}
		})
	}
}

// Timeout bounds the request with a deadline. Handlers are expected to honour
// the context; if the deadline passed and nothing was written, the client gets
// 408.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			sw := wrap(w)
			next.ServeHTTP(sw, r.WithContext(ctx))
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !sw.written() {
				httputil.WriteError(sw, dErrors.New(dErrors.CodeTimeout, "request timed out"))
			}
		})
	}
}

// BodyLimit rejects declared oversized bodies with 413 and caps the rest
// with http.MaxBytesReader.
func BodyLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if max <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > max {
				httputil.WriteError(w, dErrors.Newf(dErrors.CodePayloadTooLarge, "request body exceeds %d bytes", max))
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
