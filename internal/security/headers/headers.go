// Package headers injects the hardened response headers.
package headers

import (
	"net/http"

	"bastion/internal/platform/config"
)

// Set is the header name/value list applied to every response.
type Set [][2]string

// Defaults are used for any header left empty in configuration.
var Defaults = config.Headers{
	ContentTypeOptions:      "nosniff",
	FrameOptions:            "DENY",
	XSSProtection:           "1; mode=block",
	StrictTransportSecurity: "max-age=31536000; includeSubDomains",
	ContentSecurityPolicy:   "default-src 'self'",
	ReferrerPolicy:          "strict-origin-when-cross-origin",
}

// FromConfig resolves the six headers, falling back to Defaults.
func FromConfig(cfg config.Headers) Set {
	pick := func(v, def string) string {
		if v != "" {
			return v
		}
		return def
	}
	return Set{
		{"X-Content-Type-Options", pick(cfg.ContentTypeOptions, Defaults.ContentTypeOptions)},
		{"X-Frame-Options", pick(cfg.FrameOptions, Defaults.FrameOptions)},
		{"X-XSS-Protection", pick(cfg.XSSProtection, Defaults.XSSProtection)},
		{"Strict-Transport-Security", pick(cfg.StrictTransportSecurity, Defaults.StrictTransportSecurity)},
		{"Content-Security-Policy", pick(cfg.ContentSecurityPolicy, Defaults.ContentSecurityPolicy)},
		{"Referrer-Policy", pick(cfg.ReferrerPolicy, Defaults.ReferrerPolicy)},
	}
}

// Middleware sets the headers before the wrapped handler runs so they are
// present on every response, including errors written by inner stages.
// Upstream responses that set the same header are overridden on the way out.
func Middleware(set Set) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apply(w.Header(), set)
			next.ServeHTTP(&writer{ResponseWriter: w, set: set}, r)
		})
	}
}

func apply(h http.Header, set Set) {
	for _, kv := range set {
		h.Set(kv[0], kv[1])
	}
}

type writer struct {
	http.ResponseWriter
	set         Set
	wroteHeader bool
}

func (w *writer) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		apply(w.ResponseWriter.Header(), w.set)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *writer) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush supports streaming upstream responses.
func (w *writer) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if !w.wroteHeader {
			w.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

func (w *writer) Unwrap() http.ResponseWriter { return w.ResponseWriter }
