package waf

import (
	"errors"
	"log/slog"
	"net/http"

	"bastion/internal/audit"
	"bastion/internal/security/metrics"
	"bastion/internal/security/models"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/httputil"
	"bastion/pkg/requestcontext"
)

// Inspector scans a request snapshot.
type Inspector interface {
	Scan(req *models.Request) models.Decision
}

// Middleware runs the scanner before the handler. Blocks and challenges are
// answered with 403; monitored requests pass through and are logged.
type Middleware struct {
	inspector Inspector
	maxBody   int64
	logger    *slog.Logger
	metrics   *metrics.Metrics
	audit     audit.Emitter
}

type MiddlewareOption func(*Middleware)

func WithMiddlewareMetrics(m *metrics.Metrics) MiddlewareOption {
	return func(mw *Middleware) { mw.metrics = m }
}

func WithAudit(e audit.Emitter) MiddlewareOption {
	return func(mw *Middleware) { mw.audit = e }
}

// WithInspectLimit bounds how much of the body is scanned.
func WithInspectLimit(n int64) MiddlewareOption {
	return func(mw *Middleware) {
		if n > 0 {
			mw.maxBody = n
		}
	}
}

func NewMiddleware(inspector Inspector, logger *slog.Logger, opts ...MiddlewareOption) *Middleware {
	mw := &Middleware{inspector: inspector, maxBody: 1 << 20, logger: logger}
	for _, opt := range opts {
		opt(mw)
	}
	return mw
}

func (mw *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		snapshot, err := models.FromHTTP(r, requestcontext.ClientIP(ctx), requestcontext.Now(ctx), mw.maxBody)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httputil.WriteError(w, dErrors.New(dErrors.CodePayloadTooLarge, "request body too large"))
				return
			}
			httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "unable to read request body"))
			return
		}

		d := mw.inspector.Scan(snapshot)
		mw.metrics.ObserveWAF(d)

		switch d.Kind {
		case models.KindAllow:
			next.ServeHTTP(w, r)
			return
		case models.KindMonitor:
			mw.logger.InfoContext(ctx, "waf monitored request",
				"rule_id", d.RuleID,
				"threat_score", d.ThreatScore,
				"request_id", requestcontext.RequestID(ctx),
			)
			mw.emit(r, audit.ActionWAFMonitored, audit.SeverityInfo, d)
			next.ServeHTTP(w, r)
			return
		}

		mw.logger.WarnContext(ctx, "request rejected by waf",
			"decision", string(d.Kind),
			"rule_id", d.RuleID,
			"reason", d.Reason,
			"threat_score", d.ThreatScore,
			"rules", len(d.Triggered),
			"request_id", requestcontext.RequestID(ctx),
		)

		var de *dErrors.Error
		if d.Kind == models.KindChallenge {
			mw.emit(r, audit.ActionWAFChallenged, audit.SeverityWarning, d)
			de = dErrors.New(dErrors.CodeForbidden, d.Reason).WithDetail("challenge", d.ChallengeType)
		} else {
			mw.emit(r, audit.ActionWAFBlocked, audit.SeverityCritical, d)
			de = dErrors.New(dErrors.CodeForbidden, d.Reason)
		}
		httputil.WriteError(w, de.
			WithDetail("rule_id", d.RuleID).
			WithDetail("threat_score", d.ThreatScore))
	})
}

func (mw *Middleware) emit(r *http.Request, action audit.Action, severity audit.Severity, d models.Decision) {
	ev := audit.FromRequest(r, action, severity, d.Reason)
	ev.RuleID = d.RuleID
	ev.Score = d.ThreatScore
	audit.LogAudit(r.Context(), mw.audit, ev)
}
