package audit

import (
	"context"
	"net/http"

	"bastion/pkg/platform/privacy"
	"bastion/pkg/requestcontext"
)

// Emitter records security events. *Publisher satisfies it.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// FromRequest builds an event for action describing r. The client IP is
// anonymized before it leaves the process.
func FromRequest(r *http.Request, action Action, severity Severity, reason string) Event {
	ctx := r.Context()
	ip := requestcontext.ClientIP(ctx)
	if ip != "" {
		ip = privacy.AnonymizeIP(ip)
	}
	return Event{
		Timestamp: requestcontext.Now(ctx),
		Action:    action,
		Severity:  severity,
		IP:        ip,
		Subject:   requestcontext.UserID(ctx),
		Reason:    reason,
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: requestcontext.RequestID(ctx),
	}
}

// LogAudit emits event when an emitter is configured. Nil emitters are
// allowed so callers need no guard.
func LogAudit(ctx context.Context, emitter Emitter, event Event) {
	if emitter == nil {
		return
	}
	emitter.Emit(ctx, event)
}
