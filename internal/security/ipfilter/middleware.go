package ipfilter

import (
	"log/slog"
	"net/http"

	"bastion/internal/audit"
	"bastion/internal/security/models"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/httputil"
	"bastion/pkg/requestcontext"
)

// Checker decides whether a client address may proceed.
type Checker interface {
	Check(ip string) models.Decision
}

// Middleware rejects blocked clients with 403. It expects the client address
// in the request context (metadata.ClientMetadata).
func Middleware(checker Checker, logger *slog.Logger, emitter audit.Emitter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			d := checker.Check(requestcontext.ClientIP(ctx))
			if d.Passes() {
				next.ServeHTTP(w, r)
				return
			}

			logger.WarnContext(ctx, "request blocked by ip filter",
				"rule_id", d.RuleID,
				"reason", d.Reason,
				"request_id", requestcontext.RequestID(ctx),
			)
			ev := audit.FromRequest(r, audit.ActionIPBlocked, audit.SeverityWarning, d.Reason)
			ev.RuleID = d.RuleID
			audit.LogAudit(ctx, emitter, ev)

			httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, d.Reason).WithDetail("rule_id", d.RuleID))
		})
	}
}
