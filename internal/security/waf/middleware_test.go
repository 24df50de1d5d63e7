package waf

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/platform/logger"
	"bastion/internal/security/metrics"
	"bastion/pkg/testutil"
)

func TestMiddlewareBlocksAndPassesBodyThrough(t *testing.T) {
	sc, err := New(DefaultSignatures(), nil)
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})
	h := NewMiddleware(sc, logger.Discard(), WithMiddlewareMetrics(m)).Handler(next)

	rr := testutil.DoRequest(h, testutil.NewFormRequest(t, http.MethodPost, "/login", "username=admin' OR '1'='1"))
	testutil.AssertStatus(t, rr, http.StatusForbidden)
	body := testutil.UnmarshalErrorResponse(t, rr)
	assert.Contains(t, body["error_description"], "SQL injection")
	details, ok := body["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sqli.tautology", details["rule_id"])
	assert.Empty(t, seen)

	rr = testutil.DoRequest(h, testutil.NewFormRequest(t, http.MethodPost, "/login", "username=alice&password=s3cret"))
	testutil.AssertStatusOK(t, rr)
	assert.Equal(t, "username=alice&password=s3cret", seen)

	assert.InDelta(t, 1, promtestutil.ToFloat64(m.WAFDecisions.WithLabelValues("block")), 0)
	assert.InDelta(t, 1, promtestutil.ToFloat64(m.WAFDecisions.WithLabelValues("allow")), 0)
	assert.InDelta(t, 1, promtestutil.ToFloat64(m.WAFRules.WithLabelValues("sql_injection", "high")), 0)
}

func TestMiddlewareRejectsOversizedBody(t *testing.T) {
	sc, err := New(DefaultSignatures(), nil)
	require.NoError(t, err)
	h := NewMiddleware(sc, logger.Discard()).Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := testutil.NewFormRequest(t, http.MethodPost, "/upload", "0123456789")
	rr := testutil.DoRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 4)
		h.ServeHTTP(w, r)
	}), req)
	testutil.AssertStatusAndError(t, rr, http.StatusRequestEntityTooLarge, "payload_too_large")
}
