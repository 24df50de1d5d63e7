package ipfilter

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/security/models"
	"bastion/pkg/testutil"
)

func rule(t *testing.T, id string, kind Kind, cidr string) Rule {
	t.Helper()
	p, err := ParsePrefix(cidr)
	require.NoError(t, err)
	return Rule{ID: id, Kind: kind, Prefix: p}
}

func TestParsePrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.1", "10.0.0.1/32"},
		{"10.0.0.77/24", "10.0.0.0/24"},
		{"::ffff:10.0.0.1", "10.0.0.1/32"},
		{"2001:db8::1/48", "2001:db8::/48"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParsePrefix(tt.in)
			require.NoError(t, err)
			assert.Equal(t, netip.MustParsePrefix(tt.want), p)
		})
	}

	_, err := ParsePrefix("10.0.0.300")
	assert.Error(t, err)
	_, err = ParsePrefix("10.0.0.0/40")
	assert.Error(t, err)
}

// Justification for unit tests: precedence between the two lists is the
// filter's whole contract and is easiest to pin down as a table.
func TestFilterPrecedence(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		ip    string
		want  models.Kind
	}{
		{"no rules allows", nil, "10.0.0.1", models.KindAllow},
		{"block list match", []Rule{rule(t, "b", KindBlock, "10.0.0.1")}, "10.0.0.1", models.KindBlock},
		{"block list cidr", []Rule{rule(t, "b", KindBlock, "10.0.0.0/8")}, "10.200.3.4", models.KindBlock},
		{"block list miss", []Rule{rule(t, "b", KindBlock, "10.0.0.0/8")}, "192.168.1.1", models.KindAllow},
		{"allow list miss blocks", []Rule{rule(t, "a", KindAllow, "192.168.0.0/16")}, "10.0.0.1", models.KindBlock},
		{"allow list hit", []Rule{rule(t, "a", KindAllow, "192.168.0.0/16")}, "192.168.9.9", models.KindAllow},
		{
			"allowed address is still subject to the block list",
			[]Rule{rule(t, "a", KindAllow, "192.168.0.0/16"), rule(t, "b", KindBlock, "192.168.9.9")},
			"192.168.9.9", models.KindBlock,
		},
		{"mapped v6 client", []Rule{rule(t, "b", KindBlock, "10.0.0.1")}, "::ffff:10.0.0.1", models.KindBlock},
		{"garbage address", nil, "not-an-ip", models.KindBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFilter(true)
			f.Replace(tt.rules)
			assert.Equal(t, tt.want, f.Check(tt.ip).Kind)
		})
	}
}

func TestFilterBlockReportsRule(t *testing.T) {
	f := NewFilter(true)
	r := rule(t, "rule-7", KindBlock, "10.0.0.1")
	r.Reason = "credential stuffing"
	f.Add(r)

	d := f.Check("10.0.0.1")
	assert.Equal(t, "rule-7", d.RuleID)
	assert.Equal(t, "credential stuffing", d.Reason)
}

func TestFilterDisabledAllowsEverything(t *testing.T) {
	f := NewFilter(false)
	f.Add(rule(t, "b", KindBlock, "0.0.0.0/0"))
	assert.Equal(t, models.KindAllow, f.Check("10.0.0.1").Kind)
}

func TestFilterSkipsExpiredRulesWithoutRemovingThem(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f := NewFilter(true, WithClock(clock.Now))

	r := rule(t, "temp", KindBlock, "10.0.0.1")
	expires := clock.Now().Add(time.Minute)
	r.ExpiresAt = &expires
	f.Add(r)

	assert.Equal(t, models.KindBlock, f.Check("10.0.0.1").Kind)

	clock.Advance(time.Minute)
	assert.Equal(t, models.KindAllow, f.Check("10.0.0.1").Kind)
	assert.Len(t, f.Rules(), 1, "expired entries stay until pruned")

	assert.Equal(t, 1, f.Prune(clock.Now()))
	assert.Empty(t, f.Rules())
}

func TestFilterExpiredAllowListIsEmpty(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f := NewFilter(true, WithClock(clock.Now))
	r := rule(t, "a", KindAllow, "192.168.0.1")
	expires := clock.Now().Add(time.Second)
	r.ExpiresAt = &expires
	f.Add(r)

	assert.Equal(t, models.KindBlock, f.Check("10.0.0.1").Kind)
	clock.Advance(time.Second)
	assert.Equal(t, models.KindAllow, f.Check("10.0.0.1").Kind)
}

func TestFilterAddReplacesAndRemove(t *testing.T) {
	f := NewFilter(true)
	f.Add(rule(t, "x", KindBlock, "10.0.0.1"))
	f.Add(rule(t, "x", KindBlock, "10.0.0.2"))

	require.Len(t, f.Rules(), 1)
	assert.Equal(t, models.KindAllow, f.Check("10.0.0.1").Kind)
	assert.True(t, f.Remove("x"))
	assert.False(t, f.Remove("x"))
}
