//go:build integration

package ipfilter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"bastion/internal/security/ipfilter"
	"bastion/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *ipfilter.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = ipfilter.NewPostgres(s.postgres.DB, "")
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), ipfilter.DefaultTable))
}

func (s *PostgresStoreSuite) rule(id, cidr string, created time.Time, ttl time.Duration) ipfilter.Rule {
	prefix, err := ipfilter.ParsePrefix(cidr)
	s.Require().NoError(err)
	r := ipfilter.Rule{ID: id, Kind: ipfilter.KindBlock, Prefix: prefix, Reason: "test", CreatedAt: created}
	if ttl > 0 {
		exp := created.Add(ttl)
		r.ExpiresAt = &exp
	}
	return r
}

func (s *PostgresStoreSuite) TestSaveListAndExpiry() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s.Require().NoError(s.store.Save(ctx, s.rule("perm", "10.0.0.0/8", now, 0)))
	s.Require().NoError(s.store.Save(ctx, s.rule("temp", "192.168.1.1", now.Add(time.Millisecond), time.Minute)))

	rules, err := s.store.List(ctx, now)
	s.Require().NoError(err)
	s.Require().Len(rules, 2)
	s.Equal("perm", rules[0].ID)
	s.Equal("10.0.0.0/8", rules[0].Prefix.String())
	s.Nil(rules[0].ExpiresAt)
	s.Require().NotNil(rules[1].ExpiresAt)

	rules, err = s.store.List(ctx, now.Add(2*time.Minute))
	s.Require().NoError(err)
	s.Len(rules, 1, "expired rules are not listed")

	n, err := s.store.RemoveExpiredAt(ctx, now.Add(2*time.Minute))
	s.Require().NoError(err)
	s.EqualValues(1, n)
}

func (s *PostgresStoreSuite) TestUpsertAndBatchDelete() {
	ctx := context.Background()
	now := time.Now().UTC()

	s.Require().NoError(s.store.Save(ctx, s.rule("a", "10.0.0.1", now, 0)))
	s.Require().NoError(s.store.Save(ctx, s.rule("a", "10.0.0.2", now, 0)))
	s.Require().NoError(s.store.Save(ctx, s.rule("b", "10.0.0.3", now, 0)))

	rules, err := s.store.List(ctx, now)
	s.Require().NoError(err)
	s.Require().Len(rules, 2)
	s.Equal("10.0.0.2/32", rules[0].Prefix.String())

	n, err := s.store.Delete(ctx, "a", "b", "missing")
	s.Require().NoError(err)
	s.EqualValues(2, n)
}

func (s *PostgresStoreSuite) TestServiceRoundTrip() {
	ctx := context.Background()
	svc := ipfilter.NewService(ipfilter.NewFilter(true), ipfilter.WithStore(s.store))
	rule, err := svc.AddRule(ctx, ipfilter.AddRuleRequest{Kind: ipfilter.KindBlock, CIDR: "203.0.113.0/24", TTL: time.Hour})
	s.Require().NoError(err)

	restarted := ipfilter.NewService(ipfilter.NewFilter(true), ipfilter.WithStore(s.store))
	n, err := restarted.Load(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(rule.ID, restarted.Rules()[0].ID)
	s.False(restarted.Check("203.0.113.9").Passes())
}
