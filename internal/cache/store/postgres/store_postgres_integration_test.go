//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"bastion/internal/cache/models"
	"bastion/internal/cache/store/postgres"
	"bastion/internal/codec"
	"bastion/pkg/platform/sentinel"
	"bastion/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = postgres.NewPostgres(s.postgres.Pool)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
	// Idempotent.
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), postgres.DefaultTable))
}

func entry(key string, expiresAt time.Time) *models.Entry {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Entry{
		Key:         key,
		Value:       []byte{0x02, 0xde, 0xad},
		CreatedAt:   now,
		LastAccess:  now,
		Format:      codec.FormatCBOR,
		Compression: codec.CompressionZstd,
		Fingerprint: "f00d",
		Version:     42,
		Origin:      models.L1,
		ExpiresAt:   expiresAt,
	}
}

func (s *PostgresStoreSuite) TestUpsertAndGet() {
	ctx := context.Background()
	s.Require().NoError(s.store.Set(ctx, entry("doc:1", time.Time{})))

	updated := entry("doc:1", time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond))
	updated.Value = []byte{0x00, 'n', 'e', 'w'}
	s.Require().NoError(s.store.Set(ctx, updated))

	got, err := s.store.Get(ctx, "doc:1")
	s.Require().NoError(err)
	s.Equal(updated.Value, got.Value)
	s.Equal(codec.FormatCBOR, got.Format)
	s.Equal(codec.CompressionZstd, got.Compression)
	s.EqualValues(42, got.Version)
	s.True(updated.ExpiresAt.Equal(got.ExpiresAt))

	size, err := s.store.Size(ctx)
	s.Require().NoError(err)
	s.Equal(1, size)
}

func (s *PostgresStoreSuite) TestExpiredRowsAreInvisibleAndPurged() {
	ctx := context.Background()
	s.Require().NoError(s.store.Set(ctx, entry("old", time.Now().Add(-time.Minute))))
	s.Require().NoError(s.store.Set(ctx, entry("live", time.Time{})))

	_, err := s.store.Get(ctx, "old")
	s.ErrorIs(err, sentinel.ErrNotFound)

	exists, err := s.store.Exists(ctx, "old")
	s.Require().NoError(err)
	s.False(exists)

	purged, err := s.store.PurgeExpiredAt(ctx, time.Now())
	s.Require().NoError(err)
	s.EqualValues(1, purged)
}

func (s *PostgresStoreSuite) TestKeysWithLikeMetacharacters() {
	ctx := context.Background()
	for _, k := range []string{"100%_done", "100x_done", "user:1", "user:22"} {
		s.Require().NoError(s.store.Set(ctx, entry(k, time.Time{})))
	}

	keys, err := s.store.Keys(ctx, "100%_*")
	s.Require().NoError(err)
	s.Equal([]string{"100%_done"}, keys)

	keys, err = s.store.Keys(ctx, "user:?")
	s.Require().NoError(err)
	s.Equal([]string{"user:1"}, keys)
}

func (s *PostgresStoreSuite) TestDeleteManyAndClear() {
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		s.Require().NoError(s.store.Set(ctx, entry(k, time.Time{})))
	}

	n, err := s.store.DeleteMany(ctx, []string{"a", "b", "zzz"})
	s.Require().NoError(err)
	s.Equal(2, n)

	deleted, err := s.store.Delete(ctx, "c")
	s.Require().NoError(err)
	s.True(deleted)

	s.Require().NoError(s.store.Set(ctx, entry("d", time.Time{})))
	s.Require().NoError(s.store.Clear(ctx))
	size, err := s.store.Size(ctx)
	s.Require().NoError(err)
	s.Zero(size)
}
