//go:build integration

package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/gateway/registry"
	"bastion/pkg/testutil/containers"
)

func TestRedisDiscovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	rc := containers.NewRedisContainer(t)

	d := registry.NewRedisDiscovery(rc.Client, "test:services", map[string][]string{
		"docs-service": {"10.9.0.1:8080"},
	})

	require.NoError(t, d.Announce(ctx, "aml-service", "10.1.0.1:8080", "10.1.0.2:8080"))
	require.NoError(t, d.Announce(ctx, "docs-service", "10.9.0.2:8080"))

	got, err := d.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.0.1:8080", "10.1.0.2:8080"}, got["aml-service"])
	assert.Equal(t, []string{"10.9.0.2:8080"}, got["docs-service"], "announced endpoints override the seed")

	require.NoError(t, d.Withdraw(ctx, "aml-service"))
	got, err = d.Discover(ctx)
	require.NoError(t, err)
	assert.NotContains(t, got, "aml-service")

	reg := registry.New()
	require.NoError(t, reg.Sync(got))
	assert.Len(t, reg.Services(), 1)
}
