//go:build integration

package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"certify/pkg/testutil/containers"
)

func TestRedisVault(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.GetManager().GetRedis(t)
	require.NoError(t, rc.Flush(context.Background()))
	runConformance(t, NewRedis(rc.Client))
}
