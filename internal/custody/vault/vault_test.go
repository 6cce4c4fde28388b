package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certify/internal/credential/commitment"
	"certify/internal/credential/ports"
)

// runConformance exercises the behavior every vault implementation shares.
func runConformance(t *testing.T, v ports.BlindingVault) {
	t.Helper()
	ctx := context.Background()

	blindings, err := commitment.NewBlindings([]string{"childName", "dob"})
	require.NoError(t, err)

	t.Run("seal then open round trips", func(t *testing.T) {
		handle, err := v.Seal(ctx, "dept-health", "vc_1", blindings)
		require.NoError(t, err)
		assert.NotContains(t, handle, "vc_1")

		opened, err := v.Open(ctx, handle)
		require.NoError(t, err)
		require.Len(t, opened, 2)
		for name, b := range blindings {
			got := opened[name]
			assert.True(t, got.Equal(&b), name)
		}
	})

	t.Run("handles are unique per seal", func(t *testing.T) {
		a, err := v.Seal(ctx, "dept-health", "vc_1", blindings)
		require.NoError(t, err)
		b, err := v.Seal(ctx, "dept-health", "vc_1", blindings)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("unknown and malformed handles", func(t *testing.T) {
		_, err := v.Open(ctx, "bh_00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = v.Open(ctx, "vc_1")
		assert.ErrorIs(t, err, ErrInvalidHandle)
	})

	t.Run("handles are listed per credential and discardable", func(t *testing.T) {
		first, err := v.Seal(ctx, "dept-health", "vc_2", blindings)
		require.NoError(t, err)
		second, err := v.Seal(ctx, "dept-health", "vc_2", blindings)
		require.NoError(t, err)
		_, err = v.Seal(ctx, "dept-revenue", "vc_2", blindings)
		require.NoError(t, err)

		handles, err := v.Handles(ctx, "dept-health", "vc_2")
		require.NoError(t, err)
		assert.Equal(t, []string{first, second}, handles)

		require.NoError(t, v.Discard(ctx, first))
		require.NoError(t, v.Discard(ctx, first), "discard is idempotent")
		_, err = v.Open(ctx, first)
		assert.ErrorIs(t, err, ErrNotFound)

		handles, err = v.Handles(ctx, "dept-health", "vc_2")
		require.NoError(t, err)
		assert.Equal(t, []string{second}, handles)

		none, err := v.Handles(ctx, "dept-health", "vc_unknown")
		require.NoError(t, err)
		assert.Empty(t, none)

		assert.ErrorIs(t, v.Discard(ctx, "vc_2"), ErrInvalidHandle)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := v.Seal(ctx, "", "vc_1", blindings)
		assert.Error(t, err)
		_, err = v.Seal(ctx, "dept-health", "vc_1", commitment.Blindings{})
		assert.Error(t, err)
	})
}

func TestMemoryVault(t *testing.T) {
	runConformance(t, NewMemory())
}
