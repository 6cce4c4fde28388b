package objectstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, pointer string) ([]byte, error)
	Has(pointer string) bool
}

func runConformance(t *testing.T, newStore func(t *testing.T) store) {
	ctx := context.Background()

	t.Run("put get round trip", func(t *testing.T) {
		s := newStore(t)
		want := []byte(`{"payload":{"credential_id":"vc_1"}}`)

		pointer, err := s.Put(ctx, want)
		require.NoError(t, err)
		id, err := PointerFor(want)
		require.NoError(t, err)
		assert.Equal(t, id.String(), pointer)

		got, err := s.Get(ctx, pointer)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("put is idempotent", func(t *testing.T) {
		s := newStore(t)
		p1, err := s.Put(ctx, []byte("same"))
		require.NoError(t, err)
		p2, err := s.Put(ctx, []byte("same"))
		require.NoError(t, err)
		assert.Equal(t, p1, p2)
	})

	t.Run("missing pointer", func(t *testing.T) {
		s := newStore(t)
		id, err := PointerFor([]byte("absent"))
		require.NoError(t, err)
		assert.False(t, s.Has(id.String()))
		_, err = s.Get(ctx, id.String())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("malformed pointer", func(t *testing.T) {
		s := newStore(t)
		assert.False(t, s.Has("not-a-cid"))
		_, err := s.Get(ctx, "not-a-cid")
		assert.ErrorIs(t, err, ErrInvalidCID)
	})
}

func TestMemory(t *testing.T) {
	runConformance(t, func(t *testing.T) store { return NewMemory() })
}

func TestLocalFS(t *testing.T) {
	runConformance(t, func(t *testing.T) store {
		s, err := NewLocalFS(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestLocalFS_DetectsCorruption(t *testing.T) {
	s, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)

	pointer, err := s.Put(context.Background(), []byte("original"))
	require.NoError(t, err)
	id, err := ParsePointer(pointer)
	require.NoError(t, err)

	path := s.pathFor(id)
	require.NoError(t, os.Chmod(path, 0o644))
	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0o644))

	_, err = s.Get(context.Background(), pointer)
	assert.ErrorIs(t, err, ErrCIDMismatch)

	_, err = s.Put(context.Background(), []byte("original"))
	assert.ErrorIs(t, err, ErrImmutable)
}

func TestNewLocalFS_RequiresRoot(t *testing.T) {
	_, err := NewLocalFS("")
	assert.Error(t, err)
}
