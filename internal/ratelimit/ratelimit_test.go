package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certify/pkg/requestcontext"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestMemorySlidingWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	for i := range 3 {
		res, err := store.Allow(ctx, "verify:10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	clock.now = clock.now.Add(20 * time.Second)
	res, err := store.Allow(ctx, "verify:10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 40, res.RetryAfter)

	other, err := store.Allow(ctx, "verify:10.0.0.2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")

	clock.now = clock.now.Add(41 * time.Second)
	res, err = store.Allow(ctx, "verify:10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemorySweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewMemory(WithClock(clock.Now))
	_, err := store.Allow(context.Background(), "a", 1, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 0, store.Sweep())
	clock.now = clock.now.Add(2 * time.Second)
	assert.Equal(t, 1, store.Sweep())
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (*Result, error) {
	return nil, errors.New("redis down")
}

func TestPerClientIP(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	call := func(h http.Handler, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/verify", nil)
		req = req.WithContext(requestcontext.WithClientIP(req.Context(), ip))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("rejects over the limit", func(t *testing.T) {
		metrics := NewMetricsWith(prometheus.NewRegistry())
		h := New(NewMemory(), "verify", 2, time.Minute, WithLogger(logger), WithMetrics(metrics)).PerClientIP(ok)

		assert.Equal(t, http.StatusOK, call(h, "203.0.113.9").Code)
		rec := call(h, "203.0.113.9")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

		rec = call(h, "203.0.113.9")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		var body ExceededResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "rate_limit_exceeded", body.Error)

		assert.Equal(t, http.StatusOK, call(h, "198.51.100.4").Code)
		assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Decisions.WithLabelValues("verify", "allowed")))
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Decisions.WithLabelValues("verify", "rejected")))
	})

	t.Run("fails open", func(t *testing.T) {
		h := New(failingStore{}, "verify", 1, time.Minute, WithLogger(logger)).PerClientIP(ok)
		assert.Equal(t, http.StatusOK, call(h, "203.0.113.9").Code)
		assert.Equal(t, http.StatusOK, call(h, "203.0.113.9").Code)
	})
}
