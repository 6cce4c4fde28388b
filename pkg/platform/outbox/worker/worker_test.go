package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certify/internal/platform/kafka/producer"
	"certify/pkg/platform/outbox"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []*producer.Message
	failFor  map[string]bool
}

func (p *recordingPublisher) Produce(_ context.Context, msg *producer.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor[string(msg.Key)] {
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i] = string(m.Key)
	}
	return out
}

func appendEntry(t *testing.T, store *outbox.MemoryStore, aggregateID string, at time.Time) *outbox.Entry {
	t.Helper()
	entry, err := outbox.NewJSONEntry("credential", aggregateID, "credential_issued", map[string]string{"id": aggregateID}, at)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), entry))
	return entry
}

func TestPollPublishesInCreationOrder(t *testing.T) {
	store := outbox.NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	appendEntry(t, store, "vc_b", base.Add(time.Second))
	first := appendEntry(t, store, "vc_a", base)

	pub := &recordingPublisher{}
	w := New(store, pub, WithTopic("events"))
	w.Poll()

	assert.Equal(t, []string{"vc_a", "vc_b"}, pub.keys())
	assert.Equal(t, "events", pub.messages[0].Topic)
	assert.Equal(t, first.ID.String(), pub.messages[0].Headers["event_id"])
	assert.Equal(t, "credential_issued", pub.messages[0].Headers["event_type"])

	pending, err := store.CountPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestPollLeavesFailedEntriesPending(t *testing.T) {
	store := outbox.NewMemoryStore()
	now := time.Now()
	appendEntry(t, store, "vc_ok", now)
	appendEntry(t, store, "vc_fail", now.Add(time.Millisecond))

	pub := &recordingPublisher{failFor: map[string]bool{"vc_fail": true}}
	w := New(store, pub)
	w.Poll()

	pending, err := store.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	pub.mu.Lock()
	pub.failFor = nil
	pub.mu.Unlock()
	w.Poll()

	assert.Equal(t, []string{"vc_ok", "vc_fail"}, pub.keys())
}

func TestStopDrainsPending(t *testing.T) {
	store := outbox.NewMemoryStore()
	pub := &recordingPublisher{}
	w := New(store, pub, WithPollInterval(time.Hour))
	w.Start()
	appendEntry(t, store, "vc_late", time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.Equal(t, []string{"vc_late"}, pub.keys())
}

func TestStopGivesUpWhenPublisherKeepsFailing(t *testing.T) {
	store := outbox.NewMemoryStore()
	appendEntry(t, store, "vc_stuck", time.Now())
	pub := &recordingPublisher{failFor: map[string]bool{"vc_stuck": true}}
	w := New(store, pub, WithPollInterval(time.Hour))
	w.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	pending, err := store.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}
