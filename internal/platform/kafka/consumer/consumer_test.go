package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestNewValidatesConfig(t *testing.T) {
	noop := HandlerFunc(func(context.Context, *Message) error { return nil })
	tests := []struct {
		name    string
		cfg     Config
		handler Handler
		msg     string
	}{
		{"brokers", Config{GroupID: "g", Topics: []string{"t"}}, noop, "kafka brokers not configured"},
		{"group", Config{Brokers: "k:9092", Topics: []string{"t"}}, noop, "kafka consumer group not configured"},
		{"topics", Config{Brokers: "k:9092", GroupID: "g"}, noop, "kafka consumer topics not configured"},
		{"handler", Config{Brokers: "k:9092", GroupID: "g", Topics: []string{"t"}}, nil, "kafka consumer handler is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.handler, nil)
			assert.EqualError(t, err, tt.msg)
		})
	}
}

func TestToMessage(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := toMessage(&kgo.Record{
		Topic:     "certify.custody.keys",
		Partition: 2,
		Offset:    41,
		Key:       []byte("key_1"),
		Value:     []byte(`{}`),
		Headers:   []kgo.RecordHeader{{Key: "event_type", Value: []byte("custody.key_revoked")}},
		Timestamp: ts,
	})
	assert.Equal(t, "certify.custody.keys", msg.Topic)
	assert.EqualValues(t, 41, msg.Offset)
	assert.Equal(t, "custody.key_revoked", msg.Headers["event_type"])
	assert.Equal(t, ts, msg.Timestamp)
}
