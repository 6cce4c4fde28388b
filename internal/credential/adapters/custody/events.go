package custody

import (
	"context"
	"encoding/json"
	"log/slog"

	"certify/internal/platform/kafka/consumer"
)

const eventKeyRevoked = "key.revoked"

type keyEvent struct {
	Type  string `json:"type"`
	KeyID string `json:"kid"`
}

// KeyEventHandler evicts revoked keys from the client's cache as custody
// announces them. Malformed events are logged and skipped.
func KeyEventHandler(c *Client, logger *slog.Logger) consumer.HandlerFunc {
	return func(ctx context.Context, msg *consumer.Message) error {
		var ev keyEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.WarnContext(ctx, "skipping malformed key event",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"error", err,
			)
			return nil
		}
		if ev.Type != eventKeyRevoked || ev.KeyID == "" {
			return nil
		}
		evicted := c.Evict(ev.KeyID)
		logger.InfoContext(ctx, "custody key revoked", "kid", ev.KeyID, "evicted", evicted)
		return nil
	}
}
