package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"certify/internal/credential/commitment"
)

const (
	redisKeyPrefix   = "certify:vault:"
	redisIndexPrefix = "certify:vault-index:"
)

// Redis stores sealed blindings in Redis. Entries never expire: a credential
// can be presented for as long as it is valid.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Seal(ctx context.Context, issuerID, credentialID string, blindings commitment.Blindings) (string, error) {
	s, err := seal(issuerID, credentialID, blindings)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode sealed blindings: %w", err)
	}
	handle := newHandle()
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+handle, raw, 0).Result()
	if err != nil {
		return "", fmt.Errorf("store sealed blindings: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("handle collision for %s", handle)
	}
	if err := r.client.RPush(ctx, redisIndexPrefix+indexKey(issuerID, credentialID), handle).Err(); err != nil {
		r.client.Del(ctx, redisKeyPrefix+handle)
		return "", fmt.Errorf("index sealed blindings: %w", err)
	}
	return handle, nil
}

func (r *Redis) Open(ctx context.Context, handle string) (commitment.Blindings, error) {
	if err := checkHandle(handle); err != nil {
		return nil, err
	}
	raw, err := r.client.Get(ctx, redisKeyPrefix+handle).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load sealed blindings: %w", err)
	}
	s, err := decodeSealed(raw)
	if err != nil {
		return nil, err
	}
	return open(s)
}

func (r *Redis) Handles(ctx context.Context, issuerID, credentialID string) ([]string, error) {
	handles, err := r.client.LRange(ctx, redisIndexPrefix+indexKey(issuerID, credentialID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sealed handles: %w", err)
	}
	return handles, nil
}

func (r *Redis) Discard(ctx context.Context, handle string) error {
	if err := checkHandle(handle); err != nil {
		return err
	}
	raw, err := r.client.Get(ctx, redisKeyPrefix+handle).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load sealed blindings: %w", err)
	}
	s, err := decodeSealed(raw)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, redisKeyPrefix+handle)
	pipe.LRem(ctx, redisIndexPrefix+indexKey(s.IssuerID, s.CredentialID), 0, handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("discard sealed blindings: %w", err)
	}
	return nil
}

func decodeSealed(raw []byte) (Sealed, error) {
	var s Sealed
	if err := json.Unmarshal(raw, &s); err != nil {
		return Sealed{}, fmt.Errorf("decode sealed blindings: %w", err)
	}
	return s, nil
}
