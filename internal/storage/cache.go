// Package storage holds the envelope persistence layers: the Redis hot
// queue (fast path), the Postgres durable mailbox (crash recovery), the
// write-behind bridge between them, and the fallback schedule store.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// MessageCache is the per-device FIFO hot queue backed by the shared
// cache. Layout per address:
//
//	queue:{account}:{device}      LIST   envelopes in arrival order
//	queue:{account}:{device}:ids  SET    enqueue idempotence index
//
// Redis per-key atomicity is the only exclusivity assumed; callers
// never hold locks across operations.
type MessageCache struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func NewMessageCache(rdb redis.UniversalClient, logger *slog.Logger) *MessageCache {
	return &MessageCache{
		rdb:    rdb,
		logger: logger.With("component", "message_cache"),
	}
}

// Enqueue appends the envelope to its destination queue. A duplicate id
// is an idempotent no-op reported as inserted=false, not an error.
func (c *MessageCache) Enqueue(ctx context.Context, env *model.Envelope) (bool, error) {
	addr := env.Destination

	added, err := c.rdb.SAdd(ctx, addr.QueueIndexKey(), env.ID).Result()
	if err != nil {
		return false, cacheErr("enqueue index", err)
	}
	if added == 0 {
		c.logger.Debug("duplicate envelope ignored", "envelope_id", env.ID, "address", addr)
		return false, nil
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("%w: marshal %s: %v", model.ErrInvalidEnvelope, env.ID, err)
	}

	if err := c.rdb.RPush(ctx, addr.QueueKey(), payload).Err(); err != nil {
		// Best effort rollback so a later retry of the same id succeeds.
		c.rdb.SRem(context.WithoutCancel(ctx), addr.QueueIndexKey(), env.ID)
		return false, cacheErr("enqueue", err)
	}

	return true, nil
}

// DequeueBatch returns up to max envelopes in FIFO order WITHOUT
// removing them. Removal is explicit via Remove, which is what gives
// the at-least-once guarantee.
func (c *MessageCache) DequeueBatch(ctx context.Context, addr model.DeviceAddress, max int64) ([]*model.Envelope, error) {
	raw, err := c.rdb.LRange(ctx, addr.QueueKey(), 0, max-1).Result()
	if err != nil {
		return nil, cacheErr("dequeue", err)
	}

	out := make([]*model.Envelope, 0, len(raw))
	for _, item := range raw {
		var env model.Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			c.logger.Error("corrupt queue entry skipped", "address", addr, "err", err)
			continue
		}
		out = append(out, &env)
	}
	return out, nil
}

// Remove deletes envelopes by id from the hot queue and returns the
// ones actually removed. Removing an absent id is not an error.
func (c *MessageCache) Remove(ctx context.Context, addr model.DeviceAddress, ids []string) ([]*model.Envelope, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := c.rdb.LRange(ctx, addr.QueueKey(), 0, -1).Result()
	if err != nil {
		return nil, cacheErr("remove scan", err)
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var removed []*model.Envelope
	for _, item := range raw {
		var env model.Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			continue
		}
		if !wanted[env.ID] {
			continue
		}
		if err := c.rdb.LRem(ctx, addr.QueueKey(), 1, item).Err(); err != nil {
			return removed, cacheErr("remove", err)
		}
		c.rdb.SRem(ctx, addr.QueueIndexKey(), env.ID)
		removed = append(removed, &env)
	}
	return removed, nil
}

// Depth is the observability hook behind /v1/stats and the fallback
// sweep's consumed-check.
func (c *MessageCache) Depth(ctx context.Context, addr model.DeviceAddress) (int64, error) {
	n, err := c.rdb.LLen(ctx, addr.QueueKey()).Result()
	if err != nil {
		return 0, cacheErr("depth", err)
	}
	return n, nil
}

// Clear drops the whole queue for one address. Used by account wipes.
func (c *MessageCache) Clear(ctx context.Context, addr model.DeviceAddress) error {
	if err := c.rdb.Del(ctx, addr.QueueKey(), addr.QueueIndexKey()).Err(); err != nil {
		return cacheErr("clear", err)
	}
	return nil
}

func cacheErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrCacheUnavailable, op, err)
}
