package storage

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// fallbackZSet scores every scheduled address by its next fire time so
// a sweep is one ZRANGEBYSCORE regardless of fleet size. Per-address
// bookkeeping (attempt count, originating channel) lives in a hash.
const fallbackZSet = "fallback"

// FallbackEntry is one offline-push retry registration.
type FallbackEntry struct {
	Address    model.DeviceAddress
	Attempts   int
	Channel    model.PushChannelKind
	Token      string
	NextFireAt time.Time
}

// FallbackStore keeps the retry schedule in the shared cache so every
// process sees the same entries. Concurrent sweeps are expected; the
// operations here are idempotent enough that a duplicate sweep costs at
// most one redundant push.
type FallbackStore struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func NewFallbackStore(rdb redis.UniversalClient, logger *slog.Logger) *FallbackStore {
	return &FallbackStore{
		rdb:    rdb,
		logger: logger.With("component", "fallback_store"),
	}
}

// Schedule registers an entry with attempt count 1. An existing entry
// for the address is left untouched so a second push dispatch cannot
// reset an in-progress retry ladder.
func (s *FallbackStore) Schedule(ctx context.Context, addr model.DeviceAddress, channel model.PushChannelKind, token string, fireAt time.Time) error {
	added, err := s.rdb.ZAddNX(ctx, fallbackZSet, redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: addr.Key(),
	}).Result()
	if err != nil {
		return cacheErr("fallback schedule", err)
	}
	if added == 0 {
		return nil // already scheduled
	}

	err = s.rdb.HSet(ctx, addr.FallbackKey(),
		"attempts", 1,
		"channel", channel.String(),
		"token", token,
	).Err()
	if err != nil {
		return cacheErr("fallback schedule", err)
	}
	return nil
}

// Due returns up to limit entries whose fire time has passed.
func (s *FallbackStore) Due(ctx context.Context, now time.Time, limit int64) ([]FallbackEntry, error) {
	keys, err := s.rdb.ZRangeByScore(ctx, fallbackZSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, cacheErr("fallback scan", err)
	}

	entries := make([]FallbackEntry, 0, len(keys))
	for _, key := range keys {
		addr, err := model.ParseDeviceAddress(key)
		if err != nil {
			s.logger.Error("malformed fallback member dropped", "member", key)
			s.rdb.ZRem(ctx, fallbackZSet, key)
			continue
		}

		meta, err := s.rdb.HGetAll(ctx, addr.FallbackKey()).Result()
		if err != nil {
			return entries, cacheErr("fallback meta", err)
		}
		if len(meta) == 0 {
			// Bookkeeping vanished (manual flush); drop the member.
			s.rdb.ZRem(ctx, fallbackZSet, key)
			continue
		}

		attempts, _ := strconv.Atoi(meta["attempts"])
		entries = append(entries, FallbackEntry{
			Address:  addr,
			Attempts: attempts,
			Channel:  model.ParsePushChannelKind(meta["channel"]),
			Token:    meta["token"],
		})
	}
	return entries, nil
}

// Reschedule bumps the attempt count and moves the fire time forward.
func (s *FallbackStore) Reschedule(ctx context.Context, addr model.DeviceAddress, fireAt time.Time) error {
	err := s.rdb.ZAddXX(ctx, fallbackZSet, redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: addr.Key(),
	}).Err()
	if err != nil {
		return cacheErr("fallback reschedule", err)
	}
	if err := s.rdb.HIncrBy(ctx, addr.FallbackKey(), "attempts", 1).Err(); err != nil {
		return cacheErr("fallback reschedule", err)
	}
	return nil
}

// Cancel removes the entry. Terminal for both the consumed and the
// expired paths; cancelling an absent entry is a no-op.
func (s *FallbackStore) Cancel(ctx context.Context, addr model.DeviceAddress) error {
	if err := s.rdb.ZRem(ctx, fallbackZSet, addr.Key()).Err(); err != nil {
		return cacheErr("fallback cancel", err)
	}
	if err := s.rdb.Del(ctx, addr.FallbackKey()).Err(); err != nil {
		return cacheErr("fallback cancel", err)
	}
	return nil
}

// DueCount is an observability hook for /v1/stats.
func (s *FallbackStore) DueCount(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.rdb.ZCount(ctx, fallbackZSet, "-inf", strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, cacheErr("fallback count", err)
	}
	return n, nil
}
