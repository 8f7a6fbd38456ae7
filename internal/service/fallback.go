package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/textsecure/message-delivery-service/config"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
	"github.com/textsecure/message-delivery-service/internal/storage"
)

// DepthReader is the single cache operation the sweep needs.
type DepthReader interface {
	Depth(ctx context.Context, addr model.DeviceAddress) (int64, error)
}

// Redispatcher re-attempts a recorded push channel.
type Redispatcher interface {
	Redispatch(ctx context.Context, entry storage.FallbackEntry) error
}

// Scheduler drives the offline-push retry loop. Every process runs its
// own sweep against the shared schedule; no leader election, because
// cancellation-on-consume and idempotent re-dispatch make a duplicate
// sweep cost at most one redundant push per cycle.
//
// Entry state machine: SCHEDULED -> CANCELLED (queue drained),
// SCHEDULED -> SCHEDULED (retry), SCHEDULED -> EXPIRED (attempt cap).
// EXPIRED removes the entry but never the envelopes: the device still
// receives them on its next connect.
type Scheduler struct {
	store    FallbackRegistry
	depth    DepthReader
	pusher   Redispatcher
	cfg      *config.Config
	counters *Counters
	logger   *slog.Logger

	doneCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewScheduler(
	store FallbackRegistry,
	depth DepthReader,
	pusher Redispatcher,
	cfg *config.Config,
	counters *Counters,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		store:    store,
		depth:    depth,
		pusher:   pusher,
		cfg:      cfg,
		counters: counters,
		logger:   logger.With("component", "fallback_scheduler"),
		doneCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop finishes any in-flight sweep before returning.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.doneCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Fallback.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep processes every due entry once. Exported so tests (and an
// operator endpoint, if we ever want one) can trigger it directly.
func (s *Scheduler) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Fallback.SweepInterval)
	defer cancel()

	now := time.Now()
	entries, err := s.store.Due(ctx, now, s.cfg.Fallback.SweepBatch)
	if err != nil {
		s.logger.Warn("fallback scan failed, next sweep retries", "err", err)
		return
	}

	// Re-read per sweep: the policy is hot-reloadable configuration.
	policy := s.cfg.FallbackPolicy()

	for _, entry := range entries {
		select {
		case <-s.doneCh:
			return
		default:
		}
		s.process(ctx, entry, policy, now)
	}
}

func (s *Scheduler) process(ctx context.Context, entry storage.FallbackEntry, policy config.Policy, now time.Time) {
	depth, err := s.depth.Depth(ctx, entry.Address)
	if err != nil {
		// Can't prove the queue drained; leave the entry for the next
		// sweep rather than pushing blind or cancelling blind.
		s.logger.Warn("depth check failed, entry deferred", "address", entry.Address, "err", err)
		return
	}

	if depth == 0 {
		// [CANCELLED] consumed since the push was dispatched.
		if err := s.store.Cancel(ctx, entry.Address); err != nil {
			s.logger.Warn("cancel failed", "address", entry.Address, "err", err)
		}
		return
	}

	if entry.Attempts >= policy.MaxAttempts {
		// [EXPIRED] stop pushing; the envelopes stay fetchable.
		if err := s.store.Cancel(ctx, entry.Address); err != nil {
			s.logger.Warn("expire failed", "address", entry.Address, "err", err)
			return
		}
		s.counters.Expired.Add(1)
		s.logger.Info("fallback expired, envelopes remain queued",
			"address", entry.Address, "attempts", entry.Attempts)
		return
	}

	err = s.pusher.Redispatch(ctx, entry)
	switch {
	case errors.Is(err, model.ErrGatewayRejected):
		// Token gone or channel changed: no ladder left to climb.
		if cerr := s.store.Cancel(ctx, entry.Address); cerr != nil {
			s.logger.Warn("cancel after rejection failed", "address", entry.Address, "err", cerr)
		}
		return
	case err != nil:
		s.logger.Warn("fallback re-dispatch failed", "address", entry.Address,
			"attempt", entry.Attempts, "err", err)
		// fall through: transient failures still consume an attempt
	}

	if err := s.store.Reschedule(ctx, entry.Address, policy.NextFire(now, entry.Attempts)); err != nil {
		s.logger.Warn("reschedule failed, entry stays due", "address", entry.Address, "err", err)
	}
}
