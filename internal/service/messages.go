package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/textsecure/message-delivery-service/config"
	"github.com/textsecure/message-delivery-service/internal/adapter/directory"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
	"github.com/textsecure/message-delivery-service/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Cacher is the hot-queue slice the manager consumes.
type Cacher interface {
	Enqueue(ctx context.Context, env *model.Envelope) (bool, error)
	DequeueBatch(ctx context.Context, addr model.DeviceAddress, max int64) ([]*model.Envelope, error)
	Remove(ctx context.Context, addr model.DeviceAddress, ids []string) ([]*model.Envelope, error)
	Depth(ctx context.Context, addr model.DeviceAddress) (int64, error)
	Clear(ctx context.Context, addr model.DeviceAddress) error
}

// Persister is the write-behind slice the manager consumes.
type Persister interface {
	Schedule(env *model.Envelope)
	Cancel(ids ...string)
	CancelFor(addr model.DeviceAddress)
}

// FallbackRegistry is the shared retry-schedule store.
type FallbackRegistry interface {
	Schedule(ctx context.Context, addr model.DeviceAddress, channel model.PushChannelKind, token string, fireAt time.Time) error
	Due(ctx context.Context, now time.Time, limit int64) ([]storage.FallbackEntry, error)
	Reschedule(ctx context.Context, addr model.DeviceAddress, fireAt time.Time) error
	Cancel(ctx context.Context, addr model.DeviceAddress) error
	DueCount(ctx context.Context, now time.Time) (int64, error)
}

// Dispatcher picks a delivery channel once an envelope is queued.
type Dispatcher interface {
	Dispatch(ctx context.Context, addr model.DeviceAddress)
}

// Manager is the single entry/exit point for the envelope lifecycle,
// composing the hot queue, the durable mailbox and the write-behind
// bridge behind one address space.
type Manager struct {
	cache      Cacher
	mailbox    storage.Mailboxer
	persist    Persister
	fallback   FallbackRegistry
	dispatcher Dispatcher
	directory  directory.Directoryer
	counters   *Counters
	fetchBatch int64
	logger     *slog.Logger
}

func NewManager(
	cache Cacher,
	mailbox storage.Mailboxer,
	persist Persister,
	fallback FallbackRegistry,
	dispatcher Dispatcher,
	dir directory.Directoryer,
	counters *Counters,
	cfg *config.Config,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cache:      cache,
		mailbox:    mailbox,
		persist:    persist,
		fallback:   fallback,
		dispatcher: dispatcher,
		directory:  dir,
		counters:   counters,
		fetchBatch: cfg.Cache.FetchBatch,
		logger:     logger.With("component", "message_manager"),
	}
}

// Send accepts an envelope into the system. Success means exactly one
// thing: the envelope is in the hot queue. Notification and push
// dispatch happen asynchronously off the request path.
func (m *Manager) Send(ctx context.Context, env *model.Envelope) error {
	if env != nil && env.ServerTimestamp == 0 {
		env.ServerTimestamp = time.Now().UnixMilli()
	}
	if err := env.Validate(); err != nil {
		return err
	}

	inserted, err := m.cache.Enqueue(ctx, env)
	if err != nil {
		return fmt.Errorf("send %s: %w", env.ID, err)
	}
	if !inserted {
		// Duplicate id: already queued, already notified. Idempotent.
		return nil
	}

	m.counters.Queued.Add(1)
	m.persist.Schedule(env)

	// [ASYNC_NOTIFY] detach from the request lifetime; a client hangup
	// must not strand a queued envelope without a wake-up.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	go func() {
		defer cancel()
		m.dispatcher.Dispatch(notifyCtx, env.Destination)
	}()

	return nil
}

// Fetch merges durable-store rows (written before a crash dropped the
// hot cache) with hot-queue rows, de-duplicated by id and ordered by
// original server timestamp.
func (m *Manager) Fetch(ctx context.Context, addr model.DeviceAddress) ([]*model.Envelope, error) {
	hot, err := m.cache.DequeueBatch(ctx, addr, m.fetchBatch)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", addr, err)
	}

	durable, err := m.mailbox.LoadAll(ctx, addr)
	if err != nil {
		// The hot queue is a valid fallback for the common case; the
		// durable rows stay put and surface on a later fetch.
		m.logger.Warn("durable mailbox unreachable, serving hot queue only", "address", addr, "err", err)
		durable = nil
	}

	seen := make(map[string]bool, len(hot)+len(durable))
	merged := make([]*model.Envelope, 0, len(hot)+len(durable))
	for _, env := range append(hot, durable...) {
		if seen[env.ID] {
			continue
		}
		seen[env.ID] = true
		merged = append(merged, env)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].ServerTimestamp < merged[j].ServerTimestamp
	})
	return merged, nil
}

// Peek returns queued envelopes without consuming them, for the
// realtime drain path.
func (m *Manager) Peek(ctx context.Context, addr model.DeviceAddress) ([]*model.Envelope, error) {
	return m.cache.DequeueBatch(ctx, addr, m.fetchBatch)
}

// Acknowledge removes consumed envelopes everywhere. The fallback entry
// is cancelled ONLY when the queue is now empty: a partial batch ack
// must keep push retries alive for the still-queued remainder.
func (m *Manager) Acknowledge(ctx context.Context, addr model.DeviceAddress, ids []string) (removed []*model.Envelope, emptied bool, err error) {
	removed, err = m.cache.Remove(ctx, addr, ids)
	if err != nil {
		return nil, false, fmt.Errorf("acknowledge %s: %w", addr, err)
	}

	m.persist.Cancel(ids...)

	if err := m.mailbox.Delete(ctx, addr, ids); err != nil {
		// Rows left behind resurface as duplicates on a later fetch;
		// the client de-duplicates by id. At-least-once, not at-most.
		m.logger.Warn("durable delete failed, rows will be re-offered", "address", addr, "err", err)
	}

	depth, derr := m.cache.Depth(ctx, addr)
	if derr == nil && depth == 0 {
		emptied = true
		if cerr := m.fallback.Cancel(ctx, addr); cerr != nil {
			m.logger.Warn("fallback cancel failed, sweep will self-cancel", "address", addr, "err", cerr)
		}
	}

	return removed, emptied, nil
}

// QueueDepth is the observability hook exposed on the HTTP surface.
func (m *Manager) QueueDepth(ctx context.Context, addr model.DeviceAddress) (int64, error) {
	return m.cache.Depth(ctx, addr)
}

// ClearAccount synchronously wipes every device queue for an account.
// Used on account re-registration. Per-device wipes are atomic; a
// failed device fails the whole call so the caller retries.
func (m *Manager) ClearAccount(ctx context.Context, account string) error {
	devices, err := m.directory.Devices(ctx, account)
	if err != nil {
		if errors.Is(err, model.ErrUnknownAccount) {
			return fmt.Errorf("clear account: %w", err)
		}
		return fmt.Errorf("clear account %s: %w", account, err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, dev := range devices {
		addr := dev.Address
		g.Go(func() error {
			m.persist.CancelFor(addr)
			if err := m.cache.Clear(gCtx, addr); err != nil {
				return err
			}
			if err := m.mailbox.ClearDevice(gCtx, addr); err != nil {
				return err
			}
			return m.fallback.Cancel(gCtx, addr)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("clear account %s: %w", account, err)
	}
	return nil
}

// CancelFallback is the reconnect hook: a device that re-attached will
// drain its queue over the session, so pending push retries are moot.
func (m *Manager) CancelFallback(ctx context.Context, addr model.DeviceAddress) {
	if err := m.fallback.Cancel(ctx, addr); err != nil {
		m.logger.Warn("fallback cancel on reconnect failed", "address", addr, "err", err)
	}
}
