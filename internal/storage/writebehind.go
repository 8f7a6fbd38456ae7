package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// WriteBehind defers durable persistence of a freshly enqueued envelope
// by a configurable delay. Envelopes consumed within the window (the
// common online-device case) never touch the durable store at all; the
// delay bounds data loss on a process crash.
//
// The persist job retries indefinitely on store failure. It logs and
// backs off, but it never drops an envelope.
type WriteBehind struct {
	mailbox Mailboxer
	delay   time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingPersist
	closed  bool

	wg       sync.WaitGroup
	shutdown context.CancelFunc
	ctx      context.Context
}

type pendingPersist struct {
	env   *model.Envelope
	timer *time.Timer
}

func NewWriteBehind(mailbox Mailboxer, delay time.Duration, logger *slog.Logger) *WriteBehind {
	ctx, cancel := context.WithCancel(context.Background())
	return &WriteBehind{
		mailbox:  mailbox,
		delay:    delay,
		logger:   logger.With("component", "write_behind"),
		pending:  make(map[string]*pendingPersist),
		ctx:      ctx,
		shutdown: cancel,
	}
}

// Schedule arms a delayed persist for the envelope. Re-arming an id
// already pending is a no-op.
func (w *WriteBehind) Schedule(env *model.Envelope) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		// Late enqueue during shutdown: persist immediately rather
		// than lose the crash-recovery copy.
		w.wg.Add(1)
		go w.persist(env)
		return
	}
	if _, ok := w.pending[env.ID]; ok {
		return
	}

	p := &pendingPersist{env: env}
	p.timer = time.AfterFunc(w.delay, func() { w.fire(env.ID) })
	w.pending[env.ID] = p
}

// Cancel disarms pending persists for consumed envelopes. Ids that
// already fired or were never scheduled are ignored.
func (w *WriteBehind) Cancel(ids ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range ids {
		if p, ok := w.pending[id]; ok {
			p.timer.Stop()
			delete(w.pending, id)
		}
	}
}

// CancelFor disarms every pending persist destined for one device
// queue. Used on account wipe, where ids are not known up front.
func (w *WriteBehind) CancelFor(addr model.DeviceAddress) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, p := range w.pending {
		if p.env.Destination == addr {
			p.timer.Stop()
			delete(w.pending, id)
		}
	}
}

// Pending reports how many persists are armed. Observability only.
func (w *WriteBehind) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *WriteBehind) fire(id string) {
	w.mu.Lock()
	p, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()

	// Cancelled between timer fire and claim: the envelope was consumed.
	if !ok {
		return
	}

	w.wg.Add(1)
	go w.persist(p.env)
}

func (w *WriteBehind) persist(env *model.Envelope) {
	defer w.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // retry forever; dropping is not an option

	op := func() error {
		ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
		defer cancel()
		return w.mailbox.Store(ctx, env)
	}
	notify := func(err error, next time.Duration) {
		w.logger.Warn("durable persist failed, retrying",
			"envelope_id", env.ID,
			"address", env.Destination,
			"err", err,
			"next_attempt_in", next,
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, w.ctx), notify); err != nil {
		// Only reachable on shutdown; Stop below makes a final attempt.
		w.logger.Error("persist interrupted by shutdown", "envelope_id", env.ID, "err", err)
		w.storeOnce(env)
	}
}

func (w *WriteBehind) storeOnce(env *model.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.mailbox.Store(ctx, env); err != nil {
		w.logger.Error("final persist attempt failed, envelope remains in hot cache only",
			"envelope_id", env.ID, "err", err)
	}
}

// Stop flushes every still-pending envelope to the durable store
// synchronously, then waits for in-flight persists.
func (w *WriteBehind) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	flush := make([]*model.Envelope, 0, len(w.pending))
	for id, p := range w.pending {
		p.timer.Stop()
		flush = append(flush, p.env)
		delete(w.pending, id)
	}
	w.mu.Unlock()

	for _, env := range flush {
		w.storeOnce(env)
	}

	w.shutdown()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
