package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// BroadcastChannel carries fleet-wide attach announcements. Per-address
// "message available" pings travel on the presence:{account}:{device}
// channels instead, which each process subscribes to only while it
// holds a session for that address.
const BroadcastChannel = "channel:presence"

const (
	SignalAvailable = "available"
	SignalAttached  = "attached"
)

type presenceSignal struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	ConnID  string `json:"conn_id,omitempty"`
	// AttachedAt (unix nanos) guards takeover eviction: a late-arriving
	// announcement must not supersede a session attached after it.
	AttachedAt int64 `json:"attached_at,omitempty"`
}

// DeliverFunc is invoked when a presence ping arrives for an address
// with a live local session; it drains the hot queue into that session.
type DeliverFunc func(ctx context.Context, addr model.DeviceAddress)

// SessionRegistry is the slice of the Hub the fanout needs: locality
// checks for the available path, eviction for the takeover path.
type SessionRegistry interface {
	HasLocal(addr model.DeviceAddress) bool
	EvictOther(addr model.DeviceAddress, keep uuid.UUID, attachedBefore time.Time) bool
}

// Fanout bridges envelope arrival on any process to the one process
// holding the live session. No global session table exists anywhere:
// connectivity is learned purely from the receiver count of a publish.
type Fanout struct {
	rdb    redis.UniversalClient
	hub    SessionRegistry
	logger *slog.Logger

	mu      sync.Mutex
	sub     *redis.PubSub
	deliver DeliverFunc
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewFanout(rdb redis.UniversalClient, hub SessionRegistry, logger *slog.Logger) *Fanout {
	return &Fanout{
		rdb:    rdb,
		hub:    hub,
		logger: logger.With("component", "fanout"),
	}
}

// OnAvailable installs the local delivery callback. Must be called
// before Start; the service layer owns the realtime sender.
func (f *Fanout) OnAvailable(fn DeliverFunc) {
	f.mu.Lock()
	f.deliver = fn
	f.mu.Unlock()
}

// Start opens the shared subscription and the listener goroutine.
func (f *Fanout) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	f.mu.Lock()
	f.sub = f.rdb.Subscribe(runCtx, BroadcastChannel)
	f.cancel = cancel
	f.mu.Unlock()

	// Force the subscription to be established before reporting started.
	if _, err := f.sub.Receive(ctx); err != nil {
		cancel()
		return fmt.Errorf("%w: presence subscribe: %v", model.ErrCacheUnavailable, err)
	}

	f.wg.Add(1)
	go f.listen(runCtx)
	return nil
}

// Stop closes the subscription and waits for the listener to exit.
func (f *Fanout) Stop() {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	sub := f.sub
	f.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	f.wg.Wait()
}

// Listen adds the per-address channel to the shared subscription. Called
// when a session attaches locally.
func (f *Fanout) Listen(ctx context.Context, addr model.DeviceAddress) error {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("%w: fanout not started", model.ErrCacheUnavailable)
	}
	if err := sub.Subscribe(ctx, addr.PresenceChannel()); err != nil {
		return fmt.Errorf("%w: listen %s: %v", model.ErrCacheUnavailable, addr, err)
	}
	return nil
}

// Mute drops the per-address channel on disconnect. Safe to call for an
// address never listened to.
func (f *Fanout) Mute(ctx context.Context, addr model.DeviceAddress) {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(ctx, addr.PresenceChannel()); err != nil {
		f.logger.Warn("presence unsubscribe failed", "address", addr, "err", err)
	}
}

// PublishAvailable announces a queued envelope and returns the number
// of sessions that heard it, cluster-wide. Zero is the authoritative
// dead-letter signal: nobody holds a session anywhere, fall back to
// push. There is no reply protocol and no timing window to tune.
func (f *Fanout) PublishAvailable(ctx context.Context, addr model.DeviceAddress) (int64, error) {
	payload, _ := json.Marshal(presenceSignal{Kind: SignalAvailable, Address: addr.Key()})
	n, err := f.rdb.Publish(ctx, addr.PresenceChannel(), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: publish available: %v", model.ErrCacheUnavailable, err)
	}
	return n, nil
}

// PublishAttached announces a fresh session attach to the whole fleet.
// Every node holding an older session for the address evicts it: the
// newest attach wins globally, not just per process.
func (f *Fanout) PublishAttached(ctx context.Context, addr model.DeviceAddress, connID uuid.UUID) {
	payload, _ := json.Marshal(presenceSignal{
		Kind:       SignalAttached,
		Address:    addr.Key(),
		ConnID:     connID.String(),
		AttachedAt: time.Now().UnixNano(),
	})
	if err := f.rdb.Publish(ctx, BroadcastChannel, payload).Err(); err != nil {
		f.logger.Warn("attach broadcast failed", "address", addr, "err", err)
	}
}

func (f *Fanout) listen(ctx context.Context) {
	defer f.wg.Done()

	ch := f.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			f.handle(ctx, msg)
		}
	}
}

func (f *Fanout) handle(ctx context.Context, msg *redis.Message) {
	if msg.Channel == BroadcastChannel {
		f.handleBroadcast(msg)
		return
	}

	addr, ok := addressFromChannel(msg.Channel)
	if !ok {
		f.logger.Error("unroutable presence message", "channel", msg.Channel)
		return
	}

	// [LOCALITY_FILTER] every process hears the ping; only the one
	// with the live session performs delivery.
	if !f.hub.HasLocal(addr) {
		return
	}

	f.mu.Lock()
	deliver := f.deliver
	f.mu.Unlock()
	if deliver != nil {
		deliver(ctx, addr)
	}
}

// handleBroadcast applies attach announcements. The announcing node
// receives its own broadcast too; the keep id makes that a no-op there.
func (f *Fanout) handleBroadcast(msg *redis.Message) {
	var sig presenceSignal
	if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
		f.logger.Error("unparseable broadcast signal", "err", err)
		return
	}
	if sig.Kind != SignalAttached {
		return
	}

	addr, err := model.ParseDeviceAddress(sig.Address)
	if err != nil {
		f.logger.Error("unroutable broadcast signal", "address", sig.Address)
		return
	}
	keep, err := uuid.Parse(sig.ConnID)
	if err != nil {
		f.logger.Error("broadcast signal without conn id", "address", sig.Address)
		return
	}
	attachedBefore := time.Unix(0, sig.AttachedAt)

	if f.hub.EvictOther(addr, keep, attachedBefore) {
		f.logger.Info("session superseded by attach on another node", "address", addr)
	}
}

func addressFromChannel(channel string) (model.DeviceAddress, bool) {
	key, ok := strings.CutPrefix(channel, "presence:")
	if !ok {
		return model.DeviceAddress{}, false
	}
	addr, err := model.ParseDeviceAddress(key)
	if err != nil {
		return model.DeviceAddress{}, false
	}
	return addr, true
}
