package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/textsecure/message-delivery-service/internal/adapter/pubsub"
	"github.com/textsecure/message-delivery-service/internal/domain/event"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
	"github.com/textsecure/message-delivery-service/internal/domain/registry"
)

// sessionBufferSize bounds the per-session mailbox before backpressure
// eviction kicks in. The hot queue remains the source of truth, so a
// shed event is only a deferred one.
const sessionBufferSize = 1024

// Deliverer is the full delivery surface consumed by the transport
// handlers (websocket session, HTTP API, bus listener).
type Deliverer interface {
	Subscribe(ctx context.Context, addr model.DeviceAddress) (registry.Connector, error)
	Unsubscribe(ctx context.Context, addr model.DeviceAddress, connID uuid.UUID)
	Send(ctx context.Context, env *model.Envelope) error
	Fetch(ctx context.Context, addr model.DeviceAddress) ([]*model.Envelope, error)
	Acknowledge(ctx context.Context, addr model.DeviceAddress, ids []string) (int, error)
	QueueDepth(ctx context.Context, addr model.DeviceAddress) (int64, error)
	ClearAccount(ctx context.Context, account string) error
	Stats(ctx context.Context) model.HubStats
}

// DeliveryService composes the session registry, the presence fanout
// and the message manager into the one object transports talk to. It
// owns the session lifecycle choreography: attach, drain, detach.
type DeliveryService struct {
	hub       registry.Hubber
	fanout    *pubsub.Fanout
	manager   *Manager
	receipts  *ReceiptSender
	counters  *Counters
	logger    *slog.Logger
	startedAt time.Time
}

var _ Deliverer = (*DeliveryService)(nil)

func NewDeliveryService(
	hub registry.Hubber,
	fanout *pubsub.Fanout,
	manager *Manager,
	receipts *ReceiptSender,
	counters *Counters,
	logger *slog.Logger,
) *DeliveryService {
	return &DeliveryService{
		hub:       hub,
		fanout:    fanout,
		manager:   manager,
		receipts:  receipts,
		counters:  counters,
		logger:    logger.With("component", "delivery_service"),
		startedAt: time.Now(),
	}
}

// Subscribe attaches a realtime session for the address and kicks off
// the initial queue drain. The returned connector's Recv channel is the
// transport's write pump source; the caller must Unsubscribe when the
// transport closes.
func (d *DeliveryService) Subscribe(ctx context.Context, addr model.DeviceAddress) (registry.Connector, error) {
	conn := registry.NewConnector(ctx, addr, sessionBufferSize)
	d.hub.Register(conn)

	if err := d.fanout.Listen(ctx, addr); err != nil {
		d.hub.Unregister(addr, conn.GetID())
		return nil, err
	}

	// A live session supersedes any pending push retries.
	d.manager.CancelFallback(ctx, addr)

	// The newest attach wins fleet-wide: peers holding an older session
	// for this address evict it when they hear the announcement.
	d.fanout.PublishAttached(ctx, addr, conn.GetID())

	conn.Send(event.NewSystemEvent(addr, event.Connected, event.PriorityHigh, model.ConnectedPayload{
		Ok:            true,
		ConnectionID:  conn.GetID().String(),
		ServerVersion: model.ServerVersion,
	}), time.Second)

	// [INITIAL_DRAIN] everything queued while the device was away goes
	// out immediately, detached from the upgrade request's lifetime.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	go func() {
		defer cancel()
		d.DeliverLocal(drainCtx, addr)
	}()

	d.logger.Info("session attached", "address", addr, "conn_id", conn.GetID())
	return conn, nil
}

// Unsubscribe detaches a session. Presence bookkeeping is torn down only
// when no local session remains for the address: a replacement session
// may already have attached under a different connID.
func (d *DeliveryService) Unsubscribe(ctx context.Context, addr model.DeviceAddress, connID uuid.UUID) {
	d.hub.Unregister(addr, connID)

	if !d.hub.HasLocal(addr) {
		d.fanout.Mute(ctx, addr)
	}

	d.logger.Info("session detached", "address", addr, "conn_id", connID)
}

// DeliverLocal drains the hot queue into the local session. Envelopes
// are offered, not consumed: they leave the queue only on an explicit
// acknowledge, so a session dying mid-drain loses nothing.
func (d *DeliveryService) DeliverLocal(ctx context.Context, addr model.DeviceAddress) {
	envs, err := d.manager.Peek(ctx, addr)
	if err != nil {
		d.logger.Warn("local drain failed, client can still fetch", "address", addr, "err", err)
		return
	}

	for _, env := range envs {
		if !d.hub.Broadcast(event.NewEnvelopeEvent(env, addr)) {
			// Session gone or saturated; the rest stays queued.
			return
		}
		d.counters.Delivered.Add(1)
	}
}

func (d *DeliveryService) Send(ctx context.Context, env *model.Envelope) error {
	return d.manager.Send(ctx, env)
}

func (d *DeliveryService) Fetch(ctx context.Context, addr model.DeviceAddress) ([]*model.Envelope, error) {
	return d.manager.Fetch(ctx, addr)
}

// Acknowledge removes the listed envelopes and emits delivery receipts
// back to their senders. Returns how many envelopes were actually
// removed; unknown ids are ignored.
func (d *DeliveryService) Acknowledge(ctx context.Context, addr model.DeviceAddress, ids []string) (int, error) {
	removed, _, err := d.manager.Acknowledge(ctx, addr, ids)
	if err != nil {
		return 0, err
	}

	d.receipts.SendReceipts(ctx, d.manager, removed)
	return len(removed), nil
}

func (d *DeliveryService) QueueDepth(ctx context.Context, addr model.DeviceAddress) (int64, error) {
	return d.manager.QueueDepth(ctx, addr)
}

func (d *DeliveryService) ClearAccount(ctx context.Context, account string) error {
	return d.manager.ClearAccount(ctx, account)
}

func (d *DeliveryService) Stats(ctx context.Context) model.HubStats {
	stats := model.HubStats{
		ActiveSessions:     d.hub.Len(),
		Uptime:             time.Since(d.startedAt).Round(time.Second),
		EnvelopesQueued:    d.counters.Queued.Load(),
		EnvelopesDelivered: d.counters.Delivered.Load(),
		PushesDispatched:   d.counters.Pushed.Load(),
		FallbacksExpired:   d.counters.Expired.Load(),
		ReceiptsSent:       d.counters.Receipts.Load(),
	}
	return stats
}
