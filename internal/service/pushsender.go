package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/textsecure/message-delivery-service/config"
	"github.com/textsecure/message-delivery-service/internal/adapter/directory"
	"github.com/textsecure/message-delivery-service/internal/adapter/gateway"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
	"github.com/textsecure/message-delivery-service/internal/storage"
)

// PresencePublisher is the fanout slice the push sender consumes: one
// publish whose receiver count answers "is anyone connected, anywhere".
type PresencePublisher interface {
	PublishAvailable(ctx context.Context, addr model.DeviceAddress) (int64, error)
}

// PushSender owns channel selection. Evaluated strictly in order:
//
//  1. a session somewhere heard the presence publish → realtime wins,
//     no push; a fallback entry is still armed, because the hearing
//     session can die between the publish and the drain. The ack path
//     cancels the entry the moment the queue empties.
//  2. the device has a push channel → exactly one gateway dispatch plus
//     a fallback entry, attempt 1;
//  3. neither → the envelope stays queued until the next explicit
//     fetch. A valid terminal state, not an error.
//
// Gateway failures are never retried inline; the fallback sweep is the
// sole retry mechanism, so an immediate retry can't race it.
type PushSender struct {
	fanout    PresencePublisher
	directory directory.Directoryer
	gateway   gateway.Sender
	fallback  FallbackRegistry
	cfg       *config.Config
	counters  *Counters
	logger    *slog.Logger
}

func NewPushSender(
	fanout PresencePublisher,
	dir directory.Directoryer,
	gw gateway.Sender,
	fallback FallbackRegistry,
	cfg *config.Config,
	counters *Counters,
	logger *slog.Logger,
) *PushSender {
	return &PushSender{
		fanout:    fanout,
		directory: dir,
		gateway:   gw,
		fallback:  fallback,
		cfg:       cfg,
		counters:  counters,
		logger:    logger.With("component", "push_sender"),
	}
}

var _ Dispatcher = (*PushSender)(nil)

// Dispatch runs once per freshly queued envelope, off the request path.
func (p *PushSender) Dispatch(ctx context.Context, addr model.DeviceAddress) {
	receivers, err := p.fanout.PublishAvailable(ctx, addr)
	if err != nil {
		// Can't tell whether a session exists; waking the device is
		// the safe direction, a redundant push at worst.
		p.logger.Warn("presence publish failed, assuming offline", "address", addr, "err", err)
		receivers = 0
	}

	dev, err := p.directory.Lookup(ctx, addr)
	if err != nil {
		p.logger.Error("device lookup failed, envelope stays queued", "address", addr, "err", err)
		return
	}

	channel := dev.Channel
	if channel.IsNone() {
		if receivers == 0 {
			p.logger.Debug("no recipient available, queued until next fetch", "address", addr)
		}
		return
	}

	if receivers > 0 {
		// A session somewhere took delivery, but it can vanish between
		// the publish and the drain with no push ever sent. The entry
		// keeps the sweep watching the queue; a successful drain empties
		// it and the ack path cancels the entry before it fires.
		p.schedule(ctx, addr, channel)
		return
	}

	err = p.sendOnce(ctx, addr, channel)
	if errors.Is(err, model.ErrGatewayRejected) {
		return // dead token, no retry ladder to build
	}
	if err != nil {
		p.logger.Warn("push dispatch failed, sweep will retry", "address", addr, "err", err)
	}

	p.schedule(ctx, addr, channel)
}

func (p *PushSender) schedule(ctx context.Context, addr model.DeviceAddress, channel model.PushChannel) {
	policy := p.cfg.FallbackPolicy()
	fireAt := policy.NextFire(time.Now(), 0)
	if err := p.fallback.Schedule(ctx, addr, channel.Kind(), channel.Token(), fireAt); err != nil {
		p.logger.Error("fallback schedule failed", "address", addr, "err", err)
	}
}

// Redispatch re-attempts the channel recorded in a due fallback entry.
// An ErrGatewayRejected return (dead token, channel gone, channel
// changed) tells the sweep to cancel the entry.
func (p *PushSender) Redispatch(ctx context.Context, entry storage.FallbackEntry) error {
	dev, err := p.directory.Lookup(ctx, entry.Address)
	if err != nil {
		return err
	}

	channel := dev.Channel
	if channel.IsNone() || channel.Kind() != entry.Channel {
		return model.ErrGatewayRejected
	}

	return p.sendOnce(ctx, entry.Address, channel)
}

func (p *PushSender) sendOnce(ctx context.Context, addr model.DeviceAddress, channel model.PushChannel) error {
	err := p.gateway.Send(ctx, gateway.Notification{
		Kind:      channel.Kind(),
		Token:     channel.Token(),
		VoipToken: channel.VoipToken(),
	})
	if errors.Is(err, model.ErrGatewayRejected) {
		if cerr := p.directory.ClearToken(ctx, addr, channel.Kind()); cerr != nil {
			p.logger.Error("token clear failed after gateway rejection", "address", addr, "err", cerr)
		}
		return err
	}
	if err != nil {
		return err
	}

	p.counters.Pushed.Add(1)
	p.logger.Debug("push dispatched", "address", addr, "channel", channel.Kind())
	return nil
}
