package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/textsecure/message-delivery-service/internal/adapter/gateway"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
	"github.com/textsecure/message-delivery-service/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------- cache

type fakeCache struct {
	mu       sync.Mutex
	queues   map[string][]*model.Envelope
	depthErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{queues: make(map[string][]*model.Envelope)}
}

func (f *fakeCache) Enqueue(_ context.Context, env *model.Envelope) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := env.Destination.Key()
	for _, queued := range f.queues[key] {
		if queued.ID == env.ID {
			return false, nil
		}
	}
	f.queues[key] = append(f.queues[key], env)
	return true, nil
}

func (f *fakeCache) DequeueBatch(_ context.Context, addr model.DeviceAddress, max int64) ([]*model.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.queues[addr.Key()]
	if int64(len(queue)) > max {
		queue = queue[:max]
	}
	out := make([]*model.Envelope, len(queue))
	copy(out, queue)
	return out, nil
}

func (f *fakeCache) Remove(_ context.Context, addr model.DeviceAddress, ids []string) ([]*model.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var kept, removed []*model.Envelope
	for _, env := range f.queues[addr.Key()] {
		if wanted[env.ID] {
			removed = append(removed, env)
		} else {
			kept = append(kept, env)
		}
	}
	f.queues[addr.Key()] = kept
	return removed, nil
}

func (f *fakeCache) Depth(_ context.Context, addr model.DeviceAddress) (int64, error) {
	if f.depthErr != nil {
		return 0, f.depthErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.queues[addr.Key()])), nil
}

func (f *fakeCache) Clear(_ context.Context, addr model.DeviceAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, addr.Key())
	return nil
}

// ------------------------------------------------------------ persister

type fakePersister struct {
	mu           sync.Mutex
	scheduled    []string
	cancelled    []string
	cancelledFor []model.DeviceAddress
}

func (f *fakePersister) Schedule(env *model.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, env.ID)
}

func (f *fakePersister) Cancel(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ids...)
}

func (f *fakePersister) CancelFor(addr model.DeviceAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledFor = append(f.cancelledFor, addr)
}

func (f *fakePersister) scheduledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scheduled...)
}

// ------------------------------------------------------------- fallback

type fakeFallback struct {
	mu          sync.Mutex
	entries     map[string]*storage.FallbackEntry
	scheduleErr error
}

func newFakeFallback() *fakeFallback {
	return &fakeFallback{entries: make(map[string]*storage.FallbackEntry)}
}

func (f *fakeFallback) Schedule(_ context.Context, addr model.DeviceAddress, channel model.PushChannelKind, token string, fireAt time.Time) error {
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[addr.Key()]; ok {
		return nil
	}
	f.entries[addr.Key()] = &storage.FallbackEntry{
		Address:    addr,
		Attempts:   1,
		Channel:    channel,
		Token:      token,
		NextFireAt: fireAt,
	}
	return nil
}

func (f *fakeFallback) Due(_ context.Context, _ time.Time, _ int64) ([]storage.FallbackEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.FallbackEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeFallback) Reschedule(_ context.Context, addr model.DeviceAddress, fireAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[addr.Key()]; ok {
		e.Attempts++
		e.NextFireAt = fireAt
	}
	return nil
}

func (f *fakeFallback) Cancel(_ context.Context, addr model.DeviceAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, addr.Key())
	return nil
}

func (f *fakeFallback) DueCount(context.Context, time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.entries)), nil
}

func (f *fakeFallback) get(addr model.DeviceAddress) (storage.FallbackEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[addr.Key()]
	if !ok {
		return storage.FallbackEntry{}, false
	}
	return *e, true
}

// ------------------------------------------------------------ dispatcher

type fakeDispatcher struct {
	calls chan model.DeviceAddress
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{calls: make(chan model.DeviceAddress, 16)}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, addr model.DeviceAddress) {
	f.calls <- addr
}

// ------------------------------------------------------------- directory

type fakeDirectory struct {
	mu      sync.Mutex
	devices map[string][]model.Device
	cleared []model.DeviceAddress
}

func newFakeDirectory(devices ...model.Device) *fakeDirectory {
	f := &fakeDirectory{devices: make(map[string][]model.Device)}
	for _, dev := range devices {
		account := dev.Address.Account
		f.devices[account] = append(f.devices[account], dev)
	}
	return f
}

func (f *fakeDirectory) Lookup(_ context.Context, addr model.DeviceAddress) (model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, dev := range f.devices[addr.Account] {
		if dev.Address == addr {
			return dev, nil
		}
	}
	return model.Device{}, model.ErrUnknownAccount
}

func (f *fakeDirectory) Devices(_ context.Context, account string) ([]model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	devices, ok := f.devices[account]
	if !ok {
		return nil, model.ErrUnknownAccount
	}
	return devices, nil
}

func (f *fakeDirectory) ClearToken(_ context.Context, addr model.DeviceAddress, _ model.PushChannelKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, addr)
	return nil
}

// -------------------------------------------------------------- presence

type fakePresence struct {
	receivers  int64
	publishErr error
	published  []model.DeviceAddress
	mu         sync.Mutex
}

func (f *fakePresence) PublishAvailable(_ context.Context, addr model.DeviceAddress) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, addr)
	return f.receivers, f.publishErr
}

// --------------------------------------------------------------- gateway

type fakeGateway struct {
	mu   sync.Mutex
	err  error
	sent []gateway.Notification
}

func (f *fakeGateway) Send(_ context.Context, n gateway.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

func (f *fakeGateway) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// --------------------------------------------------------------- mailbox

type fakeMailbox struct {
	mu      sync.Mutex
	rows    map[string][]*model.Envelope
	loadErr error
	deleted []string
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{rows: make(map[string][]*model.Envelope)}
}

func (f *fakeMailbox) Store(_ context.Context, env *model.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := env.Destination.Key()
	f.rows[key] = append(f.rows[key], env)
	return nil
}

func (f *fakeMailbox) Delete(_ context.Context, addr model.DeviceAddress, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var kept []*model.Envelope
	for _, env := range f.rows[addr.Key()] {
		if !wanted[env.ID] {
			kept = append(kept, env)
		}
	}
	f.rows[addr.Key()] = kept
	return nil
}

func (f *fakeMailbox) LoadAll(_ context.Context, addr model.DeviceAddress) ([]*model.Envelope, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Envelope(nil), f.rows[addr.Key()]...), nil
}

func (f *fakeMailbox) ClearDevice(_ context.Context, addr model.DeviceAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, addr.Key())
	return nil
}
