package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textsecure/message-delivery-service/config"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

type managerFixture struct {
	manager    *Manager
	cache      *fakeCache
	mailbox    *fakeMailbox
	persist    *fakePersister
	fallback   *fakeFallback
	dispatcher *fakeDispatcher
	directory  *fakeDirectory
	counters   *Counters
}

func newManagerFixture(t *testing.T, devices ...model.Device) *managerFixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.Cache.FetchBatch = 100

	f := &managerFixture{
		cache:      newFakeCache(),
		mailbox:    newFakeMailbox(),
		persist:    &fakePersister{},
		fallback:   newFakeFallback(),
		dispatcher: newFakeDispatcher(),
		directory:  newFakeDirectory(devices...),
		counters:   NewCounters(),
	}
	f.manager = NewManager(
		f.cache, f.mailbox, f.persist, f.fallback, f.dispatcher,
		f.directory, f.counters, cfg, discardLogger(),
	)
	return f
}

func (f *managerFixture) waitDispatch(t *testing.T) model.DeviceAddress {
	t.Helper()
	select {
	case addr := <-f.dispatcher.calls:
		return addr
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch happened")
		return model.DeviceAddress{}
	}
}

func newEnvelope(id string, dest model.DeviceAddress, ts int64) *model.Envelope {
	return &model.Envelope{
		ID:              id,
		Type:            model.EnvelopeNormal,
		Source:          model.NewDeviceAddress("sender", 1),
		Destination:     dest,
		Content:         []byte("ciphertext"),
		ServerTimestamp: ts,
	}
}

func TestManagerSendQueuesPersistsAndDispatches(t *testing.T) {
	f := newManagerFixture(t)
	addr := model.NewDeviceAddress("alice", 1)

	env := newEnvelope("m1", addr, 0)
	require.NoError(t, f.manager.Send(context.Background(), env))

	assert.NotZero(t, env.ServerTimestamp, "server assigns the timestamp")
	assert.Equal(t, []string{"m1"}, f.persist.scheduledIDs())
	assert.Equal(t, addr, f.waitDispatch(t))
	assert.Equal(t, uint64(1), f.counters.Queued.Load())
}

func TestManagerSendDuplicateIsSilentNoOp(t *testing.T) {
	f := newManagerFixture(t)
	addr := model.NewDeviceAddress("alice", 1)

	require.NoError(t, f.manager.Send(context.Background(), newEnvelope("m1", addr, 100)))
	f.waitDispatch(t)

	require.NoError(t, f.manager.Send(context.Background(), newEnvelope("m1", addr, 100)))

	assert.Equal(t, []string{"m1"}, f.persist.scheduledIDs(), "duplicate must not re-arm persist")
	assert.Equal(t, uint64(1), f.counters.Queued.Load())
	select {
	case <-f.dispatcher.calls:
		t.Fatal("duplicate must not re-dispatch")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerSendRejectsInvalidEnvelope(t *testing.T) {
	f := newManagerFixture(t)

	err := f.manager.Send(context.Background(), &model.Envelope{Type: model.EnvelopeNormal})
	assert.ErrorIs(t, err, model.ErrInvalidEnvelope)

	err = f.manager.Send(context.Background(), newEnvelope("m1", model.DeviceAddress{}, 100))
	assert.ErrorIs(t, err, model.ErrUnknownAddress)
}

func TestManagerFetchMergesDurableAndHotOrdered(t *testing.T) {
	f := newManagerFixture(t)
	addr := model.NewDeviceAddress("alice", 1)
	ctx := context.Background()

	// m2 lives in both stores (persisted, then still hot); m1 only
	// durable (crash recovery case); m3 only hot.
	require.NoError(t, f.mailbox.Store(ctx, newEnvelope("m1", addr, 100)))
	require.NoError(t, f.mailbox.Store(ctx, newEnvelope("m2", addr, 200)))
	_, err := f.cache.Enqueue(ctx, newEnvelope("m2", addr, 200))
	require.NoError(t, err)
	_, err = f.cache.Enqueue(ctx, newEnvelope("m3", addr, 300))
	require.NoError(t, err)

	envs, err := f.manager.Fetch(ctx, addr)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.Equal(t, "m1", envs[0].ID)
	assert.Equal(t, "m2", envs[1].ID)
	assert.Equal(t, "m3", envs[2].ID)
}

func TestManagerFetchDegradesToHotOnDurableFailure(t *testing.T) {
	f := newManagerFixture(t)
	addr := model.NewDeviceAddress("alice", 1)
	ctx := context.Background()

	_, err := f.cache.Enqueue(ctx, newEnvelope("m1", addr, 100))
	require.NoError(t, err)
	f.mailbox.loadErr = model.ErrStoreUnavailable

	envs, err := f.manager.Fetch(ctx, addr)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "m1", envs[0].ID)
}

func TestManagerPartialAckKeepsFallbackAlive(t *testing.T) {
	f := newManagerFixture(t)
	addr := model.NewDeviceAddress("alice", 1)
	ctx := context.Background()

	_, err := f.cache.Enqueue(ctx, newEnvelope("m1", addr, 100))
	require.NoError(t, err)
	_, err = f.cache.Enqueue(ctx, newEnvelope("m2", addr, 200))
	require.NoError(t, err)
	require.NoError(t, f.fallback.Schedule(ctx, addr, model.ChannelGcm, "token", time.Now()))

	removed, emptied, err := f.manager.Acknowledge(ctx, addr, []string{"m1"})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.False(t, emptied)

	_, stillScheduled := f.fallback.get(addr)
	assert.True(t, stillScheduled, "partial ack must not cancel the pending wake-up")
}

func TestManagerFullAckCancelsFallback(t *testing.T) {
	f := newManagerFixture(t)
	addr := model.NewDeviceAddress("alice", 1)
	ctx := context.Background()

	_, err := f.cache.Enqueue(ctx, newEnvelope("m1", addr, 100))
	require.NoError(t, err)
	require.NoError(t, f.fallback.Schedule(ctx, addr, model.ChannelGcm, "token", time.Now()))

	removed, emptied, err := f.manager.Acknowledge(ctx, addr, []string{"m1"})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.True(t, emptied)

	_, stillScheduled := f.fallback.get(addr)
	assert.False(t, stillScheduled)
	assert.Contains(t, f.persist.cancelled, "m1")
}

func TestManagerClearAccountWipesEveryDevice(t *testing.T) {
	d1 := model.Device{Address: model.NewDeviceAddress("alice", 1)}
	d2 := model.Device{Address: model.NewDeviceAddress("alice", 2)}
	f := newManagerFixture(t, d1, d2)
	ctx := context.Background()

	for _, addr := range []model.DeviceAddress{d1.Address, d2.Address} {
		_, err := f.cache.Enqueue(ctx, newEnvelope("m-"+addr.Key(), addr, 100))
		require.NoError(t, err)
		require.NoError(t, f.fallback.Schedule(ctx, addr, model.ChannelGcm, "token", time.Now()))
	}

	require.NoError(t, f.manager.ClearAccount(ctx, "alice"))

	for _, addr := range []model.DeviceAddress{d1.Address, d2.Address} {
		depth, err := f.cache.Depth(ctx, addr)
		require.NoError(t, err)
		assert.Zero(t, depth)
		_, scheduled := f.fallback.get(addr)
		assert.False(t, scheduled)
	}
	assert.Len(t, f.persist.cancelledFor, 2)
}

func TestManagerClearAccountUnknownAccount(t *testing.T) {
	f := newManagerFixture(t)
	err := f.manager.ClearAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, model.ErrUnknownAccount)
}
