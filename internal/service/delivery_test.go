package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textsecure/message-delivery-service/config"
	"github.com/textsecure/message-delivery-service/internal/adapter/pubsub"
	"github.com/textsecure/message-delivery-service/internal/domain/event"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
	"github.com/textsecure/message-delivery-service/internal/domain/registry"
)

type deliveryFixture struct {
	ds       *DeliveryService
	hub      *registry.Hub
	fanout   *pubsub.Fanout
	cache    *fakeCache
	fallback *fakeFallback
	bus      *fakeEventDispatcher
}

func newDeliveryFixture(t *testing.T, devices ...model.Device) *deliveryFixture {
	t.Helper()
	return newDeliveryNode(t, miniredis.RunT(t), devices...)
}

// newDeliveryNode builds one full delivery stack on a shared redis, so a
// test can stand up several "processes" of the same fleet.
func newDeliveryNode(t *testing.T, mr *miniredis.Miniredis, devices ...model.Device) *deliveryFixture {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{}
	cfg.Cache.FetchBatch = 100

	hub := registry.NewHub()
	t.Cleanup(hub.Shutdown)

	fanout := pubsub.NewFanout(rdb, hub, discardLogger())

	cache := newFakeCache()
	mailbox := newFakeMailbox()
	fallback := newFakeFallback()
	directory := newFakeDirectory(devices...)
	counters := NewCounters()
	bus := &fakeEventDispatcher{}

	manager := NewManager(
		cache, mailbox, &fakePersister{}, fallback, newFakeDispatcher(),
		directory, counters, cfg, discardLogger(),
	)
	receipts := NewReceiptSender(directory, bus, counters, discardLogger())
	ds := NewDeliveryService(hub, fanout, manager, receipts, counters, discardLogger())

	fanout.OnAvailable(ds.DeliverLocal)
	require.NoError(t, fanout.Start(context.Background()))
	t.Cleanup(fanout.Stop)

	return &deliveryFixture{
		ds:       ds,
		hub:      hub,
		fanout:   fanout,
		cache:    cache,
		fallback: fallback,
		bus:      bus,
	}
}

func recvEvent(t *testing.T, conn registry.Connector) event.Eventer {
	t.Helper()
	select {
	case ev, ok := <-conn.Recv():
		require.True(t, ok, "session closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event arrived")
		return nil
	}
}

func TestSubscribeDeliversWelcomeThenBacklog(t *testing.T) {
	f := newDeliveryFixture(t)
	addr := model.NewDeviceAddress("alice", 1)
	ctx := context.Background()

	_, err := f.cache.Enqueue(ctx, newEnvelope("m1", addr, 100))
	require.NoError(t, err)
	require.NoError(t, f.fallback.Schedule(ctx, addr, model.ChannelGcm, "tok", time.Now()))

	conn, err := f.ds.Subscribe(ctx, addr)
	require.NoError(t, err)
	defer f.ds.Unsubscribe(ctx, addr, conn.GetID())

	welcome := recvEvent(t, conn)
	require.Equal(t, event.Connected, welcome.GetKind())
	payload, ok := welcome.GetPayload().(model.ConnectedPayload)
	require.True(t, ok)
	assert.True(t, payload.Ok)
	assert.Equal(t, model.ServerVersion, payload.ServerVersion)

	backlog := recvEvent(t, conn)
	env, ok := backlog.GetPayload().(*model.Envelope)
	require.True(t, ok)
	assert.Equal(t, "m1", env.ID)

	// A live session supersedes the pending push retry.
	_, scheduled := f.fallback.get(addr)
	assert.False(t, scheduled)
}

func TestSubscribeMakesPresencePublishAudible(t *testing.T) {
	f := newDeliveryFixture(t)
	addr := model.NewDeviceAddress("alice", 1)
	ctx := context.Background()

	n, err := f.fanout.PublishAvailable(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	conn, err := f.ds.Subscribe(ctx, addr)
	require.NoError(t, err)

	n, err = f.fanout.PublishAvailable(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f.ds.Unsubscribe(ctx, addr, conn.GetID())
	assert.False(t, f.hub.HasLocal(addr))

	n, err = f.fanout.PublishAvailable(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "muted after the last session detached")
}

func TestAttachOnAnotherNodeSupersedesSession(t *testing.T) {
	mr := miniredis.RunT(t)
	node1 := newDeliveryNode(t, mr)
	node2 := newDeliveryNode(t, mr)
	addr := model.NewDeviceAddress("alice", 1)
	ctx := context.Background()

	conn1, err := node1.ds.Subscribe(ctx, addr)
	require.NoError(t, err)
	recvEvent(t, conn1) // welcome

	conn2, err := node2.ds.Subscribe(ctx, addr)
	require.NoError(t, err)
	recvEvent(t, conn2)

	// Node1 hears the attach broadcast and closes its older session.
	select {
	case <-conn1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session on node1 was not superseded")
	}
	assert.Eventually(t, func() bool { return !node1.hub.HasLocal(addr) },
		2*time.Second, 10*time.Millisecond)

	// The freshly attached session is untouched by its own broadcast.
	assert.True(t, node2.hub.HasLocal(addr))
	select {
	case <-conn2.Done():
		t.Fatal("newest session must survive the takeover")
	default:
	}
}

func TestAcknowledgeEmitsReceiptTowardSender(t *testing.T) {
	sender := model.NewDeviceAddress("bob", 1)
	f := newDeliveryFixture(t, model.Device{Address: sender})
	alice := model.NewDeviceAddress("alice", 1)
	ctx := context.Background()

	env := newEnvelope("m1", alice, 100)
	env.Source = sender
	_, err := f.cache.Enqueue(ctx, env)
	require.NoError(t, err)

	removed, err := f.ds.Acknowledge(ctx, alice, []string{"m1"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// The receipt went through the ordinary send path into bob's queue.
	receipts, err := f.cache.DequeueBatch(ctx, sender, 10)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, model.EnvelopeReceipt, receipts[0].Type)
	assert.Equal(t, alice, receipts[0].Source)
}
