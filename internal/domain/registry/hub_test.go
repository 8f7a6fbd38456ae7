package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textsecure/message-delivery-service/internal/domain/event"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

func testAddr(account string) model.DeviceAddress {
	return model.NewDeviceAddress(account, 1)
}

func recvOne(t *testing.T, conn Connector) event.Eventer {
	t.Helper()
	select {
	case ev, ok := <-conn.Recv():
		require.True(t, ok, "recv channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestHubBroadcastReachesRegisteredSession(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	addr := testAddr("alice")
	conn := NewConnector(context.Background(), addr, 8)
	hub.Register(conn)

	ev := event.NewSystemEvent(addr, event.KeepAlive, event.PriorityNormal, nil)
	require.True(t, hub.Broadcast(ev))

	got := recvOne(t, conn)
	assert.Equal(t, ev.GetID(), got.GetID())
}

func TestHubBroadcastMissesUnknownAddress(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	ev := event.NewSystemEvent(testAddr("nobody"), event.KeepAlive, event.PriorityNormal, nil)
	assert.False(t, hub.Broadcast(ev))
}

func TestHubSecondSessionEvictsFirst(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	addr := testAddr("alice")
	first := NewConnector(context.Background(), addr, 8)
	hub.Register(first)

	second := NewConnector(context.Background(), addr, 8)
	hub.Register(second)

	// The evicted connector's Done fires; its recv channel stays open
	// so a pump blocked on it is woken by Done, not by a close.
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("evicted session was not closed")
	}

	ev := event.NewSystemEvent(addr, event.KeepAlive, event.PriorityNormal, nil)
	require.True(t, hub.Broadcast(ev))
	got := recvOne(t, second)
	assert.Equal(t, ev.GetID(), got.GetID())
}

// An evicted connector must keep its identity for as long as any handler
// holds it: a pump still draining the old handle must never observe
// another device's address or events, no matter how many sessions attach
// afterwards.
func TestHubEvictedConnectorKeepsIdentity(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	alice := testAddr("alice")
	bob := model.NewDeviceAddress("bob", 7)

	old := NewConnector(context.Background(), alice, 8)
	hub.Register(old)

	replacement := NewConnector(context.Background(), alice, 8)
	hub.Register(replacement) // evicts old

	fresh := NewConnector(context.Background(), bob, 8)
	hub.Register(fresh)

	ev := event.NewSystemEvent(bob, event.KeepAlive, event.PriorityHigh, "bob-only")
	require.True(t, hub.Broadcast(ev))
	got := recvOne(t, fresh)
	assert.Equal(t, ev.GetID(), got.GetID())

	assert.Equal(t, alice, old.GetAddress())
	select {
	case leaked := <-old.Recv():
		t.Fatalf("evicted session received %v addressed to %s", leaked.GetPayload(), leaked.GetAddress())
	default:
	}
}

func TestHubEvictOtherSparesTheKeptSession(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	addr := testAddr("alice")
	conn := NewConnector(context.Background(), addr, 8)
	hub.Register(conn)

	// The announced attach is this very session: nothing to do.
	assert.False(t, hub.EvictOther(addr, conn.GetID(), time.Now()))
	assert.True(t, hub.HasLocal(addr))

	// An announcement older than the local attach arrived late; its
	// successor is this session, which must survive.
	assert.False(t, hub.EvictOther(addr, uuid.New(), time.Now().Add(-time.Minute)))
	assert.True(t, hub.HasLocal(addr))

	// A newer attach elsewhere supersedes the local session.
	assert.True(t, hub.EvictOther(addr, uuid.New(), time.Now()))
	assert.False(t, hub.HasLocal(addr))
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("superseded session was not closed")
	}
}

func TestHubUnregisterStaleConnIDKeepsCurrentSession(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	addr := testAddr("alice")
	conn := NewConnector(context.Background(), addr, 8)
	hub.Register(conn)

	hub.Unregister(addr, uuid.New()) // not the live session
	assert.True(t, hub.HasLocal(addr))

	hub.Unregister(addr, conn.GetID())
	assert.False(t, hub.HasLocal(addr))
}

func TestHubLenCountsLiveSessions(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	assert.Equal(t, 0, hub.Len())

	a := NewConnector(context.Background(), testAddr("alice"), 8)
	b := NewConnector(context.Background(), testAddr("bob"), 8)
	hub.Register(a)
	hub.Register(b)
	assert.Equal(t, 2, hub.Len())

	hub.Unregister(a.GetAddress(), a.GetID())
	assert.Equal(t, 1, hub.Len())
}
