package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/textsecure/message-delivery-service/internal/domain/event"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// Interface guard
var _ Connector = (*connect)(nil)

// Connector is the session handle the Hub routes events into. Concrete
// transports (websocket pump) consume Recv and watch Done; everything
// else stays behind the interface so tests can substitute fakes.
//
// [LIFETIME] A Connector belongs to one device address forever. The
// transport handler may keep reading Recv long after an eviction, so
// the object is never recycled for another address; Done is the only
// teardown signal and Recv is never closed.
type Connector interface {
	GetID() uuid.UUID
	GetAddress() model.DeviceAddress
	Send(ev event.Eventer, timeout time.Duration) bool // thread-safe, backpressure-aware
	Recv() <-chan event.Eventer
	Done() <-chan struct{}
	Close()
}

// ConnectMetadata is exported for transport and analytics layers.
type ConnectMetadata struct {
	Platform  string
	Version   string
	RemoteIP  string
	UserAgent string
}

// connect is unexported to force interface usage. All fields are set
// once at construction and never reassigned, so Send/Recv need no lock
// against Close.
type connect struct {
	id        uuid.UUID
	addr      model.DeviceAddress
	metadata  ConnectMetadata
	createdAt time.Time

	ctx      context.Context
	cancelFn context.CancelFunc

	sendCh chan event.Eventer

	closeOnce sync.Once // [PROTECTION]

	// [ATOMIC_FIELDS]
	lastActivityAt int64
	droppedCount   uint64
}

func NewConnector(ctx context.Context, addr model.DeviceAddress, bufferSize int) Connector {
	childCtx, cancel := context.WithCancel(ctx)
	return &connect{
		id:             uuid.New(),
		addr:           addr,
		createdAt:      time.Now(),
		ctx:            childCtx,
		cancelFn:       cancel,
		sendCh:         make(chan event.Eventer, bufferSize),
		lastActivityAt: time.Now().UnixNano(),
	}
}

func (c *connect) GetID() uuid.UUID                { return c.id }
func (c *connect) GetAddress() model.DeviceAddress { return c.addr }

// Send attempts to push an event into the session mailbox, waiting up
// to timeout for space so transient jitter doesn't drop events.
func (c *connect) Send(ev event.Eventer, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	// [LIFECYCLE_GATE] abort if the transport is already dead.
	case <-c.ctx.Done():
		return false

	case c.sendCh <- ev:
		atomic.StoreInt64(&c.lastActivityAt, time.Now().UnixNano())
		return true

	// [BACKPRESSURE_THRESHOLD] buffer stayed saturated for the whole
	// window: a persistently slow consumer.
	case <-ctx.Done():
		return c.handleBackpressure(ev)
	}
}

// handleBackpressure sheds low-priority events when the buffer is full.
// Queued envelopes are never lost here: the hot queue remains the
// source of truth and the next drain re-sends them.
func (c *connect) handleBackpressure(ev event.Eventer) bool {
	if ev.GetPriority() <= event.PriorityLow {
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}

	// Evict one queued event if it ranks lower than the incoming one.
	select {
	case oldEv := <-c.sendCh:
		if oldEv.GetPriority() < ev.GetPriority() {
			select {
			case c.sendCh <- ev:
				return true
			default:
			}
		} else {
			// Put the displaced event back, best effort.
			select {
			case c.sendCh <- oldEv:
			default:
			}
		}
	default:
	}

	atomic.AddUint64(&c.droppedCount, 1)
	return false
}

func (c *connect) Recv() <-chan event.Eventer { return c.sendCh }

// Done is closed when the session ends (eviction, shutdown, or the
// transport's own teardown). Events still buffered in Recv after Done
// fires are stale offers; the hot queue re-delivers them elsewhere.
func (c *connect) Done() <-chan struct{} { return c.ctx.Done() }

// Close terminates the session.
func (c *connect) Close() {
	// [IDEMPOTENCY_SHIELD]
	// Teardown runs exactly once even when invoked concurrently by the
	// Hub (shutdown), Cell (eviction), and transport handler (defer).
	c.closeOnce.Do(func() {
		// Cancelling the context fails pending Sends and fires Done for
		// the transport pump. The mailbox channel is deliberately left
		// open: a concurrent Send selecting the channel case must never
		// hit a closed channel.
		c.cancelFn()
	})
}
