/*
Package registry provides the per-process session registry.

Key architectural concepts:
  - Virtual Cells: every connected device address is represented by an
    isolated 'Cell' (actor) holding at most one live session.
  - Decoupling & Backpressure: per-address mailboxes ensure a slow
    consumer cannot block the fanout listener or the bus consumers.
  - Concurrency: lock-free lookups via sync.Map on the Hub, a single
    fine-grained lock inside each cell.

The registry makes no delivery guarantee. It only answers "is this
address attached HERE" and moves events toward the attached session;
everything else (queued envelopes, push fallback) lives upstream.
*/
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/textsecure/message-delivery-service/internal/domain/event"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// Celler defines the internal API for address-specific delivery units.
type Celler interface {
	Push(ev event.Eventer) bool
	Attach(conn Connector)
	Detach(connID uuid.UUID) bool
	EvictOther(keep uuid.UUID, attachedBefore time.Time) bool
	HasSession() bool
	IsIdle(timeout time.Duration) bool
	Stop()
}

const sessionSendTimeout = 500 * time.Millisecond

// Cell implements [ISOLATED_DELIVERY] for a single device address.
type Cell struct {
	// [IDENTITY]
	addr model.DeviceAddress

	// [MAILBOX]
	// Buffered channel that decouples the fanout listener from the
	// session write path. Acts as a shock absorber so slow-consumer
	// latency never propagates back to the Hub or the bus consumers.
	mailbox chan event.Eventer

	// [SESSION]
	// The single live transport for this address on this process.
	// Attaching a new session closes the previous one (eviction).
	session    Connector
	attachedAt time.Time

	mu sync.RWMutex

	// [LIFECYCLE_CONTROL]
	doneCh   chan struct{}
	stopOnce sync.Once

	lastActivityAt time.Time
}

func NewCell(addr model.DeviceAddress, bufferSize int) *Cell {
	c := &Cell{
		addr:           addr,
		mailbox:        make(chan event.Eventer, bufferSize),
		doneCh:         make(chan struct{}),
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// IsIdle reports whether the cell has no session and has been quiet
// longer than the threshold.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session == nil && time.Since(c.lastActivityAt) > timeout
}

func (c *Cell) HasSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

func (c *Cell) Push(ev event.Eventer) bool {
	c.touch()
	select {
	case c.mailbox <- ev:
		return true
	default:
		return false
	}
}

// Attach installs the session, evicting any previous one. The evicted
// connector is closed outside the lock to avoid re-entrancy with its
// transport goroutine.
func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	evicted := c.session
	c.session = conn
	c.attachedAt = time.Now()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()

	if evicted != nil && evicted.GetID() != conn.GetID() {
		evicted.Close()
	}
}

// Detach removes the session only if connID still identifies it; a
// stale detach from an evicted session must not tear down its
// replacement. Returns true when no session remains.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	var removed Connector
	if c.session != nil && c.session.GetID() == connID {
		removed = c.session
		c.session = nil
	}
	c.lastActivityAt = time.Now()
	empty := c.session == nil
	c.mu.Unlock()

	if removed != nil {
		removed.Close()
	}
	return empty
}

// EvictOther closes the current session unless keep identifies it or
// the session attached at/after attachedBefore. Backs the fleet-wide
// takeover protocol: an attach announced from another node supersedes
// only sessions that are actually older, so a stale announcement
// arriving late never kills its own successor.
func (c *Cell) EvictOther(keep uuid.UUID, attachedBefore time.Time) bool {
	c.mu.Lock()
	evicted := c.session
	if evicted == nil || evicted.GetID() == keep || !c.attachedAt.Before(attachedBefore) {
		c.mu.Unlock()
		return false
	}
	c.session = nil
	c.lastActivityAt = time.Now()
	c.mu.Unlock()

	evicted.Close()
	return true
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

func (c *Cell) deliver(ev event.Eventer) {
	c.mu.RLock()
	conn := c.session
	c.mu.RUnlock()

	if conn == nil {
		return
	}
	conn.Send(ev, sessionSendTimeout)
}

func (c *Cell) Stop() {
	c.stopOnce.Do(func() { close(c.doneCh) })
}
