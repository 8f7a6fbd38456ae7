package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/textsecure/message-delivery-service/internal/domain/event"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// Hubber defines the gateway for device session management and event routing.
//
// HasLocal is an authoritative fact about THIS process only; whether an
// address is connected anywhere else in the fleet is learned exclusively
// through the presence pub/sub protocol, never from shared state.
type Hubber interface {
	Broadcast(ev event.Eventer) bool
	Register(conn Connector)
	Unregister(addr model.DeviceAddress, connID uuid.UUID)
	EvictOther(addr model.DeviceAddress, keep uuid.UUID, attachedBefore time.Time) bool
	HasLocal(addr model.DeviceAddress) bool
	Len() int
	Shutdown()
}

type hubConfig struct {
	evictionInterval time.Duration
	idleTimeout      time.Duration
	mailboxSize      int
}

// Hub is the per-process session registry. Every connected device
// address owns one Cell; lookups are lock-free via sync.Map.
type Hub struct {
	// cells stores Map[model.DeviceAddress]Celler. Optimized for
	// [READ_HEAVY] workloads: one Load per inbound event.
	cells  sync.Map
	config hubConfig
	doneCh chan struct{}
	once   sync.Once
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			evictionInterval: 15 * time.Minute,
			idleTimeout:      30 * time.Minute,
			mailboxSize:      512,
		},
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	// [JANITOR] reclaims cells left behind by sessions that never
	// detached cleanly (e.g. a panicking transport goroutine).
	go h.janitor()
	return h
}

func (h *Hub) HasLocal(addr model.DeviceAddress) bool {
	val, ok := h.cells.Load(addr)
	if !ok {
		return false
	}
	cell, ok := val.(Celler)
	return ok && cell.HasSession()
}

// Broadcast routes an event to the cell owning its address. Returns
// false on a local miss or a saturated mailbox; the caller decides
// whether that means "fall back to push".
func (h *Hub) Broadcast(ev event.Eventer) bool {
	if val, ok := h.cells.Load(ev.GetAddress()); ok {
		if cell, ok := val.(Celler); ok {
			return cell.Push(ev)
		}
	}
	return false
}

// Register attaches a session, creating the cell lazily. A prior local
// session for the same address is evicted first: one local session per
// address is an invariant, not a race to be tolerated.
func (h *Hub) Register(conn Connector) {
	addr := conn.GetAddress()
	val, _ := h.cells.LoadOrStore(addr, NewCell(addr, h.config.mailboxSize))

	if cell, ok := val.(Celler); ok {
		cell.Attach(conn)
	}
}

// Unregister performs [GRACEFUL_RECLAMATION] when a session ends. Safe
// to call for an address with no registration, and for a connID that
// has already been replaced by a newer session.
func (h *Hub) Unregister(addr model.DeviceAddress, connID uuid.UUID) {
	if val, ok := h.cells.Load(addr); ok {
		if cell, ok := val.(Celler); ok {
			// If no session left, purge the cell from memory.
			if cell.Detach(connID) {
				cell.Stop()
				h.cells.Delete(addr)
			}
		}
	}
}

// EvictOther closes a local session for addr that is neither keep nor
// newer than attachedBefore. Driven by the presence takeover protocol:
// the newest attach fleet-wide wins.
func (h *Hub) EvictOther(addr model.DeviceAddress, keep uuid.UUID, attachedBefore time.Time) bool {
	if val, ok := h.cells.Load(addr); ok {
		if cell, ok := val.(Celler); ok {
			return cell.EvictOther(keep, attachedBefore)
		}
	}
	return false
}

func (h *Hub) Len() int {
	n := 0
	h.cells.Range(func(_, val any) bool {
		if cell, ok := val.(Celler); ok && cell.HasSession() {
			n++
		}
		return true
	})
	return n
}

func (h *Hub) janitor() {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.doneCh:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				if cell, ok := val.(Celler); ok && cell.IsIdle(h.config.idleTimeout) {
					cell.Stop()
					h.cells.Delete(key)
				}
				return true
			})
		}
	}
}

// Shutdown stops all cell goroutines and the janitor.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.doneCh) })
	h.cells.Range(func(key, val any) bool {
		if cell, ok := val.(Celler); ok {
			cell.Stop()
		}
		h.cells.Delete(key)
		return true
	})
}
