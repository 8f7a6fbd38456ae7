package registry

import "time"

// Option defines a functional configuration type for the Hub.
type Option func(*Hub)

// WithEvictionInterval configures how often the [JANITOR] process runs
// to reclaim memory from inactive addresses.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.evictionInterval = d
	}
}

// WithIdleTimeout defines the [QUIET_PERIOD] after which a cell with no
// live session is eligible for eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.idleTimeout = d
	}
}

// WithMailboxSize sets the [BACKPRESSURE] threshold: the buffer
// capacity of each cell's mailbox.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		h.config.mailboxSize = size
	}
}
