package service

import "sync/atomic"

// Counters are the process-local delivery metrics behind /v1/stats.
type Counters struct {
	Queued    atomic.Uint64
	Delivered atomic.Uint64
	Pushed    atomic.Uint64
	Expired   atomic.Uint64
	Receipts  atomic.Uint64
}

func NewCounters() *Counters {
	return &Counters{}
}
