package model

import "time"

// HubStats is the observability snapshot served on /v1/stats and
// rendered by the monitor command.
type HubStats struct {
	ActiveSessions     int           `json:"active_sessions"`
	Uptime             time.Duration `json:"uptime"`
	EnvelopesQueued    uint64        `json:"envelopes_queued"`
	EnvelopesDelivered uint64        `json:"envelopes_delivered"`
	PushesDispatched   uint64        `json:"pushes_dispatched"`
	FallbacksExpired   uint64        `json:"fallbacks_expired"`
	ReceiptsSent       uint64        `json:"receipts_sent"`
}
