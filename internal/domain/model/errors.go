package model

import "errors"

// Delivery error taxonomy. Transient conditions (cache, store, gateway
// hiccups) are recovered by retry or by the fallback sweep; only
// bounded validation failures propagate to callers.
var (
	// ErrCacheUnavailable: the shared cache could not be reached.
	// Callers retry with backoff; the envelope is never silently dropped.
	ErrCacheUnavailable = errors.New("shared cache unavailable")

	// ErrStoreUnavailable: the durable mailbox could not be reached.
	// Fatal only for synchronous reads with no hot-cache fallback; the
	// deferred persist job retries indefinitely.
	ErrStoreUnavailable = errors.New("durable mailbox unavailable")

	// ErrGatewayRejected: push token invalid or expired. Triggers a
	// registry token-clear, never a retry.
	ErrGatewayRejected = errors.New("push gateway rejected token")

	// ErrGatewayTransient: gateway hiccup. Retried only by the next
	// fallback sweep, never inline.
	ErrGatewayTransient = errors.New("push gateway transient failure")

	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownAddress  = errors.New("unknown device address")
	ErrUnknownAccount  = errors.New("unknown account")
)
