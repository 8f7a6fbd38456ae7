package model

type EnvelopeType int16

const (
	// [ZERO_VALUE_GUARD] start from 1 to distinguish from uninitialized data
	EnvelopeNormal EnvelopeType = iota + 1
	EnvelopeReceipt
	EnvelopeKeyExchange
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeNormal:
		return "normal"
	case EnvelopeReceipt:
		return "receipt"
	case EnvelopeKeyExchange:
		return "keyexchange"
	default:
		return "unknown"
	}
}

// Envelope is one opaque ciphertext message unit addressed to a device.
// The server never looks inside Content; identity is ID and duplicates
// with the same ID are idempotently ignored on enqueue.
type Envelope struct {
	ID              string        `json:"id"`
	Type            EnvelopeType  `json:"type"`
	Source          DeviceAddress `json:"source"`
	Destination     DeviceAddress `json:"destination"`
	Content         []byte        `json:"content,omitempty"`
	ServerTimestamp int64         `json:"server_timestamp"`
}

// Validate rejects the small class of unrecoverable inputs; everything
// else is a transient condition handled downstream.
func (e *Envelope) Validate() error {
	if e == nil || e.ID == "" {
		return ErrInvalidEnvelope
	}
	if e.Destination.Account == "" || e.Destination.DeviceID <= 0 {
		return ErrUnknownAddress
	}
	if e.Type < EnvelopeNormal || e.Type > EnvelopeKeyExchange {
		return ErrInvalidEnvelope
	}
	return nil
}
