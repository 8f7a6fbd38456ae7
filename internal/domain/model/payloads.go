package model

const ServerVersion = "1.2.0"

// ConnectedPayload is sent to the client right after a successful
// session attach, before any queued envelopes are drained.
type ConnectedPayload struct {
	Ok            bool   `json:"ok"`
	ConnectionID  string `json:"connection_id"`
	ServerVersion string `json:"server_version"`
}

// DisconnectedPayload is the final frame sent before the server closes
// the session. Code is one of "SHUTDOWN", "EVICTED", "TIMEOUT".
type DisconnectedPayload struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}
