package wsmarshaller

import (
	"encoding/base64"

	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// WSEnvelope is the client-facing wire shape of a queued envelope. The
// destination is omitted: the session itself IS the destination.
type WSEnvelope struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	SourceAccount   string `json:"source_account,omitempty"`
	SourceDevice    int64  `json:"source_device,omitempty"`
	Content         string `json:"content,omitempty"` // base64 ciphertext
	ServerTimestamp int64  `json:"server_timestamp"`
}

func mapEnvelope(env *model.Envelope) *WSEnvelope {
	return &WSEnvelope{
		ID:              env.ID,
		Type:            env.Type.String(),
		SourceAccount:   env.Source.Account,
		SourceDevice:    env.Source.DeviceID,
		Content:         base64.StdEncoding.EncodeToString(env.Content),
		ServerTimestamp: env.ServerTimestamp,
	}
}
