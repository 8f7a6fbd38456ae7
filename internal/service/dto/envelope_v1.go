package dto

import (
	"encoding/base64"

	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// [BUS_V1] envelope payload published by the request-handling layer and
// by federation peers onto the msg.events exchange.
type EnvelopeV1 struct {
	MessageID          string `json:"message_id"`
	Type               string `json:"type"`
	SourceAccount      string `json:"source_account"`
	SourceDevice       int64  `json:"source_device"`
	DestinationAccount string `json:"destination_account"`
	DestinationDevice  int64  `json:"destination_device"`
	Content            string `json:"content,omitempty"` // base64 ciphertext
	ServerTimestamp    int64  `json:"server_timestamp"`
}

func (d *EnvelopeV1) ToDomain() *model.Envelope {
	content, err := base64.StdEncoding.DecodeString(d.Content)
	if err != nil {
		content = nil // opaque blob; a broken encoding is a broken blob
	}

	return &model.Envelope{
		ID:              d.MessageID,
		Type:            parseType(d.Type),
		Source:          model.NewDeviceAddress(d.SourceAccount, d.SourceDevice),
		Destination:     model.NewDeviceAddress(d.DestinationAccount, d.DestinationDevice),
		Content:         content,
		ServerTimestamp: d.ServerTimestamp,
	}
}

func parseType(s string) model.EnvelopeType {
	switch s {
	case "receipt":
		return model.EnvelopeReceipt
	case "keyexchange":
		return model.EnvelopeKeyExchange
	default:
		return model.EnvelopeNormal
	}
}
