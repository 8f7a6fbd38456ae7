package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// GcmSender speaks the GCM-family HTTP API: POST one registration
// token with a data-only payload; the response carries a per-message
// result telling us whether the token is still alive.
type GcmSender struct {
	url    string
	apiKey string
	client *http.Client
}

func NewGcmSender(url, apiKey string) *GcmSender {
	return &GcmSender{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type gcmRequest struct {
	To   string            `json:"to"`
	Data map[string]string `json:"data"`
}

type gcmResponse struct {
	Failure int `json:"failure"`
	Results []struct {
		Error string `json:"error"`
	} `json:"results"`
}

func (s *GcmSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(gcmRequest{
		To:   n.Token,
		Data: map[string]string{"notification": ""},
	})
	if err != nil {
		return fmt.Errorf("gcm marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: gcm: %v", model.ErrGatewayTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to per-result inspection
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: gcm status %d", model.ErrGatewayTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: gcm credentials refused", model.ErrGatewayTransient)
	default:
		return fmt.Errorf("%w: gcm status %d", model.ErrGatewayRejected, resp.StatusCode)
	}

	var parsed gcmResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&parsed); err != nil {
		return fmt.Errorf("%w: gcm decode: %v", model.ErrGatewayTransient, err)
	}
	if parsed.Failure == 0 {
		return nil
	}
	for _, r := range parsed.Results {
		switch r.Error {
		case "NotRegistered", "InvalidRegistration", "MismatchSenderId":
			return fmt.Errorf("%w: gcm %s", model.ErrGatewayRejected, r.Error)
		case "Unavailable", "InternalServerError":
			return fmt.Errorf("%w: gcm %s", model.ErrGatewayTransient, r.Error)
		}
	}
	return fmt.Errorf("%w: gcm unspecified failure", model.ErrGatewayTransient)
}
