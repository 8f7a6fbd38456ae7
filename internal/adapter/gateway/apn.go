package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// ApnSender speaks the APNs-provider-style HTTP API: one request per
// device token path, status codes carry the verdict. The voip token is
// preferred when present because it wakes the app reliably.
type ApnSender struct {
	url    string
	apiKey string
	client *http.Client
}

func NewApnSender(url, apiKey string) *ApnSender {
	return &ApnSender{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

const apnWakeupPayload = `{"aps":{"content-available":1}}`

func (s *ApnSender) Send(ctx context.Context, n Notification) error {
	token := n.Token
	if n.VoipToken != "" {
		token = n.VoipToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/3/device/%s", s.url, token),
		bytes.NewReader([]byte(apnWakeupPayload)),
	)
	if err != nil {
		return fmt.Errorf("apn request: %w", err)
	}
	req.Header.Set("Authorization", "bearer "+s.apiKey)
	req.Header.Set("apns-push-type", "background")
	req.Header.Set("apns-priority", "5")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: apn: %v", model.ErrGatewayTransient, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusGone, http.StatusBadRequest:
		// 410: token no longer valid for the topic. 400: malformed
		// token. Both mean the registry copy is stale.
		return fmt.Errorf("%w: apn status %d", model.ErrGatewayRejected, resp.StatusCode)
	default:
		return fmt.Errorf("%w: apn status %d", model.ErrGatewayTransient, resp.StatusCode)
	}
}
