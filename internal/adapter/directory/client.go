// Package directory is the read-mostly client for the external
// account/device registry. The core consumes push-capability flags as
// facts and writes back exactly one thing: clearing a token the
// gateway reported dead.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// Directoryer is the registry contract consumed by the push sender and
// the account-clear path.
type Directoryer interface {
	Lookup(ctx context.Context, addr model.DeviceAddress) (model.Device, error)
	Devices(ctx context.Context, account string) ([]model.Device, error)
	ClearToken(ctx context.Context, addr model.DeviceAddress, kind model.PushChannelKind) error
}

var _ Directoryer = (*Client)(nil)

type Client struct {
	baseURL string
	http    *http.Client
	// [HOT_PATH] device capability flags barely change; an LRU keeps
	// the per-envelope lookup off the network.
	cache *lru.Cache[string, model.Device]
}

func NewClient(baseURL string, cacheSize int) (*Client, error) {
	cache, err := lru.New[string, model.Device](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("directory cache: %w", err)
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		cache:   cache,
	}, nil
}

// deviceRecord is the wire shape served by the registry. The registry
// enforces gcm/apn mutual exclusivity; we fold the nullable fields into
// the PushChannel variant at the boundary.
type deviceRecord struct {
	DeviceID        int64  `json:"device_id"`
	FetchesMessages bool   `json:"fetches_messages"`
	GcmToken        string `json:"gcm_token,omitempty"`
	ApnToken        string `json:"apn_token,omitempty"`
	VoipApnToken    string `json:"voip_apn_token,omitempty"`
}

func (r deviceRecord) toDevice(account string) model.Device {
	addr := model.NewDeviceAddress(account, r.DeviceID)
	channel := model.NoPushChannel()
	switch {
	case r.GcmToken != "":
		channel = model.GcmChannel(r.GcmToken)
	case r.ApnToken != "":
		channel = model.ApnChannel(r.ApnToken, r.VoipApnToken)
	}
	return model.Device{
		Address:         addr,
		FetchesMessages: r.FetchesMessages,
		Channel:         channel,
	}
}

func (c *Client) Lookup(ctx context.Context, addr model.DeviceAddress) (model.Device, error) {
	if cached, ok := c.cache.Get(addr.Key()); ok {
		return cached, nil
	}

	var rec deviceRecord
	url := fmt.Sprintf("%s/v1/directory/%s/%d", c.baseURL, addr.Account, addr.DeviceID)
	if err := c.getJSON(ctx, url, &rec); err != nil {
		return model.Device{}, err
	}

	dev := rec.toDevice(addr.Account)
	c.cache.Add(addr.Key(), dev)
	return dev, nil
}

func (c *Client) Devices(ctx context.Context, account string) ([]model.Device, error) {
	var recs []deviceRecord
	url := fmt.Sprintf("%s/v1/directory/%s", c.baseURL, account)
	if err := c.getJSON(ctx, url, &recs); err != nil {
		return nil, err
	}

	devices := make([]model.Device, 0, len(recs))
	for _, rec := range recs {
		devices = append(devices, rec.toDevice(account))
	}
	return devices, nil
}

// ClearToken wipes a dead push token and invalidates the local cache
// entry so the next lookup observes the cleared state.
func (c *Client) ClearToken(ctx context.Context, addr model.DeviceAddress, kind model.PushChannelKind) error {
	url := fmt.Sprintf("%s/v1/directory/%s/%d/token/%s", c.baseURL, addr.Account, addr.DeviceID, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("directory clear token: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory clear token: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("directory clear token: status %d", resp.StatusCode)
	}

	c.cache.Remove(addr.Key())
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("directory request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return model.ErrUnknownAccount
	default:
		return fmt.Errorf("directory status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("directory decode: %w", err)
	}
	return nil
}
