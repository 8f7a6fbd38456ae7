package model

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceAddress is the routing key for every queue, subscription and
// fallback entry: one account number plus one registered device id.
type DeviceAddress struct {
	Account  string
	DeviceID int64
}

func NewDeviceAddress(account string, deviceID int64) DeviceAddress {
	return DeviceAddress{Account: account, DeviceID: deviceID}
}

// ParseDeviceAddress reverses Key(). Used when addresses travel through
// Redis keys and bus routing metadata.
func ParseDeviceAddress(key string) (DeviceAddress, error) {
	idx := strings.LastIndex(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return DeviceAddress{}, fmt.Errorf("%w: %q", ErrUnknownAddress, key)
	}

	deviceID, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return DeviceAddress{}, fmt.Errorf("%w: %q", ErrUnknownAddress, key)
	}

	return DeviceAddress{Account: key[:idx], DeviceID: deviceID}, nil
}

func (a DeviceAddress) Key() string {
	return fmt.Sprintf("%s:%d", a.Account, a.DeviceID)
}

// QueueKey is the shared-cache list holding the device's hot FIFO queue.
func (a DeviceAddress) QueueKey() string {
	return fmt.Sprintf("queue:%s:%d", a.Account, a.DeviceID)
}

// QueueIndexKey is the companion set used for enqueue idempotence.
func (a DeviceAddress) QueueIndexKey() string {
	return a.QueueKey() + ":ids"
}

// PresenceChannel is the per-address pub/sub channel. Every process
// holding a live session for this address subscribes here; publishing
// returns the number of listening sessions cluster-wide.
func (a DeviceAddress) PresenceChannel() string {
	return fmt.Sprintf("presence:%s:%d", a.Account, a.DeviceID)
}

// FallbackKey is the per-address hash carrying retry bookkeeping.
func (a DeviceAddress) FallbackKey() string {
	return fmt.Sprintf("fallback:%s:%d", a.Account, a.DeviceID)
}

func (a DeviceAddress) IsZero() bool {
	return a.Account == "" && a.DeviceID == 0
}

func (a DeviceAddress) String() string { return a.Key() }
