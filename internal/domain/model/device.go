package model

type PushChannelKind int16

const (
	ChannelNone PushChannelKind = iota + 1
	ChannelGcm
	ChannelApn
)

func (k PushChannelKind) String() string {
	switch k {
	case ChannelGcm:
		return "gcm"
	case ChannelApn:
		return "apn"
	default:
		return "none"
	}
}

func ParsePushChannelKind(s string) PushChannelKind {
	switch s {
	case "gcm":
		return ChannelGcm
	case "apn":
		return ChannelApn
	default:
		return ChannelNone
	}
}

// PushChannel is a tagged variant: None | Gcm(token) | Apn(token, voip).
// The registry guarantees gcm/apn mutual exclusivity; modeling the pair
// as a variant instead of nullable fields makes the inconsistent state
// unrepresentable here.
type PushChannel struct {
	kind      PushChannelKind
	token     string
	voipToken string
}

func NoPushChannel() PushChannel {
	return PushChannel{kind: ChannelNone}
}

func GcmChannel(token string) PushChannel {
	if token == "" {
		return NoPushChannel()
	}
	return PushChannel{kind: ChannelGcm, token: token}
}

func ApnChannel(token, voipToken string) PushChannel {
	if token == "" {
		return NoPushChannel()
	}
	return PushChannel{kind: ChannelApn, token: token, voipToken: voipToken}
}

func (c PushChannel) Kind() PushChannelKind { return c.kind }
func (c PushChannel) Token() string         { return c.token }
func (c PushChannel) VoipToken() string     { return c.voipToken }

func (c PushChannel) IsNone() bool {
	return c.kind != ChannelGcm && c.kind != ChannelApn
}

// Device is the read-only capability view served by the external
// account/device registry.
type Device struct {
	Address         DeviceAddress
	FetchesMessages bool
	Channel         PushChannel
}
