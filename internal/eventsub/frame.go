package eventsub

import "encoding/json"

// Inbound frame message types.
const (
	messageTypeWelcome    = "session_welcome"
	messageTypeKeepalive  = "session_keepalive"
	messageTypeNotify     = "notification"
	messageTypeReconnect  = "session_reconnect"
	messageTypeRevocation = "revocation"
)

// frameEnvelope is the outer shape of every inbound JSON text frame.
type frameEnvelope struct {
	Metadata frameMetadata   `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type frameMetadata struct {
	MessageType      string `json:"message_type"`
	SubscriptionType string `json:"subscription_type"`
}

type welcomePayload struct {
	Session struct {
		ID                      string `json:"id"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	} `json:"session"`
}

type reconnectPayload struct {
	Session struct {
		ReconnectURL string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Event json.RawMessage `json:"event"`
}

type revocationPayload struct {
	Subscription struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"subscription"`
}

// parseFrame decodes a raw websocket text frame into its envelope.
func parseFrame(raw []byte) (frameEnvelope, error) {
	var env frameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return frameEnvelope{}, err
	}
	return env, nil
}

// unmarshalPayload decodes a frame's payload into dst, tolerating an
// empty payload (keepalive frames carry no payload fields of interest).
func unmarshalPayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
