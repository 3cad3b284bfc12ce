package eventsub

import "encoding/json"

// Listener is the callback surface consumed by the rest of the
// application. Event is invoked only from the ConnectionPool's mailbox
// goroutine. Info and StatusChanged are also invoked from other
// goroutines (listen/unlisten callers, API callback goroutines, the
// reconnect-handoff goroutine, Disconnect and TokenUpdated), so calls
// are not serialized and an implementation must be safe for concurrent
// use.
type Listener interface {
	// Info reports a free-form diagnostic string, including wire-traffic
	// summaries and one-per-run notifications (rate limit, capacity
	// exhaustion).
	Info(text string)
	// Event reports a decoded notification payload for the given
	// subscription wire type (e.g. "channel.raid").
	Event(topicType string, payload json.RawMessage)
	// StatusChanged reports a free-form connectivity state summary
	// suitable for display.
	StatusChanged(summary string)
}

// connectionsHandler is the narrow callback surface a Session/Transport
// uses to report upward into the ConnectionPool. The Manager implements
// this and owns the only instance, passed into the Pool. Revocation
// gets its own method: it identifies its subscription only by
// server-assigned id, which does not fit the (topicType, payload)
// shape of onRecv without an artificial sentinel topic type.
type connectionsHandler interface {
	// onRecv is called once per inbound notification, already classified.
	onRecv(topicType string, payload json.RawMessage)
	// onSendInfo reports a diagnostic/info-channel string.
	onSendInfo(text string)
	// onRegisterError reports a non-fatal create-subscription failure
	// (HTTP 429 rate limiting) for one-per-run surfacing. Capacity
	// exhaustion is reported through onSendInfo instead.
	onRegisterError(key string, detail string)
	// onRevoked reports a server-initiated subscription removal.
	onRevoked(subscriptionID, status string)
}

// noopListener discards everything; used as a safe default when the
// caller does not supply one.
type noopListener struct{}

func (noopListener) Info(string)                   {}
func (noopListener) Event(string, json.RawMessage) {}
func (noopListener) StatusChanged(string)          {}
