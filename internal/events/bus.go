// Package events provides a publish/subscribe event bus for operational
// observability of the EventSub subscription manager. The Manager
// publishes events, each tagged with the Source it concerns, to
// subscribers (a debug log tail, a future metrics collector). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from a single Session's state machine.
	SourceSession = "session"
	// SourcePool identifies events from the ConnectionPool.
	SourcePool = "pool"
	// SourceResolver identifies events from the IdResolver.
	SourceResolver = "resolver"
	// SourceManager identifies events from the top-level Manager.
	SourceManager = "manager"
)

// Kind constants describe the type of event within a source.
const (
	// KindWelcomed signals a Session received session_welcome.
	// Data: session_index, session_id, keepalive_seconds.
	KindWelcomed = "welcomed"
	// KindKeepaliveTimeout signals a Session's watchdog expired.
	// Data: session_index, session_id.
	KindKeepaliveTimeout = "keepalive_timeout"
	// KindReconnectRequested signals a session_reconnect frame arrived.
	// Data: session_index, reconnect_url.
	KindReconnectRequested = "reconnect_requested"
	// KindReconnectComplete signals handoff to the replacement Session finished.
	// Data: old_session_index, new_session_index, subscriptions_moved.
	KindReconnectComplete = "reconnect_complete"
	// KindTransportDisconnected signals the underlying transport dropped.
	// Data: session_index, error.
	KindTransportDisconnected = "transport_disconnected"

	// KindSubscriptionPlaced signals a Subscription was placed on a Session.
	// Data: kind, channel, cost.
	KindSubscriptionPlaced = "subscription_placed"
	// KindSubscriptionRemoved signals a Subscription was removed (unlisten or revocation).
	// Data: kind, channel_login, reason.
	KindSubscriptionRemoved = "subscription_removed"
	// KindCapacityExhausted signals every Session is at its cost cap.
	// Data: sessions, budget.
	KindCapacityExhausted = "capacity_exhausted"
	// KindRateLimited signals an HTTP 429 on create-subscription.
	// Data: detail.
	KindRateLimited = "rate_limited"
	// KindRevocation signals the server revoked a subscription.
	// Data: subscription_id, status.
	KindRevocation = "revocation"

	// KindIDResolved signals a login resolved to an id (or failed to).
	// Data: login, id, found.
	KindIDResolved = "id_resolved"

	// KindNotification signals a decoded notification was dispatched.
	// Data: subscription_type.
	KindNotification = "notification"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
