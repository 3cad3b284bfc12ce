package eventsub

import "errors"

// Sentinel errors for subscription placement outcomes. None of these
// are fatal to the Manager — they are surfaced to the Listener or
// returned from a single call, never used to tear anything down.
var (
	// ErrNoSessionID is returned by Session.Place when the Session has
	// not yet reached WELCOMED (no session_id to bind the create to).
	ErrNoSessionID = errors.New("eventsub: session has no session_id yet")

	// ErrCostExceeded is returned by Session.Place when placing the
	// subscription would exceed the session's cost budget.
	ErrCostExceeded = errors.New("eventsub: session cost budget exceeded")

	// ErrCapacityExhausted is returned by ConnectionPool.Place when every
	// Session is at (or every slot up to the hard cap is at) its cost
	// cap and no Session can accept the subscription.
	ErrCapacityExhausted = errors.New("eventsub: all sessions at capacity")

	// ErrRateLimited marks a create-subscription call rejected with
	// HTTP 429.
	ErrRateLimited = errors.New("eventsub: server rate-limited create_subscription")

	// ErrIDNotFound names an id-lookup that the API collaborator
	// reported as not found. The resolver reports that case to its
	// callbacks as ok=false rather than returning this error, and the
	// pending Subscription simply stays pending.
	ErrIDNotFound = errors.New("eventsub: login not found")

	// ErrUnknownFrameType marks an inbound frame whose message_type this
	// package does not recognize. Logged and ignored.
	ErrUnknownFrameType = errors.New("eventsub: unknown frame message_type")

	// ErrSessionClosed is returned by operations attempted against a
	// Session that has already transitioned to CLOSED.
	ErrSessionClosed = errors.New("eventsub: session is closed")
)
