package eventsub

import (
	"context"
	"strconv"
	"sync"
)

// fakeTransport is a test double for Transport. Connect/Reconnect succeed
// unless connectErr is set, and synthesize a TransportOpened event, mirroring wsTransport's
// real behavior; tests drive the rest of the state machine by pushing
// frames and disconnects onto the event channel.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	lastURI    string
	sent       []string
	closed     bool
	closeErr   error
	connectErr error

	events chan TransportEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan TransportEvent, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.lastURI = uri
	f.events <- TransportEvent{Kind: TransportOpened}
	return nil
}

func (f *fakeTransport) Reconnect(ctx context.Context, uri string) error {
	return f.Connect(ctx, uri)
}

func (f *fakeTransport) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return f.closeErr
}

func (f *fakeTransport) Events() <-chan TransportEvent {
	return f.events
}

// pushFrame injects an inbound websocket text frame.
func (f *fakeTransport) pushFrame(raw string) {
	f.events <- TransportEvent{Kind: TransportMessage, Message: []byte(raw)}
}

// pushDisconnected synthesizes a terminal transport failure.
func (f *fakeTransport) pushDisconnected(cause error) {
	f.events <- TransportEvent{Kind: TransportDisconnected, Cause: cause}
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// autoWelcomeTransport wraps fakeTransport and immediately synthesizes a
// session_welcome frame after every successful Connect/Reconnect, so
// ConnectionPool-level tests don't need to reach into individual
// Sessions to drive them to WELCOMED.
type autoWelcomeTransport struct {
	*fakeTransport
	sessionID        string
	keepaliveSeconds int
}

func newAutoWelcomeTransportFactory(keepaliveSeconds int, nextSessionID func() string) func() Transport {
	return func() Transport {
		return &autoWelcomeTransport{
			fakeTransport:    newFakeTransport(),
			sessionID:        nextSessionID(),
			keepaliveSeconds: keepaliveSeconds,
		}
	}
}

func (a *autoWelcomeTransport) Connect(ctx context.Context, uri string) error {
	if err := a.fakeTransport.Connect(ctx, uri); err != nil {
		return err
	}
	a.pushFrame(welcomeFrame(a.sessionID, a.keepaliveSeconds))
	return nil
}

func (a *autoWelcomeTransport) Reconnect(ctx context.Context, uri string) error {
	return a.Connect(ctx, uri)
}

// fakeAPIClient is a controllable APIClient test double covering
// create/delete/id-lookup/list-subscriptions. Create outcomes are
// scriptable per call via createQueue; id lookups answer from setID and
// report not-found for unregistered logins; everything else succeeds.
type fakeAPIClient struct {
	mu sync.Mutex

	createCalls []CreateSubscriptionRequest
	deleteCalls []string

	// createQueue, if set, is consulted (by Type) to decide the result of
	// the next CreateSubscription call for that wire type. A queue allows
	// scripting a sequence of outcomes (e.g. first call 429, second ok).
	createQueue map[string][]func() (CreateSubscriptionResponse, error)
	nextSubID   int

	idResponses map[string]struct {
		id string
		ok bool
	}
}

func newFakeAPIClient() *fakeAPIClient {
	return &fakeAPIClient{
		createQueue: make(map[string][]func() (CreateSubscriptionResponse, error)),
		idResponses: make(map[string]struct {
			id string
			ok bool
		}),
	}
}

func (f *fakeAPIClient) setID(login, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idResponses[login] = struct {
		id string
		ok bool
	}{id, true}
}

// queueCreateOutcome schedules the next CreateSubscription call for
// wireType to produce the given outcome.
func (f *fakeAPIClient) queueCreateOutcome(wireType string, fn func() (CreateSubscriptionResponse, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createQueue[wireType] = append(f.createQueue[wireType], fn)
}

func (f *fakeAPIClient) WaitForID(ctx context.Context, login string, cb func(id string, ok bool)) {
	f.mu.Lock()
	resp, ok := f.idResponses[login]
	f.mu.Unlock()
	if !ok {
		cb("", false)
		return
	}
	cb(resp.id, resp.ok)
}

func (f *fakeAPIClient) GetSubscriptions(ctx context.Context, cb func([]SubscriptionInfo, error)) {
	cb(nil, nil)
}

func (f *fakeAPIClient) DeleteSubscription(ctx context.Context, id string, cb func(error)) {
	f.mu.Lock()
	f.deleteCalls = append(f.deleteCalls, id)
	f.mu.Unlock()
	cb(nil)
}

func (f *fakeAPIClient) CreateSubscription(ctx context.Context, body CreateSubscriptionRequest, cb func(CreateSubscriptionResponse, error)) {
	f.mu.Lock()
	f.createCalls = append(f.createCalls, body)
	var fn func() (CreateSubscriptionResponse, error)
	if q := f.createQueue[body.Type]; len(q) > 0 {
		fn = q[0]
		f.createQueue[body.Type] = q[1:]
	}
	f.nextSubID++
	subID := strconv.Itoa(f.nextSubID)
	f.mu.Unlock()

	if fn != nil {
		resp, err := fn()
		cb(resp, err)
		return
	}
	cb(CreateSubscriptionResponse{ID: "sub-" + subID}, nil)
}

func (f *fakeAPIClient) createCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.createCalls)
}

func (f *fakeAPIClient) deleteCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleteCalls)
}
