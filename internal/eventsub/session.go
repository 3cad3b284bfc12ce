package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/misterballzach/chattyplus-eventsub/internal/config"
)

// SessionState tracks where a Session is in its lifecycle.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionWelcomed
	SessionReconnecting
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionWelcomed:
		return "welcomed"
	case SessionReconnecting:
		return "reconnecting"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionEventKind enumerates what a Session reports upward to the
// ConnectionPool's mailbox.
type SessionEventKind int

const (
	SessionWelcomedEvent SessionEventKind = iota
	SessionReconnectRequestedEvent
	SessionClosedEvent
	SessionNotificationEvent
	SessionRevocationEvent
)

// SessionEvent is one item the Pool's mailbox consumes from a Session.
type SessionEvent struct {
	Kind SessionEventKind
	// SessionIndex identifies which Session emitted this event.
	SessionIndex int

	// Welcomed
	KeepaliveSeconds int

	// ReconnectRequested
	ReconnectURL string

	// Notification
	TopicType string
	Payload   []byte

	// Revocation
	SubscriptionID string
	Status         string

	// Closed
	Cause error
}

// SessionConfig configures timing for a single Session.
type SessionConfig struct {
	WelcomeTimeout time.Duration
	KeepaliveGrace time.Duration
	CostBudget     int
	Logger         *slog.Logger
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.WelcomeTimeout <= 0 {
		c.WelcomeTimeout = 15 * time.Second
	}
	if c.KeepaliveGrace <= 0 {
		c.KeepaliveGrace = 10 * time.Second
	}
	if c.CostBudget <= 0 {
		c.CostBudget = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// placedSub tracks a Subscription placed on this Session.
type placedSub struct {
	key            TopicKey
	cost           int
	ids            resolvedIDs
	subscriptionID string // server-assigned, empty until create_subscription responds
}

// SessionPlacement is an exported snapshot of one placedSub, used by the
// ConnectionPool to rebuild creates on the replacement Session during
// reconnect handoff.
type SessionPlacement struct {
	Key  TopicKey
	Cost int
	IDs  resolvedIDs
}

// Session wraps a Transport and owns the EventSub session-level state
// machine (connecting, welcomed, reconnecting, closed), keepalive
// watchdog, and the server-assigned session_id.
type Session struct {
	Index     int
	transport Transport
	api       APIClient
	cfg       SessionConfig
	out       chan<- SessionEvent // Pool's fan-in mailbox channel

	mu        sync.Mutex
	state     SessionState
	sessionID string
	usedCost  int
	placed    map[TopicKey]*placedSub

	welcomeTimer   *time.Timer
	watchdog       *time.Timer
	watchdogWindow time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a Session bound to transport, reporting events onto
// out. index is the local session index, stable for the process.
func NewSession(index int, transport Transport, api APIClient, cfg SessionConfig, out chan<- SessionEvent) *Session {
	return &Session{
		Index:     index,
		transport: transport,
		api:       api,
		cfg:       cfg.withDefaults(),
		out:       out,
		state:     SessionConnecting,
		placed:    make(map[TopicKey]*placedSub),
		done:      make(chan struct{}),
	}
}

// Open connects the underlying Transport and begins awaiting a welcome
// frame.
func (s *Session) Open(ctx context.Context, uri string) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.transport.Connect(ctx, uri); err != nil {
		cancel()
		return fmt.Errorf("session %d: %w", s.Index, err)
	}

	s.mu.Lock()
	s.welcomeTimer = time.AfterFunc(s.cfg.WelcomeTimeout, func() { s.onWelcomeTimeout() })
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

// State returns the Session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the server-assigned session_id, or "" before welcome.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// UsedCost returns the sum of expected costs of Subscriptions currently
// placed on this Session.
func (s *Session) UsedCost() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedCost
}

// PlacedCount returns the number of Subscriptions currently placed.
func (s *Session) PlacedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.placed)
}

// PlacedKeys returns a snapshot of every TopicKey currently placed on
// this Session, used by the Pool when the Session closes to hand the
// lost keys back to the Manager.
func (s *Session) PlacedKeys() []TopicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]TopicKey, 0, len(s.placed))
	for k := range s.placed {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns every placed Subscription's key, cost, and resolved
// ids, used by the Pool to rebuild creates on a replacement Session
// during reconnect handoff.
func (s *Session) Snapshot() []SessionPlacement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionPlacement, 0, len(s.placed))
	for _, p := range s.placed {
		out = append(out, SessionPlacement{Key: p.key, Cost: p.cost, IDs: p.ids})
	}
	return out
}

// Place is invoked by the Pool: returns ErrSessionClosed, ErrNoSessionID,
// or ErrCostExceeded without touching the network when the Session is
// closed, not welcomed, or over budget; otherwise emits
// create_subscription with the current session_id and returns nil.
func (s *Session) Place(ctx context.Context, key TopicKey, cost int, ids resolvedIDs, done func(subscriptionID string, err error)) error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != SessionWelcomed {
		s.mu.Unlock()
		return ErrNoSessionID
	}
	if s.usedCost+cost > s.cfg.CostBudget {
		s.mu.Unlock()
		return ErrCostExceeded
	}
	sessionID := s.sessionID
	s.usedCost += cost
	s.placed[key] = &placedSub{key: key, cost: cost, ids: ids}
	s.mu.Unlock()

	body := buildCreateBody(key.Kind, ids, sessionID)
	s.api.CreateSubscription(ctx, body, func(resp CreateSubscriptionResponse, err error) {
		if err != nil {
			s.mu.Lock()
			delete(s.placed, key)
			s.usedCost -= cost
			s.mu.Unlock()
			if done != nil {
				done("", err)
			}
			return
		}
		s.mu.Lock()
		if p, ok := s.placed[key]; ok {
			p.subscriptionID = resp.ID
		}
		s.mu.Unlock()
		if done != nil {
			done(resp.ID, nil)
		}
	})
	return nil
}

// Remove is invoked by the Pool: if the subscription has a known
// server-side id, emits delete_subscription.
func (s *Session) Remove(ctx context.Context, key TopicKey) {
	s.mu.Lock()
	p, ok := s.placed[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.placed, key)
	s.usedCost -= p.cost
	subID := p.subscriptionID
	s.mu.Unlock()

	if subID != "" {
		s.api.DeleteSubscription(ctx, subID, func(err error) {
			if err != nil {
				s.cfg.Logger.Warn("eventsub: delete_subscription failed",
					"session", s.Index, "subscription_id", subID, "error", err)
			}
		})
	}
}

// Forget drops a placed subscription without issuing a delete request,
// used when the server has already revoked it. Reports whether the key
// was placed here.
func (s *Session) Forget(key TopicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.placed[key]
	if !ok {
		return false
	}
	delete(s.placed, key)
	s.usedCost -= p.cost
	return true
}

// Close tears down the Session's Transport and cancels its run loop.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionClosed
	s.stopTimersLocked()
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	_ = s.transport.Close(reason)
}

func (s *Session) stopTimersLocked() {
	if s.welcomeTimer != nil {
		s.welcomeTimer.Stop()
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
}

// run consumes Transport events until the context is cancelled or the
// Transport reports a terminal disconnect.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.transport.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case TransportOpened:
				// Welcome timer is already armed from Open(); nothing else to do.
			case TransportMessage:
				s.onFrame(ev.Message)
			case TransportDisconnected:
				s.onTransportClosed(ev.Cause)
				return
			}
		}
	}
}

// onFrame classifies an inbound frame by message_type and drives the
// state transitions.
func (s *Session) onFrame(raw []byte) {
	s.cfg.Logger.Log(context.Background(), config.LevelTrace, "eventsub: raw frame", "session", s.Index, "frame", string(raw))

	env, err := parseFrame(raw)
	if err != nil {
		s.cfg.Logger.Warn("eventsub: malformed frame", "session", s.Index, "error", err)
		return
	}

	s.resetWatchdog()

	switch env.Metadata.MessageType {
	case messageTypeWelcome:
		var p welcomePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			s.cfg.Logger.Warn("eventsub: bad welcome payload", "session", s.Index, "error", err)
			return
		}
		s.onWelcome(p)
	case messageTypeKeepalive:
		// watchdog already reset above; nothing else to do.
	case messageTypeNotify:
		var p notificationPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			s.cfg.Logger.Warn("eventsub: bad notification payload", "session", s.Index, "error", err)
			return
		}
		s.emit(SessionEvent{
			Kind:         SessionNotificationEvent,
			SessionIndex: s.Index,
			TopicType:    env.Metadata.SubscriptionType,
			Payload:      p.Event,
		})
	case messageTypeReconnect:
		var p reconnectPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			s.cfg.Logger.Warn("eventsub: bad reconnect payload", "session", s.Index, "error", err)
			return
		}
		s.mu.Lock()
		s.state = SessionReconnecting
		s.mu.Unlock()
		s.emit(SessionEvent{Kind: SessionReconnectRequestedEvent, SessionIndex: s.Index, ReconnectURL: p.Session.ReconnectURL})
	case messageTypeRevocation:
		var p revocationPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			s.cfg.Logger.Warn("eventsub: bad revocation payload", "session", s.Index, "error", err)
			return
		}
		s.emit(SessionEvent{
			Kind:           SessionRevocationEvent,
			SessionIndex:   s.Index,
			SubscriptionID: p.Subscription.ID,
			Status:         p.Subscription.Status,
		})
	default:
		s.cfg.Logger.Info("eventsub: unknown frame message_type, ignoring",
			"session", s.Index, "message_type", env.Metadata.MessageType)
	}
}

func (s *Session) onWelcome(p welcomePayload) {
	s.mu.Lock()
	if s.welcomeTimer != nil {
		s.welcomeTimer.Stop()
	}
	s.state = SessionWelcomed
	s.sessionID = p.Session.ID
	keepalive := p.Session.KeepaliveTimeoutSeconds
	s.mu.Unlock()

	s.armWatchdog(keepalive)
	s.emit(SessionEvent{Kind: SessionWelcomedEvent, SessionIndex: s.Index, KeepaliveSeconds: keepalive})
}

func (s *Session) armWatchdog(keepaliveSeconds int) {
	window := time.Duration(keepaliveSeconds)*2*time.Second + s.cfg.KeepaliveGrace
	if window <= 0 {
		window = s.cfg.KeepaliveGrace
	}
	s.mu.Lock()
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.watchdogWindow = window
	s.watchdog = time.AfterFunc(window, s.onWatchdogExpired)
	s.mu.Unlock()
}

func (s *Session) resetWatchdog() {
	s.mu.Lock()
	wd := s.watchdog
	window := s.watchdogWindow
	s.mu.Unlock()
	if wd != nil && window > 0 {
		// Best-effort reset; a race with expiry firing is harmless since
		// onWatchdogExpired itself checks state before closing.
		wd.Reset(window)
	}
}

func (s *Session) onWelcomeTimeout() {
	s.mu.Lock()
	if s.state != SessionConnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.cfg.Logger.Warn("eventsub: welcome timeout, closing session", "session", s.Index)
	s.closeFromWatchdog(fmt.Errorf("welcome timeout"))
}

func (s *Session) onWatchdogExpired() {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.cfg.Logger.Warn("eventsub: keepalive watchdog expired, closing session", "session", s.Index)
	s.closeFromWatchdog(fmt.Errorf("keepalive watchdog expired"))
}

func (s *Session) onTransportClosed(cause error) {
	s.closeFromWatchdog(cause)
}

func (s *Session) closeFromWatchdog(cause error) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionClosed
	s.stopTimersLocked()
	s.mu.Unlock()

	_ = s.transport.Close("watchdog")
	s.emit(SessionEvent{Kind: SessionClosedEvent, SessionIndex: s.Index, Cause: cause})
}

func (s *Session) emit(e SessionEvent) {
	if s.out == nil {
		return
	}
	select {
	case s.out <- e:
	default:
		// Mailbox full: drop rather than block the Session's own
		// goroutine. The Pool's channel is sized generously; a full
		// channel indicates a stuck mailbox, which is a bug elsewhere.
		s.cfg.Logger.Error("eventsub: pool mailbox full, dropping session event",
			"session", s.Index, "kind", e.Kind)
	}
}
