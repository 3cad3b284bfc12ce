package eventsub

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/misterballzach/chattyplus-eventsub/internal/backoff"
)

// PoolConfig controls the ConnectionPool's sharding and capacity
// behavior.
type PoolConfig struct {
	// CostBudget is the per-session cost budget B.
	CostBudget int
	// MaxSessions is the hard cap on concurrent Sessions.
	MaxSessions int
	// DefaultURI is the transport URI for freshly opened Sessions (not
	// reconnect handoffs, which use the server-supplied reconnect_url).
	DefaultURI string
	Session    SessionConfig
	Backoff    backoff.Config
	Logger     *slog.Logger
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.CostBudget <= 0 {
		c.CostBudget = 10
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// poolObserver carries the lifecycle signals the Manager needs beyond
// the notification surface in connectionsHandler: when a Session becomes
// placement-ready, and when a Session is lost with Subscriptions still
// on it (so the Manager can move them back to PendingTopics and
// reconcile). This is internal wiring, not part of the application-
// facing Listener contract.
type poolObserver interface {
	onSessionReady()
	onSubscriptionsLost(keys []TopicKey)
}

// ConnectionPool owns a dynamic set of Sessions, shards Subscriptions
// across them under the per-session cost budget, and forwards inbound
// notifications to the Manager.
type ConnectionPool struct {
	cfg          PoolConfig
	transportNew func() Transport
	api          APIClient
	handler      connectionsHandler
	observer     poolObserver

	mu              sync.Mutex
	sessions        []*Session
	nextIndex       int
	reopenBackoff   *backoff.Backoff
	rateLimitedOnce bool
	capacityOnce    bool

	mailbox chan SessionEvent
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConnectionPool creates an idle pool. transportNew constructs a
// fresh Transport for each new Session (allowing tests to inject fakes).
func NewConnectionPool(cfg PoolConfig, transportNew func() Transport, api APIClient, handler connectionsHandler, observer poolObserver) *ConnectionPool {
	cfg = cfg.withDefaults()
	return &ConnectionPool{
		cfg:           cfg,
		transportNew:  transportNew,
		api:           api,
		handler:       handler,
		observer:      observer,
		reopenBackoff: backoff.New(cfg.Backoff),
		mailbox:       make(chan SessionEvent, 256),
	}
}

// Start begins the Pool's mailbox goroutine. Must be called before any
// Session is opened.
func (p *ConnectionPool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.mailboxLoop()
}

// Stop cancels every Session and the mailbox goroutine cooperatively;
// outstanding HTTP callbacks complete and become no-ops.
func (p *ConnectionPool) Stop() {
	p.mu.Lock()
	sessions := append([]*Session(nil), p.sessions...)
	p.sessions = nil
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close("pool stopped")
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// SessionCount reports how many Sessions the Pool currently owns, for
// diagnostics and tests.
func (p *ConnectionPool) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Place shards one Subscription onto the first Session (in creation
// order) whose used cost plus this one's expected cost fits the budget,
// opening a new Session up to MaxSessions if none fit. Returns
// ErrCapacityExhausted if the hard cap is reached and no Session
// accepts; the Pool surfaces a single notification for that case and
// does not retry automatically.
func (p *ConnectionPool) Place(ctx context.Context, key TopicKey, ids resolvedIDs, done func(subscriptionID string, err error)) error {
	cost := key.Kind.expectedCost()

	p.mu.Lock()
	var connecting bool
	for _, s := range p.sessions {
		switch s.State() {
		case SessionWelcomed:
			if s.UsedCost()+cost <= p.cfg.CostBudget {
				chosen := s
				p.mu.Unlock()
				return chosen.Place(ctx, key, cost, ids, done)
			}
		case SessionConnecting:
			connecting = true
		}
	}
	belowCap := len(p.sessions) < p.cfg.MaxSessions
	p.mu.Unlock()

	if connecting {
		// A Session is already on its way to WELCOMED; wait for it
		// rather than opening a redundant one (onSessionReady will
		// trigger a retry).
		return ErrNoSessionID
	}

	if belowCap {
		p.openSession(p.cfg.DefaultURI)
		// The new Session is not yet WELCOMED; the caller's topic stays
		// pending-but-ready and is retried by the Manager's reconcile on
		// the next onSessionReady signal.
		return ErrNoSessionID
	}

	p.mu.Lock()
	already := p.capacityOnce
	p.capacityOnce = true
	p.mu.Unlock()
	if !already {
		p.handler.onSendInfo("session.eventsub.capacity: all sessions at cost cap, further listens will queue")
	}
	return ErrCapacityExhausted
}

// Remove deletes the Subscription for key from whichever Session has it
// placed, if any.
func (p *ConnectionPool) Remove(ctx context.Context, key TopicKey) {
	p.mu.Lock()
	sessions := append([]*Session(nil), p.sessions...)
	p.mu.Unlock()
	for _, s := range sessions {
		s.Remove(ctx, key)
	}
}

// Forget drops the Subscription for key from whichever Session has it
// placed without emitting a delete request; used for server-initiated
// revocations, where the subscription is already gone upstream.
func (p *ConnectionPool) Forget(key TopicKey) {
	p.mu.Lock()
	sessions := append([]*Session(nil), p.sessions...)
	p.mu.Unlock()
	for _, s := range sessions {
		if s.Forget(key) {
			return
		}
	}
}

// openSession creates and opens a new Session against uri, appending it
// to the pool under lock.
func (p *ConnectionPool) openSession(uri string) *Session {
	p.mu.Lock()
	idx := p.nextIndex
	p.nextIndex++
	p.mu.Unlock()

	sess := NewSession(idx, p.transportNew(), p.api, p.cfg.Session, p.mailbox)

	p.mu.Lock()
	p.sessions = append(p.sessions, sess)
	p.mu.Unlock()

	if uri == "" {
		uri = p.cfg.DefaultURI
	}
	if err := sess.Open(p.ctx, uri); err != nil {
		p.cfg.Logger.Error("eventsub: failed to open session", "session", idx, "error", err)
		p.removeSession(sess)
		p.scheduleReopen(uri)
	}
	return sess
}

func (p *ConnectionPool) removeSession(target *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.sessions {
		if s == target {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			return
		}
	}
}

// scheduleReopen reopens a replacement Session after an exponential
// backoff delay. The delay grows across consecutive reopens and resets
// on the next successful welcome.
func (p *ConnectionPool) scheduleReopen(uri string) {
	p.mu.Lock()
	delay := p.reopenBackoff.Next()
	p.mu.Unlock()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if !backoff.Sleep(p.ctx, delay) {
			return
		}
		p.openSession(uri)
	}()
}

// mailboxLoop is the Pool's single owning goroutine: every mutation of
// Sessions happens here, serialized.
func (p *ConnectionPool) mailboxLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.mailbox:
			p.handleEvent(ev)
		}
	}
}

func (p *ConnectionPool) handleEvent(ev SessionEvent) {
	switch ev.Kind {
	case SessionWelcomedEvent:
		p.mu.Lock()
		p.reopenBackoff.Reset()
		p.mu.Unlock()
		p.handler.onSendInfo("session welcomed: session=" + strconv.Itoa(ev.SessionIndex) + " keepalive=" + strconv.Itoa(ev.KeepaliveSeconds) + "s")
		p.observer.onSessionReady()

	case SessionNotificationEvent:
		p.handler.onRecv(ev.TopicType, ev.Payload)

	case SessionRevocationEvent:
		p.handler.onRevoked(ev.SubscriptionID, ev.Status)

	case SessionReconnectRequestedEvent:
		p.handleReconnect(ev)

	case SessionClosedEvent:
		p.handleClosed(ev)
	}
}

// handleReconnect performs the reconnect handoff: open the replacement
// Session to the server-supplied URL; on its welcome, re-submit creates
// for every Subscription placed on the old Session, then close the old
// Session. Events received on the old Session between reconnect and
// close are still dispatched (the old Session keeps running normally
// until explicitly closed below).
func (p *ConnectionPool) handleReconnect(ev SessionEvent) {
	p.mu.Lock()
	var old *Session
	for _, s := range p.sessions {
		if s.Index == ev.SessionIndex {
			old = s
			break
		}
	}
	p.mu.Unlock()
	if old == nil {
		return
	}

	replacement := p.openSession(ev.ReconnectURL)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if !p.waitForWelcome(replacement) {
			return
		}
		snapshot := old.Snapshot()
		for _, placement := range snapshot {
			_ = replacement.Place(p.ctx, placement.Key, placement.Cost, placement.IDs, nil)
		}
		old.Close("reconnect handoff complete")
		p.removeSession(old)
		p.handler.onSendInfo("reconnect handoff complete: old_session=" + strconv.Itoa(ev.SessionIndex) + " new_session=" + strconv.Itoa(replacement.Index))
	}()
}

// waitForWelcome polls until the Session reaches WELCOMED or CLOSED, or
// the Pool is stopped. Polling (rather than a dedicated per-Session
// channel) keeps the Session type free of handoff-specific plumbing; the
// interval is short because welcome is expected within seconds.
func (p *ConnectionPool) waitForWelcome(s *Session) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch s.State() {
		case SessionWelcomed:
			return true
		case SessionClosed:
			return false
		}
		select {
		case <-p.ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (p *ConnectionPool) handleClosed(ev SessionEvent) {
	p.mu.Lock()
	var dead *Session
	for _, s := range p.sessions {
		if s.Index == ev.SessionIndex {
			dead = s
			break
		}
	}
	p.mu.Unlock()
	if dead == nil {
		return
	}
	p.removeSession(dead)

	lost := dead.PlacedKeys()
	if len(lost) > 0 {
		p.observer.onSubscriptionsLost(lost)
	}
	// Re-open when the dead Session carried subscriptions or was the
	// last one standing, so a manual reconnect with nothing placed still
	// comes back.
	if len(lost) > 0 || p.SessionCount() == 0 {
		p.scheduleReopen(p.cfg.DefaultURI)
	}
}

// noteRateLimited surfaces the HTTP 429 create_subscription failure at
// most once per run.
func (p *ConnectionPool) noteRateLimited() {
	p.mu.Lock()
	already := p.rateLimitedOnce
	p.rateLimitedOnce = true
	p.mu.Unlock()
	if !already {
		p.handler.onRegisterError("session.eventsub.limit", "server rate-limited create_subscription (HTTP 429)")
	}
}
