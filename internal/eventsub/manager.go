package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/misterballzach/chattyplus-eventsub/internal/events"
)

// ManagerConfig bundles the dependencies and tunables Manager needs.
type ManagerConfig struct {
	Pool     PoolConfig
	API      APIClient
	Cache    idCache // optional, nil disables on-disk id persistence
	Listener Listener
	Bus      *events.Bus // optional; Publish is a no-op on a nil *Bus
	Logger   *slog.Logger

	// TransportFactory builds a fresh Transport for each Session. Tests
	// inject a fake; production wiring supplies NewTransport.
	TransportFactory func() Transport
}

// Manager is the top-level object the rest of the application talks
// to. It accepts listen/unlisten commands keyed by high-level
// intent, drives the IdResolver, and pushes ready Subscriptions into the
// ConnectionPool.
type Manager struct {
	cfg      ManagerConfig
	pool     *ConnectionPool
	resolver *IdResolver
	listener Listener
	bus      *events.Bus
	logger   *slog.Logger
	raid     *raidDeduper

	mu               sync.Mutex
	localLogin       string
	desired          map[TopicKey]struct{}
	attemptInFlight  map[TopicKey]struct{}
	placedSession    map[TopicKey]int
	placedServerID   map[TopicKey]string
	serverIDToKey    map[string]TopicKey
	resolveRequested map[string]struct{}
}

// NewManager constructs a Manager ready to Start.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Listener == nil {
		cfg.Listener = noopListener{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		cfg:              cfg,
		resolver:         NewIdResolver(cfg.API, cfg.Cache),
		listener:         cfg.Listener,
		bus:              cfg.Bus,
		logger:           cfg.Logger,
		raid:             newRaidDeduper(),
		desired:          make(map[TopicKey]struct{}),
		attemptInFlight:  make(map[TopicKey]struct{}),
		placedSession:    make(map[TopicKey]int),
		placedServerID:   make(map[TopicKey]string),
		serverIDToKey:    make(map[string]TopicKey),
		resolveRequested: make(map[string]struct{}),
	}
	m.pool = NewConnectionPool(cfg.Pool, cfg.TransportFactory, cfg.API, m, m)
	return m
}

// Start begins the ConnectionPool's mailbox and opens the first Session.
func (m *Manager) Start(ctx context.Context) {
	m.pool.Start(ctx)
	m.pool.openSession(m.cfg.Pool.DefaultURI)
}

// Disconnect tears the Manager down: every Session task is cancelled
// cooperatively. This is the only way the Manager stops; no error kind
// tears it down on its own.
func (m *Manager) Disconnect() {
	m.pool.Stop()
	m.listener.StatusChanged("disconnected")
}

// Reconnect force-closes every Session; the Pool's normal reopen-with-
// backoff path re-establishes them, and previously placed Subscriptions
// flow back through onSubscriptionsLost/reconcile.
func (m *Manager) Reconnect() {
	m.pool.mu.Lock()
	sessions := append([]*Session(nil), m.pool.sessions...)
	m.pool.mu.Unlock()
	for _, s := range sessions {
		// closeFromWatchdog, unlike Close, reports SessionClosedEvent to
		// the Pool, which is what drives the reopen path.
		s.closeFromWatchdog(errors.New("manual reconnect"))
		if s.cancel != nil {
			s.cancel()
		}
	}
}

// IsConnected reports whether at least one Session is WELCOMED.
func (m *Manager) IsConnected() bool {
	m.pool.mu.Lock()
	defer m.pool.mu.Unlock()
	for _, s := range m.pool.sessions {
		if s.State() == SessionWelcomed {
			return true
		}
	}
	return false
}

// SetLocalUsername records the authenticated user's login, required
// before any topic variant needing moderator_user_id/user_id can become
// ready. Pending subscriptions automatically flush once resolution
// completes, via the IdResolver callback below.
func (m *Manager) SetLocalUsername(name string) {
	m.mu.Lock()
	m.localLogin = name
	delete(m.resolveRequested, name)
	m.mu.Unlock()
	m.requestResolve(name)
}

// TokenUpdated forces Sessions to rebuild authorization headers on
// subsequent API calls; existing subscriptions are not re-created.
// The concrete httpAPIClient reads its token via atomic.Value,
// so there is nothing for the Manager itself to mutate beyond recording
// the intent in the info channel.
func (m *Manager) TokenUpdated() {
	m.listener.Info("token updated; subsequent API calls will use the new token")
}

// StatusText is a free-form diagnostic string.
func (m *Manager) StatusText() string {
	m.pool.mu.Lock()
	n := len(m.pool.sessions)
	welcomed := 0
	for _, s := range m.pool.sessions {
		if s.State() == SessionWelcomed {
			welcomed++
		}
	}
	m.pool.mu.Unlock()

	m.mu.Lock()
	placed := len(m.placedSession)
	pending := len(m.desired) - placed
	m.mu.Unlock()

	return fmt.Sprintf("sessions=%d welcomed=%d placed=%d pending=%d", n, welcomed, placed, pending)
}

// TopicsText is a free-form diagnostic listing of desired TopicKeys.
func (m *Manager) TopicsText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for k := range m.desired {
		state := "pending"
		if _, ok := m.placedSession[k]; ok {
			state = "placed"
		}
		fmt.Fprintf(&b, "%s(%s)=%s\n", k.Kind.String(), k.ChannelLogin, state)
	}
	return b.String()
}

// --- listen/unlisten surface ---

func (m *Manager) listenOne(kind TopicKind, channel string) {
	key := TopicKey{Kind: kind, ChannelLogin: channel}
	m.mu.Lock()
	m.desired[key] = struct{}{}
	// A fresh listen retries a lookup that previously came back
	// not-found; the name may have become valid since.
	delete(m.resolveRequested, channel)
	m.mu.Unlock()
	m.reconcile()
}

func (m *Manager) unlistenOne(kind TopicKind, channel string) {
	key := TopicKey{Kind: kind, ChannelLogin: channel}
	m.mu.Lock()
	_, wasDesired := m.desired[key]
	delete(m.desired, key)
	delete(m.attemptInFlight, key)
	_, wasPlaced := m.placedSession[key]
	delete(m.placedSession, key)
	if sid, ok := m.placedServerID[key]; ok {
		delete(m.serverIDToKey, sid)
		delete(m.placedServerID, key)
	}
	m.mu.Unlock()

	if !wasDesired {
		return
	}
	if wasPlaced {
		m.pool.Remove(context.Background(), key)
	}
}

func (m *Manager) ListenRaid(channel string) {
	if m.raid.acquire(channel) {
		m.listenOne(TopicRaid, channel)
	}
}

func (m *Manager) UnlistenRaid(channel string) {
	if m.raid.release(channel) {
		m.unlistenOne(TopicRaid, channel)
	}
}

func (m *Manager) ListenPoll(channel string) {
	m.listenOne(TopicPollBegin, channel)
	m.listenOne(TopicPollEnd, channel)
}

func (m *Manager) UnlistenPoll(channel string) {
	m.unlistenOne(TopicPollBegin, channel)
	m.unlistenOne(TopicPollEnd, channel)
}

func (m *Manager) ListenShield(channel string) {
	m.listenOne(TopicShieldBegin, channel)
	m.listenOne(TopicShieldEnd, channel)
}

func (m *Manager) UnlistenShield(channel string) {
	m.unlistenOne(TopicShieldBegin, channel)
	m.unlistenOne(TopicShieldEnd, channel)
}

func (m *Manager) ListenShoutouts(channel string)   { m.listenOne(TopicShoutoutCreate, channel) }
func (m *Manager) UnlistenShoutouts(channel string) { m.unlistenOne(TopicShoutoutCreate, channel) }

func (m *Manager) ListenModActions(channel string)   { m.listenOne(TopicChannelModerate, channel) }
func (m *Manager) UnlistenModActions(channel string) { m.unlistenOne(TopicChannelModerate, channel) }

func (m *Manager) ListenAutomod(channel string) {
	m.listenOne(TopicAutomodHold, channel)
	m.listenOne(TopicAutomodUpdate, channel)
}

func (m *Manager) UnlistenAutomod(channel string) {
	m.unlistenOne(TopicAutomodHold, channel)
	m.unlistenOne(TopicAutomodUpdate, channel)
}

func (m *Manager) ListenSuspicious(channel string) {
	m.listenOne(TopicSuspiciousMessage, channel)
	m.listenOne(TopicSuspiciousUpdate, channel)
}

func (m *Manager) UnlistenSuspicious(channel string) {
	m.unlistenOne(TopicSuspiciousMessage, channel)
	m.unlistenOne(TopicSuspiciousUpdate, channel)
}

func (m *Manager) ListenWarnings(channel string) { m.listenOne(TopicWarningAcknowledge, channel) }
func (m *Manager) UnlistenWarnings(channel string) {
	m.unlistenOne(TopicWarningAcknowledge, channel)
}

// ListenMessageHeld is only meaningful when Config.EnableMessageHeld
// is set; the Manager itself does not gate it — the owning application
// decides whether to call it.
func (m *Manager) ListenMessageHeld(channel string)   { m.listenOne(TopicMessageHeld, channel) }
func (m *Manager) UnlistenMessageHeld(channel string) { m.unlistenOne(TopicMessageHeld, channel) }

func (m *Manager) ListenPoints(channel string) {
	m.listenOne(TopicPointsAdd, channel)
	m.listenOne(TopicPointsUpdate, channel)
}

func (m *Manager) UnlistenPoints(channel string) {
	m.unlistenOne(TopicPointsAdd, channel)
	m.unlistenOne(TopicPointsUpdate, channel)
}

// --- reconciliation ---

// idsFor resolves the broadcaster/local ids a TopicKey's kind needs,
// using the IdResolver's synchronous, non-blocking Lookup.
func (m *Manager) idsFor(key TopicKey) resolvedIDs {
	var ids resolvedIDs
	if bID, ok := m.resolver.Lookup(key.ChannelLogin); ok {
		ids.broadcasterID, ids.broadcasterOK = bID, true
	}
	m.mu.Lock()
	local := m.localLogin
	m.mu.Unlock()
	if local != "" {
		if lID, ok := m.resolver.Lookup(local); ok {
			ids.localID, ids.localOK = lID, true
		}
	}
	return ids
}

// reconcile runs one reconciliation pass: every pending-but-now-ready
// Subscription is attempted. Triggered by a newly resolved id
// (SetLocalUsername/listen kicking off WaitForId), a Session reaching
// WELCOMED (onSessionReady), and every listen/unlisten.
func (m *Manager) reconcile() {
	m.mu.Lock()
	candidates := make([]TopicKey, 0, len(m.desired))
	for key := range m.desired {
		if _, placed := m.placedSession[key]; placed {
			continue
		}
		if _, inFlight := m.attemptInFlight[key]; inFlight {
			continue
		}
		candidates = append(candidates, key)
	}
	m.mu.Unlock()

	for _, key := range candidates {
		m.tryResolveAndPlace(key)
	}
}

// requestResolve kicks off one id lookup per login. A login whose
// lookup came back not-found is not re-requested — the topic stays
// pending forever unless a later listen for it clears the guard (the
// name may have become valid by then). This keeps a permanently
// invalid name from turning every reconcile pass into an API call.
func (m *Manager) requestResolve(login string) {
	m.mu.Lock()
	if _, requested := m.resolveRequested[login]; requested {
		m.mu.Unlock()
		return
	}
	m.resolveRequested[login] = struct{}{}
	m.mu.Unlock()

	m.resolver.WaitForId(context.Background(), login, func(id string, ok bool) {
		m.publish(events.SourceResolver, events.KindIDResolved, map[string]any{"login": login, "id": id, "found": ok})
		m.reconcile()
	})
}

// tryResolveAndPlace kicks off id resolution for a key's requirements
// (if not already resolved/in flight) and attempts placement once ready.
func (m *Manager) tryResolveAndPlace(key TopicKey) {
	ids := m.idsFor(key)
	if !key.Kind.ready(ids) {
		// Kick off resolution for whatever is still missing; the
		// WaitForId callback re-runs reconcile, which will retry this
		// key once the id lands.
		if !ids.broadcasterOK {
			m.requestResolve(key.ChannelLogin)
		}
		if key.Kind.needsLocalID() && !ids.localOK {
			m.mu.Lock()
			local := m.localLogin
			m.mu.Unlock()
			if local != "" {
				m.requestResolve(local)
			}
		}
		return
	}

	// Record the placement before issuing the request so the create
	// callback (which may run before Place returns when the API client
	// responds synchronously) never races with this bookkeeping.
	m.mu.Lock()
	m.attemptInFlight[key] = struct{}{}
	m.placedSession[key] = 0
	m.mu.Unlock()

	err := m.pool.Place(context.Background(), key, ids, func(subscriptionID string, err error) {
		m.mu.Lock()
		delete(m.attemptInFlight, key)
		m.mu.Unlock()

		if err != nil {
			m.mu.Lock()
			delete(m.placedSession, key)
			m.mu.Unlock()
			if errors.Is(err, ErrRateLimited) {
				m.pool.noteRateLimited()
			}
			m.logger.Debug("eventsub: create_subscription failed", "topic", key.Kind.String(), "channel", key.ChannelLogin, "error", err)
			return
		}

		m.mu.Lock()
		_, stillDesired := m.desired[key]
		if stillDesired {
			m.placedServerID[key] = subscriptionID
			m.serverIDToKey[subscriptionID] = key
		}
		m.mu.Unlock()

		if !stillDesired {
			// Unlistened while the create was in flight. The unlisten
			// already stripped the session-side entry (before the server
			// id was known), so delete the confirmed subscription by id.
			m.cfg.API.DeleteSubscription(context.Background(), subscriptionID, func(error) {})
			return
		}
		m.publish(events.SourceManager, events.KindSubscriptionPlaced, map[string]any{
			"kind": key.Kind.String(), "channel": key.ChannelLogin, "cost": key.Kind.expectedCost(),
		})
	})
	if err != nil {
		m.mu.Lock()
		delete(m.attemptInFlight, key)
		delete(m.placedSession, key)
		m.mu.Unlock()
		// Capacity exhaustion is surfaced once per run by the Pool itself;
		// the key stays desired and silently queues.
	}
}

// --- poolObserver ---

func (m *Manager) onSessionReady() {
	m.listener.StatusChanged("connected")
	m.reconcile()
}

func (m *Manager) onSubscriptionsLost(keys []TopicKey) {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.placedSession, k)
		if sid, ok := m.placedServerID[k]; ok {
			delete(m.serverIDToKey, sid)
			delete(m.placedServerID, k)
		}
	}
	m.mu.Unlock()
	m.listener.StatusChanged("reconnecting")
	m.reconcile()
}

// --- connectionsHandler ---

func (m *Manager) onRecv(topicType string, payload json.RawMessage) {
	m.publish(events.SourceManager, events.KindNotification, map[string]any{"subscription_type": topicType})
	m.listener.Event(topicType, payload)
}

func (m *Manager) onSendInfo(text string) {
	m.listener.Info(text)
}

func (m *Manager) onRegisterError(key, detail string) {
	m.listener.Info(key + ": " + detail)
	m.publish(events.SourceManager, events.KindRateLimited, map[string]any{"detail": detail})
}

func (m *Manager) onRevoked(subscriptionID, status string) {
	m.mu.Lock()
	key, ok := m.serverIDToKey[subscriptionID]
	if ok {
		delete(m.serverIDToKey, subscriptionID)
		delete(m.placedServerID, key)
		delete(m.placedSession, key)
		delete(m.desired, key)
	}
	m.mu.Unlock()

	if ok {
		m.pool.Forget(key)
	}
	m.publish(events.SourceManager, events.KindRevocation, map[string]any{"subscription_id": subscriptionID, "status": status})
	if ok {
		m.listener.Info(fmt.Sprintf("subscription revoked: %s (%s) status=%s", key.Kind.String(), key.ChannelLogin, status))
	} else {
		m.listener.Info(fmt.Sprintf("subscription revoked: id=%s status=%s", subscriptionID, status))
	}
}

func (m *Manager) publish(source, kind string, data map[string]any) {
	m.bus.Publish(events.Event{Source: source, Kind: kind, Data: data})
}
