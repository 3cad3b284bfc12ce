package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// TransportEventKind distinguishes the asynchronous events a Transport
// posts upward: failures surface as asynchronous disconnected
// events, never as errors thrown from a later Send.
type TransportEventKind int

const (
	TransportOpened TransportEventKind = iota
	TransportMessage
	TransportDisconnected
)

// TransportEvent is one item on a Transport's event channel.
type TransportEvent struct {
	Kind    TransportEventKind
	Message []byte // valid when Kind == TransportMessage
	Cause   error  // valid when Kind == TransportDisconnected
}

// Transport maintains one websocket to a configured URI and exposes
// send/receive/lifecycle events. One instance per Session.
type Transport interface {
	// Connect dials uri and, on success, starts the background read
	// loop. Returns once the dial (not the protocol handshake — EventSub
	// has none beyond the server's unsolicited welcome frame) completes.
	Connect(ctx context.Context, uri string) error
	// Send writes a single text frame. Ordered within a connection; not
	// safe to call concurrently with itself.
	Send(text string) error
	// Close tears down the underlying connection. reason is used only
	// for logging.
	Close(reason string) error
	// Reconnect dials a new URI (or the same one, for plain keepalive
	// failures) on a *new* underlying connection. Any queued send from
	// before Reconnect is dropped.
	Reconnect(ctx context.Context, uri string) error
	// Events returns the channel carrying TransportOpened, TransportMessage,
	// and TransportDisconnected events, in receive order.
	Events() <-chan TransportEvent
}

// TransportOptions configures a wsTransport's dialer.
type TransportOptions struct {
	// SocksProxyAddr, if set, routes the dial through a SOCKS5 proxy
	// (host:port). Optional — configured for operators behind an egress
	// proxy, never required.
	SocksProxyAddr string
	// ReadBufferSize/WriteBufferSize size the underlying gorilla/websocket
	// dialer buffers. Defaults are sized generously for notification
	// payloads.
	ReadBufferSize  int
	WriteBufferSize int
	// MaxMessageBytes caps SetReadLimit; defaults to 1MB.
	MaxMessageBytes int64
	Logger          *slog.Logger
}

func (o TransportOptions) withDefaults() TransportOptions {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 64 * 1024
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 16 * 1024
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1024 * 1024
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// wsTransport is the concrete Transport backed by gorilla/websocket:
// a connMu-guarded connection pointer plus a dedicated read-loop
// goroutine.
type wsTransport struct {
	opts TransportOptions

	connMu sync.Mutex
	conn   *websocket.Conn

	events chan TransportEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTransport creates a Transport ready to Connect.
func NewTransport(opts TransportOptions) Transport {
	return &wsTransport{
		opts:   opts.withDefaults(),
		events: make(chan TransportEvent, 32),
		closed: make(chan struct{}),
	}
}

func (t *wsTransport) dialer() *websocket.Dialer {
	d := &websocket.Dialer{
		ReadBufferSize:   t.opts.ReadBufferSize,
		WriteBufferSize:  t.opts.WriteBufferSize,
		HandshakeTimeout: 15 * time.Second,
	}
	if t.opts.SocksProxyAddr != "" {
		if dialer, err := proxy.SOCKS5("tcp", t.opts.SocksProxyAddr, nil, proxy.Direct); err == nil {
			d.NetDial = dialer.Dial
		} else {
			t.opts.Logger.Warn("eventsub: failed to configure socks5 proxy, dialing directly",
				"proxy", t.opts.SocksProxyAddr, "error", err)
		}
	}
	return d
}

func (t *wsTransport) Connect(ctx context.Context, uri string) error {
	if _, err := url.Parse(uri); err != nil {
		return fmt.Errorf("parse transport uri: %w", err)
	}

	conn, _, err := t.dialer().DialContext(ctx, uri, nil)
	if err != nil {
		return fmt.Errorf("dial eventsub websocket: %w", err)
	}
	conn.SetReadLimit(t.opts.MaxMessageBytes)

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	go t.readLoop(conn)

	select {
	case t.events <- TransportEvent{Kind: TransportOpened}:
	default:
	}
	return nil
}

func (t *wsTransport) Reconnect(ctx context.Context, uri string) error {
	t.connMu.Lock()
	old := t.conn
	t.conn = nil
	t.connMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return t.Connect(ctx, uri)
}

func (t *wsTransport) Send(text string) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("eventsub: transport not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (t *wsTransport) Close(reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.connMu.Lock()
		conn := t.conn
		t.conn = nil
		t.connMu.Unlock()
		if conn != nil {
			t.opts.Logger.Debug("eventsub: closing transport", "reason", reason)
			err = conn.Close()
		}
	})
	return err
}

func (t *wsTransport) Events() <-chan TransportEvent {
	return t.events
}

// readLoop reads frames until the connection errs or is closed, then
// posts a single TransportDisconnected event.
func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.postEvent(TransportEvent{Kind: TransportDisconnected, Cause: err})
			return
		}
		t.postEvent(TransportEvent{Kind: TransportMessage, Message: data})
	}
}

func (t *wsTransport) postEvent(e TransportEvent) {
	select {
	case t.events <- e:
	case <-t.closed:
	}
}
