// Package duplex implements the per-language duplex channel to the
// conversational service: a WebSocket carrying raw PCM16 audio in binary
// frames and JSON control messages in text frames.
//
// A [Conn] is bound to one language for its whole life and walks the states
// Idle → Connecting → Open → Closing → Closed exactly once. A language change
// is always a new Conn. There is no automatic reconnect.
//
// Conn is driven from a single event loop. Its methods must be called from
// that loop; network I/O runs on internal goroutines that post their results
// back through the executor given to [New]. Every [Handler] callback runs on
// the loop and identifies its Conn, so the owner can ignore callbacks from
// connections it has already replaced.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/voxlink/internal/observe"
)

const (
	defaultDialTimeout       = 10 * time.Second
	defaultReadLimit         = 1 << 20
	defaultSendBuffer        = 64
	defaultKeepaliveInterval = 20 * time.Second
	keepaliveTimeout         = 5 * time.Second
)

var (
	// ErrNotOpen is returned by Send* outside the Open state.
	ErrNotOpen = errors.New("duplex: connection not open")

	// ErrBackpressure is returned when the outbound queue is full. The frame
	// is dropped; frames already queued keep their order.
	ErrBackpressure = errors.New("duplex: send buffer full")
)

// ── States ────────────────────────────────────────────────────────────────────

// State is the lifecycle state of a [Conn].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ── Close reasons ─────────────────────────────────────────────────────────────

// CloseReason describes why a connection ended.
type CloseReason struct {
	Code        websocket.StatusCode
	Text        string
	Intentional bool
}

// Intentional close reasons sent to the service.
var (
	ReasonStop           = CloseReason{Code: websocket.StatusNormalClosure, Text: "User requested session stop.", Intentional: true}
	ReasonLanguageChange = CloseReason{Code: websocket.StatusNormalClosure, Text: "Language changed by user", Intentional: true}
	ReasonTeardown       = CloseReason{Code: websocket.StatusNormalClosure, Text: "client shutting down", Intentional: true}
)

func (r CloseReason) String() string {
	if r.Text == "" {
		return fmt.Sprintf("%d", r.Code)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Text)
}

// Clean reports whether the closure was intentional or the service ended the
// channel with a normal close code.
func (r CloseReason) Clean() bool {
	return r.Intentional || r.Code == websocket.StatusNormalClosure || r.Code == websocket.StatusGoingAway
}

// ConnectionError reports a failed dial or a transport failure on an open
// connection.
type ConnectionError struct {
	Language string
	Op       string // "dial", "read" or "write"
	Code     websocket.StatusCode
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("duplex: %s %s: %v", e.Language, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ── Configuration ─────────────────────────────────────────────────────────────

// Config holds connection settings shared by every Conn of a session.
type Config struct {
	// URL is the service endpoint (ws:// or wss://). The language is added as
	// the "lang" query parameter.
	URL string

	// DialTimeout bounds the handshake. Default: 10s.
	DialTimeout time.Duration

	// ReadLimit is the largest inbound message accepted, in bytes.
	// Default: 1 MiB.
	ReadLimit int64

	// SendBuffer is the outbound queue depth in frames. Default: 64.
	SendBuffer int

	// KeepaliveInterval is the ping period while open. Default: 20s.
	// Negative disables pings.
	KeepaliveInterval time.Duration

	// Header is sent with the handshake request.
	Header http.Header

	// HTTPClient overrides the client used for the handshake.
	HTTPClient *http.Client

	// Metrics receives connection metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = defaultKeepaliveInterval
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	return c
}

// EndpointURL returns base with the lang query parameter set to language.
func EndpointURL(base, language string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("duplex: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("duplex: unsupported url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("lang", language)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── Conn ──────────────────────────────────────────────────────────────────────

// Handler receives connection events on the owning loop.
type Handler interface {
	// OnOpen is called once when the handshake succeeds.
	OnOpen(c *Conn)

	// OnBinary is called for every inbound binary frame while open.
	OnBinary(c *Conn, data []byte)

	// OnText is called for every inbound text frame while open.
	OnText(c *Conn, data []byte)

	// OnClosed is called exactly once per opened or dialled connection when it
	// reaches Closed. err is a *[ConnectionError] for dial and transport
	// failures and nil for intentional closes.
	OnClosed(c *Conn, reason CloseReason, err error)
}

// Executor schedules fn on the owning loop. It returns false when the loop
// has shut down and fn will never run.
type Executor func(fn func()) bool

type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

var connIDs atomic.Uint64

// Conn is one duplex channel bound to a language.
type Conn struct {
	id       uint64
	cfg      Config
	language string
	exec     Executor
	h        Handler
	log      *slog.Logger

	// Owned by the loop.
	state  State
	ws     *websocket.Conn
	reason CloseReason
	cause  error
	opened bool

	ctx     context.Context
	cancel  context.CancelFunc
	out     chan outFrame
	closing chan struct{}
	wg      sync.WaitGroup
}

// New creates an idle connection for language.
func New(cfg Config, language string, exec Executor, h Handler) *Conn {
	id := connIDs.Add(1)
	return &Conn{
		id:       id,
		cfg:      cfg.withDefaults(),
		language: language,
		exec:     exec,
		h:        h,
		log:      slog.With("conn", id, "language", language),
	}
}

// ID returns a process-unique connection number.
func (c *Conn) ID() uint64 { return c.id }

// Language returns the language the connection was created for.
func (c *Conn) Language() string { return c.language }

// State returns the current lifecycle state.
func (c *Conn) State() State { return c.state }

// Reason returns the close reason once the connection is Closing or Closed.
func (c *Conn) Reason() CloseReason { return c.reason }

// Err returns the failure that closed the connection, if any.
func (c *Conn) Err() error { return c.cause }

// Open starts the handshake. The outcome is reported through
// [Handler.OnOpen] or [Handler.OnClosed]. ctx carries values (trace context)
// into the dial; cancelling it does not close the connection, use Close.
func (c *Conn) Open(ctx context.Context) error {
	if c.state != StateIdle {
		return fmt.Errorf("duplex: open in state %s", c.state)
	}
	endpoint, err := EndpointURL(c.cfg.URL, c.language)
	if err != nil {
		c.state = StateClosed
		return &ConnectionError{Language: c.language, Op: "dial", Err: err}
	}

	c.state = StateConnecting
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.out = make(chan outFrame, c.cfg.SendBuffer)
	c.closing = make(chan struct{})

	c.log.Info("duplex: connecting", "url", endpoint)
	go c.dial(endpoint)
	return nil
}

// dial runs off-loop.
func (c *Conn) dial(endpoint string) {
	ctx, span := observe.StartDialSpan(c.ctx, c.id, c.language)
	defer span.End()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	start := time.Now()
	ws, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPHeader: c.cfg.Header,
		HTTPClient: c.cfg.HTTPClient,
	})
	cancel()
	c.cfg.Metrics.DialDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
	}
	if !c.exec(func() { c.dialed(ws, err) }) && ws != nil {
		ws.CloseNow()
	}
}

func (c *Conn) dialed(ws *websocket.Conn, err error) {
	if err != nil {
		if c.state == StateConnecting {
			c.state = StateClosing
			c.reason = CloseReason{Code: websocket.StatusAbnormalClosure, Text: "dial failed"}
			c.cause = &ConnectionError{Language: c.language, Op: "dial", Err: err}
			c.cfg.Metrics.RecordConnection(c.ctx, c.language, "failed")
			c.log.Warn("duplex: dial failed", "err", err)
		}
		c.finish()
		return
	}

	if c.state != StateConnecting {
		// Closed while the handshake was in flight.
		reason := c.reason
		go func() {
			_ = ws.Close(reason.Code, reason.Text)
			c.exec(c.finish)
		}()
		return
	}

	ws.SetReadLimit(c.cfg.ReadLimit)
	c.ws = ws
	c.state = StateOpen
	c.opened = true
	c.cfg.Metrics.ActiveConnections.Add(c.ctx, 1)
	c.cfg.Metrics.RecordConnection(c.ctx, c.language, "opened")
	c.log.Info("duplex: open")

	c.wg.Add(2)
	go c.readLoop(ws)
	go c.writeLoop(ws)
	if c.cfg.KeepaliveInterval > 0 {
		c.wg.Add(1)
		go c.keepaliveLoop(ws)
	}
	c.h.OnOpen(c)
}

// SendBinary queues one binary frame.
func (c *Conn) SendBinary(data []byte) error { return c.send(websocket.MessageBinary, data) }

// SendText queues one text frame.
func (c *Conn) SendText(data []byte) error { return c.send(websocket.MessageText, data) }

func (c *Conn) send(typ websocket.MessageType, data []byte) error {
	if c.state != StateOpen {
		return ErrNotOpen
	}
	select {
	case c.out <- outFrame{typ: typ, data: data}:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close ends the connection with reason. From Connecting the pending
// handshake is abandoned; from Open a close frame carrying reason is sent.
// Completion is reported via [Handler.OnClosed]. Close is idempotent.
func (c *Conn) Close(reason CloseReason) {
	switch c.state {
	case StateIdle:
		c.state = StateClosed
		c.reason = reason
	case StateConnecting:
		c.state = StateClosing
		c.reason = reason
		c.cancel()
		c.log.Info("duplex: abandoning handshake", "reason", reason.Text)
	case StateOpen:
		c.beginClose(reason, nil)
	}
}

// beginClose moves an open connection to Closing and shuts it down off-loop.
func (c *Conn) beginClose(reason CloseReason, cause error) {
	c.state = StateClosing
	c.reason = reason
	c.cause = cause
	close(c.closing)
	close(c.out)
	c.log.Info("duplex: closing", "reason", reason.String(), "intentional", reason.Intentional)
	go c.shutdown(c.ws, reason)
}

// shutdown runs off-loop: it performs the close handshake, waits for the I/O
// goroutines and reports Closed.
func (c *Conn) shutdown(ws *websocket.Conn, reason CloseReason) {
	code, text := reason.Code, reason.Text
	if !reason.Intentional {
		code, text = websocket.StatusGoingAway, "transport failure"
	}
	if err := ws.Close(code, text); err != nil && websocket.CloseStatus(err) == -1 {
		c.log.Debug("duplex: close handshake", "err", err)
	}
	c.cancel()
	c.wg.Wait()
	c.exec(c.finish)
}

// fail handles a transport error reported by an I/O goroutine.
func (c *Conn) fail(op string, err error) {
	if c.state != StateOpen {
		return
	}
	code := websocket.CloseStatus(err)
	text := "connection lost"
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		text = ce.Reason
	}
	if code == -1 {
		code = websocket.StatusAbnormalClosure
	}
	cerr := &ConnectionError{Language: c.language, Op: op, Code: code, Err: err}
	c.beginClose(CloseReason{Code: code, Text: text}, cerr)
}

func (c *Conn) finish() {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if c.opened {
		c.cfg.Metrics.ActiveConnections.Add(c.ctx, -1)
		outcome := "closed"
		if !c.reason.Clean() {
			outcome = "lost"
		}
		c.cfg.Metrics.RecordConnection(c.ctx, c.language, outcome)
	}
	c.log.Info("duplex: closed", "reason", c.reason.String())
	c.h.OnClosed(c, c.reason, c.cause)
}

// ── I/O goroutines ────────────────────────────────────────────────────────────

func (c *Conn) readLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		typ, data, err := ws.Read(c.ctx)
		if err != nil {
			c.exec(func() { c.fail("read", err) })
			return
		}
		switch typ {
		case websocket.MessageBinary:
			c.exec(func() {
				if c.state == StateOpen {
					c.h.OnBinary(c, data)
				}
			})
		case websocket.MessageText:
			c.exec(func() {
				if c.state == StateOpen {
					c.h.OnText(c, data)
				}
			})
		}
	}
}

func (c *Conn) writeLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	for f := range c.out {
		select {
		case <-c.closing:
			return
		default:
		}
		if err := ws.Write(c.ctx, f.typ, f.data); err != nil {
			c.exec(func() { c.fail("write", err) })
			return
		}
	}
}

// keepaliveLoop pings the service so idle connections survive proxies.
func (c *Conn) keepaliveLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.closing:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := ws.Ping(pingCtx); err != nil {
				c.log.Debug("duplex: ping failed", "err", err)
			}
			cancel()
		}
	}
}
