// Package transport maintains the websocket connection to the chat backend.
//
// A [Client] dials, reads and reconnects in [Client.Run]. Outbound messages
// go through [Client.Send], which enqueues JSON frames for a single writer
// goroutine per connection so that frames reach the wire in call order.
// While no connection is open Send returns [ErrNotOpen] and nothing is
// buffered across reconnects.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/internal/resilience"
)

var (
	// ErrNotOpen is returned by [Client.Send] while the connection is not open.
	ErrNotOpen = errors.New("transport: connection not open")

	// ErrQueueFull is returned by [Client.Send] when the writer falls behind by
	// more than the send buffer.
	ErrQueueFull = errors.New("transport: send queue full")
)

// State is the connection lifecycle as observed by the rest of the app.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	defaultSendBuffer = 1024
	defaultReadLimit  = 32 << 20
	writeTimeout      = 10 * time.Second
)

// typed is implemented by outbound messages that know their wire type.
type typed interface {
	MessageType() string
}

// Option configures a [Client].
type Option func(*Client)

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.backoff = resilience.Backoff{Initial: initial, Max: max}
	}
}

// WithCircuitBreaker replaces the breaker that guards dialing.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = cfg }
}

// WithMetrics records connection and message metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSendBuffer sets how many frames may wait for the writer.
func WithSendBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.sendBuffer = n
		}
	}
}

// WithDialOptions passes options through to [websocket.Dial].
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) { c.dialOpts = opts }
}

// Client is a reconnecting websocket client. All methods are safe for
// concurrent use.
type Client struct {
	url        string
	dialOpts   *websocket.DialOptions
	backoff    resilience.Backoff
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
	sendBuffer int
	metrics    *observe.Metrics

	mu        sync.Mutex
	state     State
	connID    string
	queue     chan []byte
	onMessage func([]byte)
	listeners []func(State)
}

// New returns a Client for url. Call [Client.Run] to connect.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		backoff:    resilience.Backoff{Initial: time.Second, Max: 30 * time.Second},
		breakerCfg: resilience.CircuitBreakerConfig{Name: "backend-dial"},
		sendBuffer: defaultSendBuffer,
	}
	for _, o := range opts {
		o(c)
	}
	cfg := c.breakerCfg
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to resilience.State) {
		slog.Warn("transport: dial breaker state changed", "breaker", name, "from", from, "to", to)
		if c.metrics != nil {
			c.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		}
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	c.breaker = resilience.NewCircuitBreaker(cfg)
	return c
}

// OnMessage sets the handler for inbound frames. It runs on the read
// goroutine, so frames are handled in arrival order and the handler must not
// block for long.
func (c *Client) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnStateChange registers fn to be called after every state change.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID identifies the current connection in logs. It is empty while
// no connection is open.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// IsOpen reports whether frames passed to Send will be written.
func (c *Client) IsOpen() bool {
	return c.State() == StateOpen
}

// Send marshals v as JSON and queues it for the writer.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}

	c.mu.Lock()
	if c.state != StateOpen || c.queue == nil {
		c.mu.Unlock()
		return ErrNotOpen
	}
	select {
	case c.queue <- data:
	default:
		c.mu.Unlock()
		return ErrQueueFull
	}
	c.mu.Unlock()

	if c.metrics != nil {
		msgType := "unknown"
		if t, ok := v.(typed); ok {
			msgType = t.MessageType()
		}
		c.metrics.RecordMessage(context.Background(), "out", msgType)
	}
	return nil
}

// Run connects and keeps the connection alive until ctx is cancelled. It
// always returns nil after cancellation.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateClosed)
	for {
		c.setState(StateConnecting)

		var conn *websocket.Conn
		err := c.breaker.Execute(func() error {
			var dialErr error
			conn, _, dialErr = websocket.Dial(ctx, c.url, c.dialOpts)
			return dialErr
		})
		if err == nil {
			c.backoff.Reset()
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.setState(StateClosed)

		delay := c.backoff.Next()
		slog.Warn("transport: connection lost, retrying", "url", c.url, "err", err, "retry_in", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// serve runs one connection until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(defaultReadLimit)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := uuid.NewString()
	log := slog.With("conn", id)
	queue := make(chan []byte, c.sendBuffer)
	c.mu.Lock()
	c.queue = queue
	c.connID = id
	c.mu.Unlock()
	c.setState(StateOpen)
	log.Info("transport: connected", "url", c.url)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(connCtx, log, conn, queue, cancel)
	}()

	err := c.readLoop(connCtx, conn)

	c.setState(StateClosing)
	cancel()
	wg.Wait()
	if closeErr := conn.Close(websocket.StatusNormalClosure, ""); closeErr != nil {
		log.Debug("transport: close", "err", closeErr)
	}
	c.mu.Lock()
	c.connID = ""
	c.mu.Unlock()
	return err
}

func (c *Client) writeLoop(ctx context.Context, log *slog.Logger, conn *websocket.Conn, queue <-chan []byte, abort context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-queue:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				log.Warn("transport: write failed", "err", err)
				abort()
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	if prev == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	if s != StateOpen {
		c.queue = nil
	}
	listeners := make([]func(State), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	if c.metrics != nil {
		switch {
		case s == StateOpen:
			c.metrics.Connected.Add(context.Background(), 1)
		case prev == StateOpen:
			c.metrics.Connected.Add(context.Background(), -1)
		}
	}
	for _, fn := range listeners {
		fn(s)
	}
}
