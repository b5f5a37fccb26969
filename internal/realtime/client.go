package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub events pushed by the broker
const (
	EventOrder    = "GatewayUserOrder"
	EventPosition = "GatewayUserPosition"
	EventTrade    = "GatewayUserTrade"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultBaseDelay        = time.Second
	defaultMaxDelay         = 30 * time.Second
	defaultKeepAlive        = 15 * time.Second
	invokeTimeout           = 10 * time.Second
)

var (
	ErrInvalidAccountID = errors.New("hub subscriptions require a numeric account id")
	ErrNotConnected     = errors.New("hub not connected")
	ErrAlreadyStarted   = errors.New("hub client already started")
)

// State is the push channel connection state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handler receives the unwrapped payload of one hub event
type Handler func(payload json.RawMessage)

// TokenFunc returns a bearer token for the next connection attempt
type TokenFunc func(ctx context.Context) (string, error)

// Options configures a hub Client
type Options struct {
	URL              string
	AccountID        string
	Token            TokenFunc
	HandshakeTimeout time.Duration
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	// MaxAttempts caps consecutive reconnect attempts; 0 retries forever
	MaxAttempts int
	KeepAlive   time.Duration
}

// Client is a SignalR JSON hub client for the broker's user hub. It keeps
// one websocket open, re-subscribes on every (re)connect and reconnects
// with capped exponential backoff.
type Client struct {
	opts      Options
	accountID int64
	logger    *zap.Logger

	conn    *websocket.Conn
	connMux sync.RWMutex
	writeMu sync.Mutex

	state   State
	stateMu sync.RWMutex

	handlers      map[string][]Handler
	handlersMu    sync.RWMutex
	stateHandlers []func(State)

	pending   map[string]chan hubMessage
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a hub client. The account id scopes the order, position
// and trade subscriptions and must be numeric.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	accountID, err := strconv.ParseInt(opts.AccountID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccountID, opts.AccountID)
	}
	if opts.Token == nil {
		return nil, errors.New("hub client requires a token source")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}

	return &Client{
		opts:      opts,
		accountID: accountID,
		logger:    logger.Named("hub").With(zap.Int64("account_id", accountID)),
		handlers:  make(map[string][]Handler),
		pending:   make(map[string]chan hubMessage),
	}, nil
}

// OnOrder registers a callback for order updates
func (c *Client) OnOrder(h Handler) { c.on(EventOrder, h) }

// OnPosition registers a callback for position updates
func (c *Client) OnPosition(h Handler) { c.on(EventPosition, h) }

// OnTrade registers a callback for trade updates
func (c *Client) OnTrade(h Handler) { c.on(EventTrade, h) }

// OnStateChange registers a callback invoked on every state transition
func (c *Client) OnStateChange(fn func(State)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.stateHandlers = append(c.stateHandlers, fn)
}

func (c *Client) on(event string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// State returns the current connection state
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	if c.state == s {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	c.stateMu.Unlock()

	c.logger.Info("Hub state changed", zap.Stringer("state", s))

	c.handlersMu.RLock()
	fns := append([]func(State){}, c.stateHandlers...)
	c.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Start opens the connection and keeps it alive until ctx is cancelled or
// Stop is called. The first connect failure is returned; later drops are
// handled by the reconnect loop.
func (c *Client) Start(ctx context.Context) error {
	c.connMux.Lock()
	if c.cancel != nil {
		c.connMux.Unlock()
		return ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.connMux.Unlock()

	c.setState(StateConnecting)
	if err := c.connect(); err != nil {
		c.setState(StateDisconnected)
		c.cancel()
		return err
	}

	c.wg.Add(1)
	go c.pingLoop()

	return nil
}

// Stop closes the connection and waits for background loops to exit
func (c *Client) Stop() {
	// cancelling under connMux keeps a concurrent reconnect from installing
	// a connection after conn is read
	c.connMux.Lock()
	cancel := c.cancel
	if cancel != nil {
		cancel()
	}
	conn := c.conn
	c.connMux.Unlock()

	if cancel == nil {
		return
	}

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.wg.Wait()
	c.setState(StateDisconnected)
}

func (c *Client) hubURL(token string) (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid hub url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect dials, completes the SignalR handshake, starts the read loop and
// issues the subscriptions
func (c *Client) connect() error {
	token, err := c.opts.Token(c.ctx)
	if err != nil {
		return fmt.Errorf("hub token: %w", err)
	}
	target, err := c.hubURL(token)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}

	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to hub: %w", err)
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	c.connMux.Lock()
	if c.ctx.Err() != nil {
		c.connMux.Unlock()
		conn.Close()
		return c.ctx.Err()
	}
	c.conn = conn
	c.connMux.Unlock()
	c.setState(StateConnected)

	c.wg.Add(1)
	go c.messageLoop(conn)

	if err := c.subscribe(); err != nil {
		c.logger.Warn("Subscribe failed", zap.Error(err))
		c.detach(conn)
		return err
	}
	return nil
}

// detach drops conn if it is still current and reports whether it was
func (c *Client) detach(conn *websocket.Conn) bool {
	c.connMux.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.connMux.Unlock()
	conn.Close()
	return current
}

func (c *Client) handshake(conn *websocket.Conn) error {
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, handshakeRequest); err != nil {
		return fmt.Errorf("hub handshake: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("hub handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	records := splitRecords(data)
	if len(records) == 0 {
		return errors.New("hub handshake: empty response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return fmt.Errorf("hub handshake: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("hub handshake rejected: %s", resp.Error)
	}

	// messages sent right after the handshake may share its frame
	for _, rec := range records[1:] {
		c.handleRecord(rec)
	}
	return nil
}

// subscribe issues every subscription. Subscriptions do not survive a
// transport reconnect, so this runs after each successful connect.
func (c *Client) subscribe() error {
	ctx, cancel := context.WithTimeout(c.ctx, invokeTimeout)
	defer cancel()

	if err := c.Invoke(ctx, "SubscribeAccounts"); err != nil {
		return err
	}
	for _, target := range []string{"SubscribeOrders", "SubscribePositions", "SubscribeTrades"} {
		if err := c.Invoke(ctx, target, c.accountID); err != nil {
			return err
		}
	}
	c.logger.Info("Subscribed to user hub")
	return nil
}

// Invoke calls a hub method and waits for its completion
func (c *Client) Invoke(ctx context.Context, target string, args ...interface{}) error {
	id := uuid.NewString()
	done := make(chan hubMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = done
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if args == nil {
		args = []interface{}{}
	}
	if err := c.write(invocation{Type: messageInvocation, InvocationID: id, Target: target, Arguments: args}); err != nil {
		return fmt.Errorf("invoke %s: %w", target, err)
	}

	select {
	case msg := <-done:
		if msg.Error != "" {
			return fmt.Errorf("invoke %s: %s", target, msg.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("invoke %s: %w", target, ctx.Err())
	}
}

func (c *Client) write(v interface{}) error {
	data, err := frame(v)
	if err != nil {
		return err
	}

	c.connMux.RLock()
	conn := c.conn
	c.connMux.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) messageLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		// the server pings every keep-alive interval; two missed pings is a dead link
		_ = conn.SetReadDeadline(time.Now().Add(2 * c.opts.KeepAlive))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Hub connection error", zap.Error(err))
			}
			// a connection dropped by a failed subscribe is retried by its caller
			if c.detach(conn) {
				c.reconnect()
			}
			return
		}

		for _, rec := range splitRecords(data) {
			c.handleRecord(rec)
		}
	}
}

func (c *Client) handleRecord(rec []byte) {
	var msg hubMessage
	if err := json.Unmarshal(rec, &msg); err != nil {
		c.logger.Debug("Skipping malformed hub record", zap.Error(err))
		return
	}

	switch msg.Type {
	case messageInvocation:
		if len(msg.Arguments) == 0 {
			return
		}
		c.dispatch(msg.Target, unwrapPayload(msg.Arguments[0]))
	case messageCompletion:
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.InvocationID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	case messageClose:
		if msg.Error != "" {
			c.logger.Warn("Hub closed connection", zap.String("error", msg.Error))
		}
	case messagePing, messageStreamItem:
	}
}

// dispatch fans an event out to every handler of its kind. A panicking
// handler is logged and does not stop delivery to the others.
func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.handlersMu.RLock()
	handlers := append([]Handler{}, c.handlers[event]...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Hub handler panicked", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			h(payload)
		}()
	}
}

// Backoff returns the delay before reconnect attempt n (1-based)
func Backoff(n int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (c *Client) reconnect() {
	c.setState(StateReconnecting)

	for attempt := 1; c.opts.MaxAttempts == 0 || attempt <= c.opts.MaxAttempts; attempt++ {
		delay := Backoff(attempt, c.opts.BaseDelay, c.opts.MaxDelay)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		c.logger.Info("Attempting reconnect", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if err := c.connect(); err != nil {
			c.logger.Warn("Reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			c.setState(StateReconnecting)
			continue
		}
		return
	}

	c.logger.Error("Max reconnect attempts reached", zap.Int("max_attempts", c.opts.MaxAttempts))
	c.setState(StateDisconnected)
}

func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			if err := c.write(map[string]int{"type": messagePing}); err != nil {
				c.logger.Debug("Ping failed", zap.Error(err))
			}
		}
	}
}
