package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openclaw/orchestrator/internal/common/config"
	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	"github.com/openclaw/orchestrator/internal/common/logger"
	"github.com/openclaw/orchestrator/internal/events/bus"
)

const (
	// maxReconnectDelay caps the exponential backoff between reconnect
	// attempts.
	maxReconnectDelay = 30 * time.Second

	clientName    = "openclaw-orchestrator"
	clientVersion = "1.0"
)

type pendingRequest struct {
	ch chan *Frame
}

// Client is the process-wide gateway connection. All agents' sessions share
// it; requests are correlated by id and events fan out to registered
// handlers and onto the orchestrator's event bus.
type Client struct {
	cfg config.GatewayConfig
	log *logger.Logger
	eb  bus.EventBus

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnState
	degraded bool
	connGen  int
	pending  map[string]*pendingRequest
	handlers map[string][]EventHandler
	sessions map[string]string // session id -> agent id
	writeCh  chan Frame

	lastSeq   atomic.Int64
	nextID    atomic.Uint64
	unmatched atomic.Uint64

	closeCh   chan struct{}
	closeOnce sync.Once
}

// EventHandler receives gateway events by name.
type EventHandler func(event string, payload json.RawMessage)

// NewClient creates a gateway client. Start must be called before use.
func NewClient(cfg config.GatewayConfig, eb bus.EventBus, log *logger.Logger) *Client {
	return &Client{
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "gateway-client")),
		eb:       eb,
		state:    StateDisconnected,
		pending:  make(map[string]*pendingRequest),
		handlers: make(map[string][]EventHandler),
		sessions: make(map[string]string),
		closeCh:  make(chan struct{}),
	}
}

// Start opens the connection and authenticates. In strict mode
// (gateway.required) a failure here is fatal; otherwise the client enters
// degraded mode and keeps reconnecting in the background.
func (c *Client) Start(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		if apperrors.Is(err, apperrors.ErrCodeAuthentication) {
			return err
		}
		if c.cfg.Required {
			return apperrors.Connection("gateway unreachable in strict mode", err)
		}
		c.enterDegraded(err)
		go c.reconnectLoop()
		return nil
	}
	return nil
}

// connect performs one dial + authenticate cycle and, on success, starts the
// connection's read and write pumps.
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeoutDuration())
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return apperrors.Connection(fmt.Sprintf("failed to dial gateway at %s", c.cfg.URL), err)
	}
	c.setState(StateConnected)

	if err := c.authenticate(conn); err != nil {
		_ = conn.Close()
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.state = StateAuthenticated
	c.degraded = false
	c.writeCh = make(chan Frame, 64)
	writeCh := c.writeCh
	c.lastSeq.Store(0)
	c.mu.Unlock()

	interval := c.cfg.HeartbeatIntervalDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * interval))

	go c.readLoop(conn, gen, interval)
	go c.writePump(conn, gen, writeCh)
	go c.heartbeatLoop(gen, interval)
	go c.subscribeEvents(gen)

	c.log.Info("Gateway connected", zap.String("url", c.cfg.URL))
	c.publishSystem("gateway.connected", nil)
	return nil
}

// consumedEvents are the gateway event streams the orchestrator listens to.
// Each connection subscribes to them after authenticating.
var consumedEvents = []string{"agent", "chat", "presence", "tick"}

// subscribeEvents issues one subscribe request per consumed event stream on
// the freshly authenticated connection.
func (c *Client) subscribeEvents(gen int) {
	for _, name := range consumedEvents {
		if !c.isCurrent(gen) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeoutDuration())
		_, err := c.Request(ctx, "subscribe", map[string]string{"event": name})
		cancel()
		if err != nil {
			c.log.Warn("Gateway subscription failed",
				zap.String("event", name),
				zap.Error(err))
		}
	}
}

// heartbeatLoop sends an application-level ping request every heartbeat
// interval. A failed or timed-out ping terminates the socket so the
// reconnect path takes over.
func (c *Client) heartbeatLoop(gen int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
		}
		if !c.isCurrent(gen) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeoutDuration())
		_, err := c.Request(ctx, "ping", map[string]interface{}{})
		cancel()
		if err != nil {
			c.log.Warn("Gateway heartbeat failed", zap.Error(err))
			c.handleDisconnect(gen, fmt.Errorf("heartbeat: %w", err))
			return
		}
	}
}

// isCurrent reports whether gen is still the live, authenticated connection.
func (c *Client) isCurrent(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.connGen && c.conn != nil && c.state == StateAuthenticated
}

// authenticate sends the connect request and waits for its response on the
// raw connection, before the pumps exist. Event frames arriving early are
// dispatched inline.
func (c *Client) authenticate(conn *websocket.Conn) error {
	c.setState(StateAuthenticating)

	params, err := json.Marshal(connectParams{
		Auth:        connectAuth{Token: c.cfg.Token},
		Client:      connectClient{Name: clientName, Version: clientVersion},
		MinProtocol: c.cfg.MinProtocol,
		MaxProtocol: c.cfg.MaxProtocol,
	})
	if err != nil {
		return apperrors.Internal("failed to marshal connect params", err)
	}

	id := c.newRequestID()
	deadline := time.Now().Add(c.cfg.RequestTimeoutDuration())
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(Frame{Type: frameRequest, ID: id, Method: "connect", Params: params}); err != nil {
		return apperrors.Connection("failed to send connect request", err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return apperrors.Connection("connection lost during authentication", err)
		}
		switch frame.Type {
		case frameResponse:
			if frame.ID != id {
				c.unmatched.Add(1)
				continue
			}
			if !frame.OK {
				msg := "gateway rejected credentials"
				if frame.Error != nil {
					msg = frame.Error.Message
				}
				return apperrors.Authentication(msg)
			}
			return nil
		case frameEvent:
			c.dispatchEvent(&frame)
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen int, interval time.Duration) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * interval))

		switch frame.Type {
		case frameResponse:
			c.dispatchResponse(&frame)
		case frameEvent:
			c.dispatchEvent(&frame)
		default:
			c.log.Warn("Unknown frame type from gateway", zap.String("type", frame.Type))
		}
	}
}

// writePump is the only goroutine writing to conn after authentication.
func (c *Client) writePump(conn *websocket.Conn, gen int, writeCh <-chan Frame) {
	for {
		select {
		case <-c.closeCh:
			return
		case frame := <-writeCh:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeoutDuration()))
			if err := conn.WriteJSON(frame); err != nil {
				c.handleDisconnect(gen, err)
				return
			}
		}
	}
}

// handleDisconnect tears down the current connection once (both pumps may
// race here; connGen decides), fails every in-flight request, and kicks off
// reconnection.
func (c *Client) handleDisconnect(gen int, cause error) {
	c.mu.Lock()
	if gen != c.connGen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)

	select {
	case <-c.closeCh:
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	default:
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	for _, p := range pending {
		close(p.ch)
	}

	c.log.Warn("Gateway connection lost", zap.Error(cause))
	c.publishSystem("gateway.disconnected", map[string]interface{}{"error": cause.Error()})

	go c.reconnectLoop()
}

// reconnectLoop retries with exponential backoff, doubling from the
// configured initial delay up to 30s. After max_retries consecutive failures
// the client emits an error event, flips to degraded mode, and stops.
func (c *Client) reconnectLoop() {
	delay := c.cfg.ReconnectDelayDuration()
	attempts := 0

	for {
		select {
		case <-c.closeCh:
			return
		case <-time.After(delay):
		}

		err := c.connect(context.Background())
		if err == nil {
			return
		}
		attempts++
		c.log.Warn("Gateway reconnect failed",
			zap.Int("attempt", attempts),
			zap.Duration("next_delay", delay),
			zap.Error(err))

		if apperrors.Is(err, apperrors.ErrCodeAuthentication) {
			// Bad credentials will not fix themselves.
			c.enterDegraded(err)
			c.log.Error("Gateway authentication rejected, giving up reconnection", zap.Error(err))
			return
		}
		if attempts >= c.cfg.MaxRetries {
			c.log.Error("Gateway reconnect retries exhausted", zap.Int("attempts", attempts), zap.Error(err))
			c.publishSystem("gateway.error", map[string]interface{}{
				"error":    err.Error(),
				"attempts": attempts,
			})
			c.enterDegraded(err)
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) enterDegraded(cause error) {
	c.mu.Lock()
	already := c.degraded
	c.degraded = true
	c.mu.Unlock()
	if already {
		return
	}
	c.log.Warn("Gateway unavailable, entering degraded mode", zap.Error(cause))
	c.publishSystem("gateway.degraded", map[string]interface{}{"error": cause.Error()})
}

// Request sends one request and waits for its response. Each request has its
// own deadline; expiry fails only that request.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, apperrors.Internal("failed to marshal request params", err)
	}

	c.mu.Lock()
	if c.state != StateAuthenticated || c.conn == nil {
		degraded := c.degraded
		c.mu.Unlock()
		if degraded {
			return nil, apperrors.Connection("gateway unavailable (degraded mode)", nil)
		}
		return nil, apperrors.Connection("gateway not authenticated", nil)
	}
	id := c.newRequestID()
	p := &pendingRequest{ch: make(chan *Frame, 1)}
	c.pending[id] = p
	writeCh := c.writeCh
	c.mu.Unlock()

	frame := Frame{Type: frameRequest, ID: id, Method: method, Params: raw}
	select {
	case writeCh <- frame:
	case <-c.closeCh:
		c.removePending(id)
		return nil, apperrors.Connection("gateway client closed", nil)
	case <-ctx.Done():
		c.removePending(id)
		return nil, apperrors.Timeout(method)
	}

	timer := time.NewTimer(c.cfg.RequestTimeoutDuration())
	defer timer.Stop()

	select {
	case res, ok := <-p.ch:
		if !ok {
			return nil, apperrors.Connection("gateway connection lost", nil)
		}
		if !res.OK {
			return nil, wireToAppError(res.Error)
		}
		return res.Payload, nil
	case <-timer.C:
		c.removePending(id)
		return nil, apperrors.Timeout(method)
	case <-ctx.Done():
		c.removePending(id)
		return nil, apperrors.Timeout(method)
	case <-c.closeCh:
		c.removePending(id)
		return nil, apperrors.Connection("gateway client closed", nil)
	}
}

func (c *Client) dispatchResponse(frame *Frame) {
	c.mu.Lock()
	p, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.unmatched.Add(1)
		c.log.Warn("Dropping unmatched gateway response", zap.String("id", frame.ID))
		return
	}
	p.ch <- frame
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) newRequestID() string {
	return fmt.Sprintf("r-%d", c.nextID.Add(1))
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsAuthenticated reports whether requests are currently possible.
func (c *Client) IsAuthenticated() bool {
	return c.State() == StateAuthenticated
}

// IsDegraded reports whether the client is operating without a gateway.
func (c *Client) IsDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// UnmatchedResponses returns how many responses arrived with no pending
// request.
func (c *Client) UnmatchedResponses() uint64 {
	return c.unmatched.Load()
}

// Close shuts the client down permanently.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		pending := c.pending
		c.pending = make(map[string]*pendingRequest)
		c.state = StateDisconnected
		c.mu.Unlock()
		for _, p := range pending {
			close(p.ch)
		}
	})
}

func wireToAppError(we *WireError) error {
	if we == nil {
		return apperrors.Internal("gateway request failed", nil)
	}
	switch we.Code {
	case apperrors.ErrCodeAuthentication:
		return apperrors.Authentication(we.Message)
	case apperrors.ErrCodeNotFound:
		return &apperrors.AppError{Code: we.Code, Message: we.Message, HTTPStatus: 404, Details: we.Details}
	case apperrors.ErrCodeTimeout:
		return &apperrors.AppError{Code: we.Code, Message: we.Message, HTTPStatus: 504, Details: we.Details}
	default:
		return &apperrors.AppError{Code: apperrors.ErrCodeConnection, Message: fmt.Sprintf("gateway error %s: %s", we.Code, we.Message), HTTPStatus: 502, Details: we.Details}
	}
}
