package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/orchestrator/internal/common/config"
	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	"github.com/openclaw/orchestrator/internal/common/logger"
	"github.com/openclaw/orchestrator/internal/events/bus"
)

// fakeGateway is an in-process WebSocket server speaking the gateway frame
// protocol. It answers connect requests and lets tests script everything else.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*fakeConn
	lastAuth connectParams

	dials      atomic.Int32
	rejectAuth bool

	// onRequest handles non-connect requests. Nil means respond ok with an
	// empty payload.
	onRequest func(fc *fakeConn, frame Frame)
}

type fakeConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (fc *fakeConn) send(frame Frame) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.c.WriteJSON(frame)
}

func (fc *fakeConn) respond(id string, payload interface{}) {
	raw, _ := json.Marshal(payload)
	_ = fc.send(Frame{Type: frameResponse, ID: id, OK: true, Payload: raw})
}

func newFakeGateway(t *testing.T) *fakeGateway {
	fg := &fakeGateway{t: t}
	fg.srv = httptest.NewServer(http.HandlerFunc(fg.handle))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http")
}

func (fg *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fg.dials.Add(1)
	fc := &fakeConn{c: conn}
	fg.mu.Lock()
	fg.conns = append(fg.conns, fc)
	fg.mu.Unlock()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != frameRequest {
			continue
		}
		if frame.Method == "connect" {
			var params connectParams
			_ = json.Unmarshal(frame.Params, &params)
			fg.mu.Lock()
			fg.lastAuth = params
			fg.mu.Unlock()
			if fg.rejectAuth {
				_ = fc.send(Frame{Type: frameResponse, ID: frame.ID, OK: false,
					Error: &WireError{Code: apperrors.ErrCodeAuthentication, Message: "bad token"}})
				return
			}
			fc.respond(frame.ID, map[string]interface{}{"protocol": 3})
			continue
		}
		if fg.onRequest != nil {
			fg.onRequest(fc, frame)
			continue
		}
		fc.respond(frame.ID, map[string]interface{}{})
	}
}

// latest returns the most recent accepted connection.
func (fg *fakeGateway) latest() *fakeConn {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	require.NotEmpty(fg.t, fg.conns)
	return fg.conns[len(fg.conns)-1]
}

func (fg *fakeGateway) emit(event string, seq int64, payload interface{}) {
	raw, _ := json.Marshal(payload)
	require.NoError(fg.t, fg.latest().send(Frame{Type: frameEvent, Event: event, Seq: seq, Payload: raw}))
}

func testGatewayConfig(url string) config.GatewayConfig {
	return config.GatewayConfig{
		URL:               url,
		Token:             "test-token",
		HeartbeatInterval: 30,
		RequestTimeout:    2,
		ReconnectDelay:    1,
		MaxRetries:        2,
		MinProtocol:       1,
		MaxProtocol:       3,
	}
}

func newTestClient(t *testing.T, cfg config.GatewayConfig, eb bus.EventBus) *Client {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	c := NewClient(cfg, eb, log)
	t.Cleanup(c.Close)
	return c
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestClientConnectAndRequest(t *testing.T) {
	fg := newFakeGateway(t)
	fg.onRequest = func(fc *fakeConn, frame Frame) {
		fc.respond(frame.ID, map[string]interface{}{"echo": frame.Method})
	}
	c := newTestClient(t, testGatewayConfig(fg.url()), nil)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.IsAuthenticated())
	assert.Equal(t, StateAuthenticated, c.State())

	fg.mu.Lock()
	auth := fg.lastAuth
	fg.mu.Unlock()
	assert.Equal(t, "test-token", auth.Auth.Token)
	assert.Equal(t, clientName, auth.Client.Name)
	assert.Equal(t, 1, auth.MinProtocol)
	assert.Equal(t, 3, auth.MaxProtocol)

	payload, err := c.Request(context.Background(), "sessions_list", map[string]interface{}{})
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, "sessions_list", out["echo"])
}

func TestClientConcurrentRequestsCorrelate(t *testing.T) {
	fg := newFakeGateway(t)
	fg.onRequest = func(fc *fakeConn, frame Frame) {
		go func() {
			// Answer out of order to force correlation by id.
			time.Sleep(time.Duration(len(frame.Method)) * time.Millisecond)
			fc.respond(frame.ID, map[string]interface{}{"method": frame.Method})
		}()
	}
	c := newTestClient(t, testGatewayConfig(fg.url()), nil)
	require.NoError(t, c.Start(context.Background()))

	methods := []string{"sessions_list", "sessions_history", "tool_run"}
	var wg sync.WaitGroup
	for _, m := range methods {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			payload, err := c.Request(context.Background(), method, nil)
			assert.NoError(t, err)
			var out map[string]string
			assert.NoError(t, json.Unmarshal(payload, &out))
			assert.Equal(t, method, out["method"])
		}(m)
	}
	wg.Wait()
}

func TestClientRequestTimeout(t *testing.T) {
	fg := newFakeGateway(t)
	fg.onRequest = func(fc *fakeConn, frame Frame) {
		// Swallow the request; the client's per-request timer must fire.
	}
	cfg := testGatewayConfig(fg.url())
	cfg.RequestTimeout = 1
	c := newTestClient(t, cfg, nil)
	require.NoError(t, c.Start(context.Background()))

	start := time.Now()
	_, err := c.Request(context.Background(), "sessions_send", map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTimeout, apperrors.Code(err))
	assert.Less(t, time.Since(start), 3*time.Second)

	// The connection survives an expired request.
	assert.True(t, c.IsAuthenticated())
}

func TestClientWireErrorMapped(t *testing.T) {
	fg := newFakeGateway(t)
	fg.onRequest = func(fc *fakeConn, frame Frame) {
		raw, _ := json.Marshal(map[string]interface{}{})
		_ = fc.send(Frame{Type: frameResponse, ID: frame.ID, OK: false, Payload: raw,
			Error: &WireError{Code: apperrors.ErrCodeNotFound, Message: "no such session"}})
	}
	c := newTestClient(t, testGatewayConfig(fg.url()), nil)
	require.NoError(t, c.Start(context.Background()))

	_, err := c.Request(context.Background(), "sessions_history", map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
}

func TestClientAuthRejected(t *testing.T) {
	fg := newFakeGateway(t)
	fg.rejectAuth = true
	c := newTestClient(t, testGatewayConfig(fg.url()), nil)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAuthentication, apperrors.Code(err))
	assert.False(t, c.IsAuthenticated())
}

func TestClientStrictModeDialFailure(t *testing.T) {
	cfg := testGatewayConfig("ws://127.0.0.1:1/ws")
	cfg.Required = true
	cfg.RequestTimeout = 1
	c := newTestClient(t, cfg, nil)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConnection, apperrors.Code(err))
}

func TestClientDegradedMode(t *testing.T) {
	eb := bus.NewMemoryEventBus(testLogger(t))
	defer eb.Close()

	var degraded atomic.Int32
	sub, err := eb.Subscribe(bus.SubjectSystem, func(ctx context.Context, e *bus.Event) error {
		if e.Type == "gateway.degraded" {
			degraded.Add(1)
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	cfg := testGatewayConfig("ws://127.0.0.1:1/ws")
	cfg.RequestTimeout = 1
	c := newTestClient(t, cfg, eb)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.IsDegraded())

	_, err = c.Request(context.Background(), "sessions_list", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConnection, apperrors.Code(err))
	assert.Contains(t, err.Error(), "degraded")

	waitUntil(t, 2*time.Second, func() bool { return degraded.Load() == 1 })
}

func TestClientUnmatchedResponseCounter(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(t, testGatewayConfig(fg.url()), nil)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, fg.latest().send(Frame{Type: frameResponse, ID: "never-sent", OK: true}))
	waitUntil(t, 2*time.Second, func() bool { return c.UnmatchedResponses() == 1 })

	// A stray response must not disturb the connection.
	assert.True(t, c.IsAuthenticated())
}

func TestClientEventRepublish(t *testing.T) {
	fg := newFakeGateway(t)
	eb := bus.NewMemoryEventBus(testLogger(t))
	defer eb.Close()
	c := newTestClient(t, testGatewayConfig(fg.url()), eb)
	require.NoError(t, c.Start(context.Background()))

	c.BindSession("sess-1", "agent-1")

	var mu sync.Mutex
	var got []*bus.Event
	sub, err := eb.Subscribe(bus.AgentSubject("agent-1"), func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var handled atomic.Int32
	c.On("message", func(event string, payload json.RawMessage) {
		handled.Add(1)
	})

	fg.emit("message", 1, map[string]interface{}{"sessionKey": "sess-1", "text": "hello"})

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	e := got[0]
	mu.Unlock()
	assert.Equal(t, "openclaw.message", e.Type)
	assert.Equal(t, "gateway", e.Source)
	assert.Equal(t, "agent-1", e.Data["agent_id"])
	assert.Equal(t, "sess-1", e.Data["session_id"])
	assert.EqualValues(t, 1, handled.Load())
}

func TestClientEventWithoutBindingGoesToSystem(t *testing.T) {
	fg := newFakeGateway(t)
	eb := bus.NewMemoryEventBus(testLogger(t))
	defer eb.Close()
	c := newTestClient(t, testGatewayConfig(fg.url()), eb)
	require.NoError(t, c.Start(context.Background()))

	var mu sync.Mutex
	var got []*bus.Event
	sub, err := eb.Subscribe(bus.SubjectSystem, func(ctx context.Context, e *bus.Event) error {
		if e.Type == "openclaw.health" {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	fg.emit("health", 1, map[string]interface{}{"status": "ok"})

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	_, hasAgent := got[0].Data["agent_id"]
	assert.False(t, hasAgent)
}

func TestClientReconnectAfterDrop(t *testing.T) {
	if testing.Short() {
		t.Skip("reconnect test waits for backoff")
	}
	fg := newFakeGateway(t)
	eb := bus.NewMemoryEventBus(testLogger(t))
	defer eb.Close()
	c := newTestClient(t, testGatewayConfig(fg.url()), eb)
	require.NoError(t, c.Start(context.Background()))

	first := fg.latest()
	first.mu.Lock()
	_ = first.c.Close()
	first.mu.Unlock()

	waitUntil(t, 5*time.Second, func() bool {
		return fg.dials.Load() >= 2 && c.IsAuthenticated()
	})

	_, err := c.Request(context.Background(), "sessions_list", map[string]interface{}{})
	assert.NoError(t, err)
}

func TestClientSubscribesAfterConnect(t *testing.T) {
	fg := newFakeGateway(t)
	var mu sync.Mutex
	subscribed := map[string]bool{}
	fg.onRequest = func(fc *fakeConn, frame Frame) {
		if frame.Method == "subscribe" {
			var params map[string]string
			require.NoError(t, json.Unmarshal(frame.Params, &params))
			mu.Lock()
			subscribed[params["event"]] = true
			mu.Unlock()
		}
		fc.respond(frame.ID, map[string]interface{}{})
	}
	c := newTestClient(t, testGatewayConfig(fg.url()), nil)
	require.NoError(t, c.Start(context.Background()))

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(subscribed) == len(consumedEvents)
	})
	mu.Lock()
	defer mu.Unlock()
	for _, name := range consumedEvents {
		assert.True(t, subscribed[name], "missing subscription for %s", name)
	}
}

func TestClientHeartbeatFailureReconnects(t *testing.T) {
	if testing.Short() {
		t.Skip("heartbeat test waits for ping timeout")
	}
	fg := newFakeGateway(t)
	fg.onRequest = func(fc *fakeConn, frame Frame) {
		if frame.Method == "ping" {
			// Swallow pings; the client must tear the socket down.
			return
		}
		fc.respond(frame.ID, map[string]interface{}{})
	}
	cfg := testGatewayConfig(fg.url())
	cfg.HeartbeatInterval = 1
	cfg.RequestTimeout = 1
	c := newTestClient(t, cfg, nil)
	require.NoError(t, c.Start(context.Background()))

	waitUntil(t, 10*time.Second, func() bool { return fg.dials.Load() >= 2 })
}

func TestClientReconnectStopsAfterMaxRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("give-up test waits for backoff")
	}
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	eb := bus.NewMemoryEventBus(testLogger(t))
	defer eb.Close()
	var gaveUp atomic.Int32
	sub, err := eb.Subscribe(bus.SubjectSystem, func(ctx context.Context, e *bus.Event) error {
		if e.Type == "gateway.error" {
			gaveUp.Add(1)
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	cfg := testGatewayConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.RequestTimeout = 1
	cfg.ReconnectDelay = 1
	cfg.MaxRetries = 1
	c := newTestClient(t, cfg, eb)
	require.NoError(t, c.Start(context.Background()))

	waitUntil(t, 10*time.Second, func() bool { return gaveUp.Load() == 1 })
	assert.True(t, c.IsDegraded())

	// No further dials once the retry budget is spent.
	settled := dials.Load()
	time.Sleep(2 * time.Second)
	assert.Equal(t, settled, dials.Load())
}

func TestClientDropFailsInflightRequests(t *testing.T) {
	fg := newFakeGateway(t)
	block := make(chan struct{})
	fg.onRequest = func(fc *fakeConn, frame Frame) {
		<-block
	}
	defer close(block)

	c := newTestClient(t, testGatewayConfig(fg.url()), nil)
	require.NoError(t, c.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "sessions_send", map[string]interface{}{})
		errCh <- err
	}()

	// Give the request time to land, then kill the connection.
	time.Sleep(100 * time.Millisecond)
	first := fg.latest()
	first.mu.Lock()
	_ = first.c.Close()
	first.mu.Unlock()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeConnection, apperrors.Code(err))
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight request not failed after disconnect")
	}
}

func TestSpawnSessionBindsAgent(t *testing.T) {
	fg := newFakeGateway(t)
	var mu sync.Mutex
	wireParams := map[string]json.RawMessage{}
	fg.onRequest = func(fc *fakeConn, frame Frame) {
		mu.Lock()
		wireParams[frame.Method] = frame.Params
		mu.Unlock()
		switch frame.Method {
		case "sessions_spawn":
			fc.respond(frame.ID, map[string]interface{}{"sessionKey": "sess-42"})
		default:
			fc.respond(frame.ID, map[string]interface{}{})
		}
	}
	c := newTestClient(t, testGatewayConfig(fg.url()), nil)
	require.NoError(t, c.Start(context.Background()))

	info, err := c.SpawnSession(context.Background(), SpawnRequest{
		AgentID: "agent-7",
		Model:   "claw-medium",
		Task:    "triage",
		Skills:  []string{"search"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-42", info.SessionID)

	// The spawn request carries model, skills, and systemPrompt; local
	// bookkeeping like the agent id stays off the wire.
	mu.Lock()
	var spawn map[string]interface{}
	require.NoError(t, json.Unmarshal(wireParams["sessions_spawn"], &spawn))
	mu.Unlock()
	assert.Equal(t, "claw-medium", spawn["model"])
	assert.Equal(t, "triage", spawn["systemPrompt"])
	assert.Equal(t, []interface{}{"search"}, spawn["skills"])
	assert.NotContains(t, spawn, "agent_id")
	assert.NotContains(t, spawn, "task")

	agentID, ok := c.ResolveAgent("sess-42")
	require.True(t, ok)
	assert.Equal(t, "agent-7", agentID)

	require.NoError(t, c.KillSession(context.Background(), "sess-42"))
	mu.Lock()
	var kill map[string]interface{}
	require.NoError(t, json.Unmarshal(wireParams["sessions_kill"], &kill))
	mu.Unlock()
	assert.Equal(t, "sess-42", kill["sessionKey"])
	_, ok = c.ResolveAgent("sess-42")
	assert.False(t, ok)
}

func TestSpawnSessionWithoutKeyFails(t *testing.T) {
	fg := newFakeGateway(t)
	fg.onRequest = func(fc *fakeConn, frame Frame) {
		if frame.Method == "sessions_spawn" {
			fc.respond(frame.ID, map[string]interface{}{"session_id": "legacy-7"})
			return
		}
		fc.respond(frame.ID, map[string]interface{}{})
	}
	c := newTestClient(t, testGatewayConfig(fg.url()), nil)
	require.NoError(t, c.Start(context.Background()))

	_, err := c.SpawnSession(context.Background(), SpawnRequest{AgentID: "agent-1", Task: "triage"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConnection, apperrors.Code(err))
}

func TestSendAndHistoryWireShapes(t *testing.T) {
	fg := newFakeGateway(t)
	var mu sync.Mutex
	wireParams := map[string]json.RawMessage{}
	fg.onRequest = func(fc *fakeConn, frame Frame) {
		mu.Lock()
		wireParams[frame.Method] = frame.Params
		mu.Unlock()
		switch frame.Method {
		case "sessions_send":
			fc.respond(frame.ID, map[string]interface{}{"runId": "run-3", "status": "accepted"})
		case "sessions_history":
			fc.respond(frame.ID, map[string]interface{}{
				"messages": []map[string]interface{}{{"role": "assistant", "content": "done"}},
			})
		case "sessions_list":
			fc.respond(frame.ID, map[string]interface{}{
				"sessions": []map[string]interface{}{
					{"sessionKey": "sess-9", "agentId": "agent-9", "status": "running"},
				},
			})
		default:
			fc.respond(frame.ID, map[string]interface{}{})
		}
	}
	c := newTestClient(t, testGatewayConfig(fg.url()), nil)
	require.NoError(t, c.Start(context.Background()))

	runID, err := c.SendMessage(context.Background(), "sess-9", "status report")
	require.NoError(t, err)
	assert.Equal(t, "run-3", runID)

	msgs, err := c.History(context.Background(), "sess-9", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "done", msgs[0].Content)

	sessions, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-9", sessions[0].SessionID)
	assert.Equal(t, "agent-9", sessions[0].AgentID)

	mu.Lock()
	defer mu.Unlock()
	var send map[string]interface{}
	require.NoError(t, json.Unmarshal(wireParams["sessions_send"], &send))
	assert.Equal(t, "sess-9", send["sessionKey"])
	assert.Equal(t, "status report", send["message"])
	var history map[string]interface{}
	require.NoError(t, json.Unmarshal(wireParams["sessions_history"], &history))
	assert.Equal(t, "sess-9", history["sessionKey"])
	assert.EqualValues(t, 10, history["limit"])
}

func TestClientCloseFailsPending(t *testing.T) {
	fg := newFakeGateway(t)
	block := make(chan struct{})
	fg.onRequest = func(fc *fakeConn, frame Frame) {
		<-block
	}
	defer close(block)

	c := newTestClient(t, testGatewayConfig(fg.url()), nil)
	require.NoError(t, c.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "sessions_send", map[string]interface{}{})
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeConnection, apperrors.Code(err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on close")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}
