package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidekit/aide/internal/config"
	"github.com/aidekit/aide/internal/event"
	"github.com/aidekit/aide/internal/hub"
	"github.com/aidekit/aide/internal/protocol"
)

type recordingDispatcher struct {
	chats    chan protocol.ChatMessage
	requests chan protocol.Request
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		chats:    make(chan protocol.ChatMessage, 8),
		requests: make(chan protocol.Request, 8),
	}
}

func (d *recordingDispatcher) HandleChat(_ context.Context, _ string, msg protocol.ChatMessage) {
	d.chats <- msg
}

func (d *recordingDispatcher) HandleRequest(_ context.Context, _ string, req protocol.Request) {
	d.requests <- req
}

func testConfig() *config.Config {
	return &config.Config{
		WriteTimeout:  time.Second,
		MaxFrameBytes: 1 << 20,
		SweepInterval: time.Hour,
		IdleTimeout:   time.Hour,
		HistorySize:   16,
	}
}

type testEnv struct {
	hub    *hub.Hub
	disp   *recordingDispatcher
	server *Server
	url    string
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	h := hub.New(cfg.HistorySize)
	disp := newRecordingDispatcher()
	srv := NewServer(cfg, h, disp)

	e := echo.New()
	e.GET("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(e)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Close(ctx)
		ts.Close()
	})

	return &testEnv{
		hub:    h,
		disp:   disp,
		server: srv,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (env *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func readResponse(t *testing.T, conn *websocket.Conn) (map[string]any, map[string]any) {
	t.Helper()
	frame := readFrame(t, conn)
	data, _ := frame["data"].(map[string]any)
	return frame, data
}

func TestAdmissionSendsWelcome(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t)

	frame := readFrame(t, conn)
	assert.Equal(t, string(event.TypeCustom), frame["type"])
	assert.Equal(t, "connected", frame["name"])

	value, ok := frame["value"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, value["connectionId"])
}

func TestAdmissionReplaysHistory(t *testing.T) {
	env := newTestEnv(t, testConfig())

	require.NoError(t, env.hub.Publish(event.NewRunStarted("thread-1", "run-1")))
	require.NoError(t, env.hub.Publish(event.NewRunFinished("thread-1", "run-1")))

	conn := env.dial(t)

	welcome := readFrame(t, conn)
	assert.Equal(t, string(event.TypeCustom), welcome["type"])

	first := readFrame(t, conn)
	assert.Equal(t, string(event.TypeRunStarted), first["type"])
	assert.Equal(t, "run-1", first["runId"])

	second := readFrame(t, conn)
	assert.Equal(t, string(event.TypeRunFinished), second["type"])
}

func TestChatMessageDispatch(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t)
	readFrame(t, conn) // welcome

	err := conn.WriteJSON(map[string]any{
		"type":    protocol.TypeChatMessage,
		"content": "what's on my calendar today?",
		"role":    "user",
	})
	require.NoError(t, err)

	select {
	case msg := <-env.disp.chats:
		assert.Equal(t, "what's on my calendar today?", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("chat message never reached dispatcher")
	}
}

func TestLegacyRequestDispatch(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t)
	readFrame(t, conn) // welcome

	err := conn.WriteJSON(map[string]any{
		"id":   "req-42",
		"type": protocol.TypeAction,
		"data": map[string]any{
			"action": "get_todays_agenda",
		},
	})
	require.NoError(t, err)

	select {
	case req := <-env.disp.requests:
		assert.Equal(t, "req-42", req.ID)
		assert.Equal(t, protocol.TypeAction, req.Type)
		assert.Equal(t, "get_todays_agenda", req.Data.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached dispatcher")
	}
}

func TestUnknownTypeRespondsWithError(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"id": "req-9", "type": "bogus"}))

	frame, data := readResponse(t, conn)
	assert.Equal(t, protocol.TypeResponse, frame["type"])
	assert.Equal(t, protocol.StatusError, data["status"])
	assert.Equal(t, protocol.ErrorCodeUnknownType, data["code"])
	assert.Equal(t, "req-9", data["requestId"])
}

func TestInvalidJSONRespondsWithError(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame, data := readResponse(t, conn)
	assert.Equal(t, protocol.TypeResponse, frame["type"])
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, data["code"])
}

func TestOversizedFrameRejectedConnectionSurvives(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameBytes = 256
	env := newTestEnv(t, cfg)
	conn := env.dial(t)
	readFrame(t, conn) // welcome

	big, err := json.Marshal(map[string]any{
		"id":   "req-big",
		"type": protocol.TypeMessage,
		"data": map[string]any{"content": strings.Repeat("x", 1024)},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, big))

	frame, data := readResponse(t, conn)
	assert.Equal(t, protocol.TypeResponse, frame["type"])
	assert.Equal(t, protocol.ErrorCodeFrameTooLarge, data["code"])
	assert.Equal(t, "req-big", data["requestId"])

	// The connection must survive and keep serving well-formed frames.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"id":   "req-after",
		"type": protocol.TypePing,
	}))
	select {
	case req := <-env.disp.requests:
		assert.Equal(t, "req-after", req.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("connection stopped serving after oversized frame")
	}
}

func TestUnresponsiveConnectionIsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.IdleTimeout = 30 * time.Millisecond
	env := newTestEnv(t, cfg)

	conn := env.dial(t)
	// Swallow pings instead of answering them.
	conn.SetPingHandler(func(string) error { return nil })
	readFrame(t, conn) // welcome

	require.Eventually(t, func() bool {
		return env.hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "unresponsive connection was never dropped")
}

func TestResponsiveConnectionSurvivesSweep(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.IdleTimeout = 30 * time.Millisecond
	env := newTestEnv(t, cfg)

	conn := env.dial(t)
	readFrame(t, conn) // welcome

	// The default ping handler answers probes while the read loop runs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, env.hub.ConnectionCount())

	conn.Close()
	<-done
}

func TestCloseDropsAllConnections(t *testing.T) {
	env := newTestEnv(t, testConfig())
	connA := env.dial(t)
	connB := env.dial(t)
	readFrame(t, connA)
	readFrame(t, connB)
	require.Equal(t, 2, env.hub.ConnectionCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Close(ctx))
	assert.Equal(t, 0, env.hub.ConnectionCount())
}
