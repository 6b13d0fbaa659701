// Package ws provides the WebSocket connection server: it admits client
// connections, decodes inbound requests, dispatches them to the orchestration
// layer, and enforces liveness and frame-size limits.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/aidekit/aide/internal/config"
	"github.com/aidekit/aide/internal/event"
	"github.com/aidekit/aide/internal/hub"
	"github.com/aidekit/aide/internal/protocol"
)

// Dispatcher is the orchestration entry point the server hands decoded
// requests to.
type Dispatcher interface {
	HandleChat(ctx context.Context, connID string, msg protocol.ChatMessage)
	HandleRequest(ctx context.Context, connID string, req protocol.Request)
}

// socket pairs a registry entry with its transport handle. The write mutex
// serializes data frames and liveness probes.
type socket struct {
	conn *hub.Connection
	ws   *websocket.Conn

	writeMu      sync.Mutex
	probePending atomic.Bool
}

func (s *socket) write(cfg *config.Config, messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	return s.ws.WriteMessage(messageType, data)
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	disp     Dispatcher
	upgrader websocket.Upgrader

	mu      sync.Mutex
	sockets map[string]*socket

	wg        sync.WaitGroup
	baseCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewServer creates a WebSocket server dispatching to disp.
func NewServer(cfg *config.Config, h *hub.Hub, disp Dispatcher) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		hub:     h,
		disp:    disp,
		sockets: make(map[string]*socket),
		baseCtx: ctx,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Auth happens before admission; origin checks are not part
				// of this surface.
				return true
			},
		},
	}

	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return err
	}

	entry := hub.NewConnection()
	sock := &socket{conn: entry, ws: conn}

	// The hard read limit sits above the protocol limit so oversized frames
	// can be answered with an error response instead of a connection drop.
	conn.SetReadLimit(s.cfg.MaxFrameBytes + 4096)
	conn.SetPongHandler(func(string) error {
		entry.Touch()
		sock.probePending.Store(false)
		return nil
	})

	s.hub.Register(entry)
	s.mu.Lock()
	s.sockets[entry.ID] = sock
	s.mu.Unlock()

	s.wg.Add(2)
	go s.writePump(sock)
	go s.readPump(sock)

	// Welcome the client, then backfill recent history so it can reconstruct
	// context without a separate query.
	s.hub.Unicast(entry.ID, event.NewCustom("connected", map[string]any{
		"connectionId": entry.ID,
		"requestTypes": []string{
			protocol.TypeChatMessage, protocol.TypeMessage, protocol.TypeAction,
			protocol.TypeApproval, protocol.TypePing,
		},
	}))
	s.hub.ReplayTo(entry.ID)

	log.Info().Str("connection_id", entry.ID).Msg("connection admitted")
	return nil
}

// readPump reads inbound frames until the transport fails or closes.
func (s *Server) readPump(sock *socket) {
	defer func() {
		s.drop(sock.conn.ID)
		s.wg.Done()
	}()

	for {
		_, data, err := sock.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connection_id", sock.conn.ID).Msg("read failed")
			}
			return
		}

		sock.conn.Touch()
		sock.probePending.Store(false)

		if int64(len(data)) > s.cfg.MaxFrameBytes {
			s.sendError(sock.conn.ID, requestID(data), protocol.ErrorCodeFrameTooLarge,
				fmt.Sprintf("frame exceeds %d bytes", s.cfg.MaxFrameBytes))
			continue
		}

		s.handleFrame(sock.conn.ID, data)
	}
}

// writePump drains the registry send queue onto the transport.
func (s *Server) writePump(sock *socket) {
	defer func() {
		sock.conn.MarkClosed()
		sock.ws.Close()
		s.wg.Done()
	}()

	for data := range sock.conn.Send {
		if err := sock.write(s.cfg, websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Str("connection_id", sock.conn.ID).Msg("write failed")
			return
		}
	}
	// Queue closed by deregistration: say goodbye properly.
	sock.write(s.cfg, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// handleFrame decodes one inbound frame and dispatches it. Dispatch runs in
// its own goroutine so a streaming response never blocks this connection's
// read loop or any other connection.
func (s *Server) handleFrame(connID string, data []byte) {
	var probe protocol.Probe
	if err := json.Unmarshal(data, &probe); err != nil {
		s.sendError(connID, "", protocol.ErrorCodeInvalidMessage, "invalid JSON frame")
		return
	}

	switch probe.Type {
	case protocol.TypeChatMessage:
		var msg protocol.ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(connID, "", protocol.ErrorCodeInvalidMessage, "invalid ChatMessage frame")
			return
		}
		go s.disp.HandleChat(s.baseCtx, connID, msg)

	case protocol.TypeMessage, protocol.TypeAction, protocol.TypeApproval, protocol.TypePing:
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendError(connID, requestID(data), protocol.ErrorCodeInvalidMessage, "invalid request frame")
			return
		}
		go s.disp.HandleRequest(s.baseCtx, connID, req)

	default:
		s.sendError(connID, requestID(data), protocol.ErrorCodeUnknownType,
			fmt.Sprintf("unknown message type %q", probe.Type))
	}
}

// sweepLoop periodically probes idle connections and drops the ones that
// never answered the previous probe.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	s.mu.Lock()
	sockets := make([]*socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		sockets = append(sockets, sock)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, sock := range sockets {
		idle := now.Sub(sock.conn.LastActivity())
		switch {
		case sock.probePending.Load() && idle >= s.cfg.IdleTimeout:
			log.Info().Str("connection_id", sock.conn.ID).Dur("idle", idle).
				Msg("liveness probe unanswered, dropping connection")
			s.drop(sock.conn.ID)
		case idle >= s.cfg.IdleTimeout:
			sock.probePending.Store(true)
			if err := sock.write(s.cfg, websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", sock.conn.ID).Msg("liveness probe failed")
				s.drop(sock.conn.ID)
			}
		}
	}
}

// drop removes the connection everywhere and closes its transport. Safe to
// call from any goroutine, any number of times.
func (s *Server) drop(connID string) {
	s.mu.Lock()
	sock, ok := s.sockets[connID]
	if ok {
		delete(s.sockets, connID)
	}
	s.mu.Unlock()

	s.hub.Deregister(connID)
	if ok {
		sock.conn.MarkClosed()
		sock.ws.Close()
	}
}

func (s *Server) sendError(connID, reqID, code, message string) {
	resp := protocol.NewErrorResponse(reqID, code, message)
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("error response encode failed")
		return
	}
	s.hub.UnicastRaw(connID, data)
}

// Close stops the liveness sweep, closes every connection, and blocks until
// all pump goroutines have exited or the context expires.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		ids := make([]string, 0, len(s.sockets))
		for id := range s.sockets {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		for _, id := range ids {
			s.drop(id)
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// requestID extracts the request id from a raw frame, if present.
func requestID(data []byte) string {
	var peek struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return ""
	}
	return peek.ID
}
