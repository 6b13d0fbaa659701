// Package httpapi provides the internal HTTP server: health checks and an
// event injection endpoint for backend services that need to reach connected
// clients without speaking the WebSocket protocol.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/aidekit/aide/internal/event"
	"github.com/aidekit/aide/internal/hub"
)

// Server is the internal HTTP server.
type Server struct {
	echo    *echo.Echo
	hub     *hub.Hub
	started time.Time
}

// NewServer creates the internal HTTP server.
func NewServer(h *hub.Hub) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		hub:     h,
		started: time.Now(),
	}

	e.GET("/health", s.handleHealth)
	e.POST("/internal/broadcast", s.handleBroadcast)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": s.hub.ConnectionCount(),
		"history":     len(s.hub.History()),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}

// BroadcastRequest is the body for POST /internal/broadcast. The event is
// published as a Custom event so it enters the replay buffer like any other.
type BroadcastRequest struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// BroadcastResponse reports delivery scope for a broadcast.
type BroadcastResponse struct {
	OK          bool `json:"ok"`
	Connections int  `json:"connections"`
}

func (s *Server) handleBroadcast(c echo.Context) error {
	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}

	count := s.hub.ConnectionCount()
	if err := s.hub.Publish(event.NewCustom(req.Name, req.Value)); err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("internal broadcast failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "broadcast failed"})
	}

	log.Info().Str("name", req.Name).Int("connections", count).Msg("internal broadcast published")
	return c.JSON(http.StatusOK, BroadcastResponse{OK: true, Connections: count})
}
