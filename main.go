package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aidekit/aide/internal/assistant"
	"github.com/aidekit/aide/internal/config"
	"github.com/aidekit/aide/internal/httpapi"
	"github.com/aidekit/aide/internal/hub"
	"github.com/aidekit/aide/internal/orchestrator"
	"github.com/aidekit/aide/internal/policy"
	"github.com/aidekit/aide/internal/stream"
	"github.com/aidekit/aide/internal/ws"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().
		Int("ws_port", cfg.WSPort).
		Int("http_port", cfg.HTTPPort).
		Int("history_size", cfg.HistorySize).
		Msg("starting assistant server")

	connHub := hub.New(cfg.HistorySize)

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("action policy failed to compile")
	}

	okrStore, err := assistant.NewSQLiteOKRStore(cfg.OKRStoreDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("okr store failed to open")
	}
	defer okrStore.Close()

	orch := orchestrator.New(connHub, stream.Options{
		TextChunkSize:  cfg.TextChunkSize,
		TextChunkDelay: cfg.TextChunkDelay,
		ToolChunkSize:  cfg.ToolChunkSize,
		ToolChunkDelay: cfg.ToolChunkDelay,
	}, orchestrator.Services{
		Calendar: assistant.NewInMemoryCalendar(),
		Email:    assistant.NewInMemoryEmail(),
		OKR:      okrStore,
		Policy:   engine,
	})

	wsServer := ws.NewServer(cfg, connHub, orch)

	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", wsServer.HandleWebSocket)

	httpServer := httpapi.NewServer(connHub)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("websocket server failed")
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("internal http server failed")
		}
	}()

	log.Info().Int("port", cfg.WSPort).Msg("websocket server listening")
	log.Info().Int("port", cfg.HTTPPort).Msg("internal http server listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("websocket server shutdown failed")
	}
	if err := wsServer.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("connection drain timed out")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("internal http server shutdown failed")
	}

	log.Info().Msg("stopped")
}
