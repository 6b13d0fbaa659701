// Package config provides configuration for the assistant server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	WSPort   int // External WebSocket port
	HTTPPort int // Internal HTTP port for /health, /internal/broadcast

	// WebSocket settings
	WriteTimeout  time.Duration
	MaxFrameBytes int64 // Max inbound frame size; larger frames are rejected

	// Liveness settings
	SweepInterval time.Duration // How often idle connections are scanned
	IdleTimeout   time.Duration // Idle duration after which a probe is sent

	// Event streaming
	HistorySize    int // Replay buffer capacity
	TextChunkSize  int
	TextChunkDelay time.Duration
	ToolChunkSize  int
	ToolChunkDelay time.Duration

	// Collaborators
	OKRStoreDSN string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		WSPort:         getEnvInt("WS_PORT", 8090),
		HTTPPort:       getEnvInt("HTTP_PORT", 8091),
		WriteTimeout:   getEnvDuration("WS_WRITE_TIMEOUT_MS", 10*time.Second),
		MaxFrameBytes:  int64(getEnvInt("WS_MAX_FRAME_BYTES", 1<<20)),
		SweepInterval:  getEnvDuration("LIVENESS_SWEEP_INTERVAL_MS", 15*time.Second),
		IdleTimeout:    getEnvDuration("LIVENESS_IDLE_TIMEOUT_MS", 30*time.Second),
		HistorySize:    getEnvInt("EVENT_HISTORY_SIZE", 256),
		TextChunkSize:  getEnvInt("STREAM_TEXT_CHUNK_SIZE", 10),
		TextChunkDelay: getEnvDuration("STREAM_TEXT_CHUNK_DELAY_MS", 50*time.Millisecond),
		ToolChunkSize:  getEnvInt("STREAM_TOOL_CHUNK_SIZE", 20),
		ToolChunkDelay: getEnvDuration("STREAM_TOOL_CHUNK_DELAY_MS", 30*time.Millisecond),
		OKRStoreDSN:    getEnv("OKR_STORE_DSN", ":memory:"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
