package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidekit/aide/internal/hub"
)

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsConnections(t *testing.T) {
	h := hub.New(16)
	conn := hub.NewConnection()
	h.Register(conn)
	s := NewServer(h)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["connections"])
}

func TestBroadcastPublishesCustomEvent(t *testing.T) {
	h := hub.New(16)
	conn := hub.NewConnection()
	h.Register(conn)
	s := NewServer(h)

	rec := doRequest(t, s, http.MethodPost, "/internal/broadcast",
		`{"name":"maintenance_notice","value":{"message":"restarting soon"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body BroadcastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Equal(t, 1, body.Connections)

	select {
	case data := <-conn.Send:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, "Custom", frame["type"])
		assert.Equal(t, "maintenance_notice", frame["name"])
	default:
		t.Fatal("broadcast never reached the connection")
	}

	// Broadcasts join the replay buffer.
	assert.Len(t, h.History(), 1)
}

func TestBroadcastRejectsMissingName(t *testing.T) {
	s := NewServer(hub.New(16))

	rec := doRequest(t, s, http.MethodPost, "/internal/broadcast", `{"value":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
