package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidekit/aide/internal/event"
)

func drain(conn *Connection) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-conn.Send:
			out = append(out, data)
		default:
			return out
		}
	}
}

func eventTypes(frames [][]byte) []string {
	var types []string
	for _, data := range frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &env)
		types = append(types, env.Type)
	}
	return types
}

func TestRegisterIsIdempotent(t *testing.T) {
	h := New(16)
	conn := NewConnection()

	h.Register(conn)
	h.Register(conn)
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestDeregisterIsIdempotent(t *testing.T) {
	h := New(16)
	conn := NewConnection()
	h.Register(conn)

	h.Deregister(conn.ID)
	assert.Equal(t, 0, h.ConnectionCount())

	// Second call must be a no-op, not a panic on double close.
	h.Deregister(conn.ID)
	h.Deregister("never-registered")
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestPublishReachesEveryConnection(t *testing.T) {
	h := New(16)
	a := NewConnection()
	b := NewConnection()
	h.Register(a)
	h.Register(b)

	require.NoError(t, h.Publish(event.NewCustom("notice", "hi")))

	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	h := New(16)
	assert.Error(t, h.Publish(event.NewCustom("", nil)))
	assert.Empty(t, h.History())
}

func TestPublishDropsClosedTransport(t *testing.T) {
	h := New(16)
	a := NewConnection()
	b := NewConnection()
	dead := NewConnection()
	h.Register(a)
	h.Register(b)
	h.Register(dead)

	dead.MarkClosed()

	require.NoError(t, h.Publish(event.NewStateSnapshot(map[string]any{"v": 1})))

	assert.Equal(t, 2, h.ConnectionCount(), "closed transport must be deregistered")
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
}

func TestUnicast(t *testing.T) {
	h := New(16)
	conn := NewConnection()
	h.Register(conn)

	assert.True(t, h.Unicast(conn.ID, event.NewCustom("ping", nil)))
	assert.False(t, h.Unicast("unknown", event.NewCustom("ping", nil)))

	conn.MarkClosed()
	assert.False(t, h.Unicast(conn.ID, event.NewCustom("ping", nil)))
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestReplayBufferIsBoundedFIFO(t *testing.T) {
	h := New(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(event.NewCustom("n", i)))
	}

	history := h.History()
	require.Len(t, history, 3)

	// Oldest entries evicted first: values 2, 3, 4 remain.
	for i, data := range history {
		var env struct {
			Value int `json:"value"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, i+2, env.Value)
	}
}

func TestReplayToPreservesOrder(t *testing.T) {
	h := New(8)
	require.NoError(t, h.Publish(event.NewTextMessageStart("m1", "assistant")))
	require.NoError(t, h.Publish(event.NewTextMessageContent("m1", "hello")))
	require.NoError(t, h.Publish(event.NewTextMessageEnd("m1")))

	late := NewConnection()
	h.Register(late)
	h.ReplayTo(late.ID)

	assert.Equal(t,
		[]string{"TextMessageStart", "TextMessageContent", "TextMessageEnd"},
		eventTypes(drain(late)))
}

func TestPublishDropsConnectionWithFullQueue(t *testing.T) {
	h := New(4)
	stuck := NewConnection()
	h.Register(stuck)

	for i := 0; ; i++ {
		require.NoError(t, h.Publish(event.NewCustom("n", i)))
		if h.ConnectionCount() == 0 {
			break
		}
		if i > cap(stuck.Send)+1 {
			t.Fatalf("connection with full queue was never dropped")
		}
	}
}

func TestBindThread(t *testing.T) {
	h := New(4)
	conn := NewConnection()
	h.Register(conn)

	h.BindThread(conn.ID, "thread_7")
	got, ok := h.Get(conn.ID)
	require.True(t, ok)
	assert.Equal(t, "thread_7", got.ThreadID)
}
