// Package stream turns logical agent operations (runs, steps, streamed
// messages, streamed tool calls, state changes) into correctly ordered event
// sequences and drives them through the connection registry.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aidekit/aide/internal/event"
)

// Publisher is the capability the encoder needs from the connection registry.
type Publisher interface {
	Publish(env event.Envelope) error
	Unicast(connID string, env event.Envelope) bool
}

// Options control chunking and pacing of streamed output. The delays simulate
// incremental generation; ordering guarantees do not depend on them.
type Options struct {
	TextChunkSize  int
	TextChunkDelay time.Duration
	ToolChunkSize  int
	ToolChunkDelay time.Duration
}

// DefaultOptions returns the standard pacing.
func DefaultOptions() Options {
	return Options{
		TextChunkSize:  10,
		TextChunkDelay: 50 * time.Millisecond,
		ToolChunkSize:  20,
		ToolChunkDelay: 30 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TextChunkSize <= 0 {
		o.TextChunkSize = d.TextChunkSize
	}
	if o.TextChunkDelay < 0 {
		o.TextChunkDelay = d.TextChunkDelay
	}
	if o.ToolChunkSize <= 0 {
		o.ToolChunkSize = d.ToolChunkSize
	}
	if o.ToolChunkDelay < 0 {
		o.ToolChunkDelay = d.ToolChunkDelay
	}
	return o
}

// Encoder produces event sequences through a Publisher.
type Encoder struct {
	pub  Publisher
	opts Options
}

// NewEncoder creates an encoder. Zero chunk sizes fall back to the defaults;
// a zero delay is honored (useful in tests).
func NewEncoder(pub Publisher, opts Options) *Encoder {
	return &Encoder{pub: pub, opts: opts.withDefaults()}
}

// SendStateSnapshot broadcasts a full state document replacement.
func (e *Encoder) SendStateSnapshot(doc any) error {
	return e.pub.Publish(event.NewStateSnapshot(doc))
}

// SendStateDelta broadcasts an ordered list of state patch operations.
func (e *Encoder) SendStateDelta(ops []event.PatchOp) error {
	return e.pub.Publish(event.NewStateDelta(ops))
}

// SendMessagesSnapshot broadcasts the full message history of a thread.
func (e *Encoder) SendMessagesSnapshot(messages []event.Message) error {
	return e.pub.Publish(event.NewMessagesSnapshot(messages))
}

// Run drives the event sequence of one logical unit of agent work, unicast to
// the originating connection. A run emits RunStarted exactly once and exactly
// one terminal event; further terminal calls are no-ops.
type Run struct {
	enc      *Encoder
	connID   string
	threadID string
	runID    string

	mu       sync.Mutex
	started  bool
	finished bool
	dead     bool
}

// NewRun creates a run bound to the originating connection. The run ID is
// freshly generated.
func (e *Encoder) NewRun(connID, threadID string) *Run {
	return &Run{
		enc:      e,
		connID:   connID,
		threadID: threadID,
		runID:    "run_" + uuid.New().String()[:8],
	}
}

// ID returns the run identity.
func (r *Run) ID() string { return r.runID }

// ThreadID returns the conversation thread the run belongs to.
func (r *Run) ThreadID() string { return r.threadID }

// emit unicasts an envelope to the originating connection. Once the connection
// is detected dead, all further emissions for this run are dropped so a stream
// to nowhere stops producing chunks.
func (r *Run) emit(env event.Envelope) bool {
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	if !r.enc.pub.Unicast(r.connID, env) {
		r.mu.Lock()
		r.dead = true
		r.mu.Unlock()
		log.Debug().Str("run_id", r.runID).Str("connection_id", r.connID).
			Msg("originating connection gone, stopping run output")
		return false
	}
	return true
}

// Start emits RunStarted. Repeated calls are no-ops.
func (r *Run) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	r.emit(event.NewRunStarted(r.threadID, r.runID))
}

// Finish emits RunFinished unless a terminal event was already emitted.
func (r *Run) Finish() {
	if r.terminate() {
		r.emit(event.NewRunFinished(r.threadID, r.runID))
	}
}

// Error emits RunError unless a terminal event was already emitted.
func (r *Run) Error(message, code string) {
	if r.terminate() {
		r.emit(event.NewRunError(message, code))
	}
}

func (r *Run) terminate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.finished {
		return false
	}
	r.finished = true
	return true
}

// Step emits StepStarted immediately and returns the matching release. Callers
// defer the release so the step is finished on every exit path, including
// panics; releasing twice is a no-op.
func (r *Run) Step(name string) func() {
	r.emit(event.NewStepStarted(name))
	var once sync.Once
	return func() {
		once.Do(func() {
			r.emit(event.NewStepFinished(name))
		})
	}
}

// StreamMessage emits a Start/Content*/End sequence for the given text under a
// fresh message ID, pacing chunks with the configured delay, and returns the
// message ID. The chunk loop stops early if the context is canceled or the
// originating connection dies; the timer is released on every exit path.
func (r *Run) StreamMessage(ctx context.Context, content, role string) string {
	messageID := "msg_" + uuid.New().String()[:8]

	if !r.emit(event.NewTextMessageStart(messageID, role)) {
		return messageID
	}
	for i, chunk := range splitChunks(content, r.enc.opts.TextChunkSize) {
		if i > 0 && !pause(ctx, r.enc.opts.TextChunkDelay) {
			return messageID
		}
		if !r.emit(event.NewTextMessageContent(messageID, chunk)) {
			return messageID
		}
	}
	r.emit(event.NewTextMessageEnd(messageID))
	return messageID
}

// StreamToolCall emits a Start/Args*/End sequence carrying the JSON-serialized
// arguments of a tool invocation, and returns the tool call ID.
func (r *Run) StreamToolCall(ctx context.Context, toolName string, args any, parentMessageID string) (string, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool args: %w", err)
	}

	toolCallID := "tc_" + uuid.New().String()[:8]
	if !r.emit(event.NewToolCallStart(toolCallID, toolName, parentMessageID)) {
		return toolCallID, nil
	}
	for i, chunk := range splitChunks(string(argsJSON), r.enc.opts.ToolChunkSize) {
		if i > 0 && !pause(ctx, r.enc.opts.ToolChunkDelay) {
			return toolCallID, nil
		}
		if !r.emit(event.NewToolCallArgs(toolCallID, chunk)) {
			return toolCallID, nil
		}
	}
	r.emit(event.NewToolCallEnd(toolCallID))
	return toolCallID, nil
}

// SnapshotToOrigin unicasts a state snapshot to the originating connection
// only, used to bring the requester up to date at the start of a run.
func (r *Run) SnapshotToOrigin(doc any) bool {
	return r.emit(event.NewStateSnapshot(doc))
}

// pause waits for the inter-chunk delay, aborting early on cancellation.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// splitChunks splits s into rune-aligned chunks of at most size characters.
// Empty input yields no chunks.
func splitChunks(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
