// Package event defines the wire vocabulary for agent events: the closed set
// of envelope variants streamed to clients over WebSocket. Envelopes are pure
// data; the only behavior here is required-field validation per variant.
package event

import (
	"fmt"
	"time"
)

// Type identifies an event variant.
type Type string

// Run lifecycle and streaming event types.
const (
	TypeRunStarted  Type = "RunStarted"
	TypeRunFinished Type = "RunFinished"
	TypeRunError    Type = "RunError"

	TypeStepStarted  Type = "StepStarted"
	TypeStepFinished Type = "StepFinished"

	TypeTextMessageStart   Type = "TextMessageStart"
	TypeTextMessageContent Type = "TextMessageContent"
	TypeTextMessageEnd     Type = "TextMessageEnd"

	TypeToolCallStart Type = "ToolCallStart"
	TypeToolCallArgs  Type = "ToolCallArgs"
	TypeToolCallEnd   Type = "ToolCallEnd"

	TypeStateSnapshot    Type = "StateSnapshot"
	TypeStateDelta       Type = "StateDelta"
	TypeMessagesSnapshot Type = "MessagesSnapshot"

	TypeRaw    Type = "Raw"
	TypeCustom Type = "Custom"
)

// Envelope is implemented by every event variant.
type Envelope interface {
	EventType() Type
	Validate() error
}

// Base carries the fields common to all envelopes.
type Base struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType returns the variant tag.
func (b Base) EventType() Type { return b.Type }

func newBase(t Type) Base {
	return Base{Type: t, Timestamp: time.Now().UTC()}
}

// RunStarted marks the beginning of a run.
type RunStarted struct {
	Base
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
}

// RunFinished marks the successful end of a run.
type RunFinished struct {
	Base
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
}

// RunError marks the failed end of a run.
type RunError struct {
	Base
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// StepStarted marks entry into a named phase of a run.
type StepStarted struct {
	Base
	StepName string `json:"stepName"`
}

// StepFinished marks exit from a named phase of a run.
type StepFinished struct {
	Base
	StepName string `json:"stepName"`
}

// TextMessageStart opens a streamed text message.
type TextMessageStart struct {
	Base
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
}

// TextMessageContent carries one chunk of a streamed text message.
type TextMessageContent struct {
	Base
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// TextMessageEnd closes a streamed text message.
type TextMessageEnd struct {
	Base
	MessageID string `json:"messageId"`
}

// ToolCallStart opens a streamed tool invocation.
type ToolCallStart struct {
	Base
	ToolCallID      string `json:"toolCallId"`
	ToolCallName    string `json:"toolCallName"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

// ToolCallArgs carries one chunk of a tool call's JSON argument text.
type ToolCallArgs struct {
	Base
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
}

// ToolCallEnd closes a streamed tool invocation.
type ToolCallEnd struct {
	Base
	ToolCallID string `json:"toolCallId"`
}

// StateSnapshot carries a full replacement of the shared state document.
type StateSnapshot struct {
	Base
	Snapshot any `json:"snapshot"`
}

// PatchOp is a single RFC 6902 operation inside a StateDelta.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// StateDelta carries an ordered list of patch operations against the last
// known state document.
type StateDelta struct {
	Base
	Delta []PatchOp `json:"delta"`
}

// Message is one entry of a MessagesSnapshot.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessagesSnapshot carries the full message history of a thread.
type MessagesSnapshot struct {
	Base
	Messages []Message `json:"messages"`
}

// Raw wraps an event produced outside the encoder, forwarded as-is.
type Raw struct {
	Base
	Event  any    `json:"event"`
	Source string `json:"source,omitempty"`
}

// Custom carries an application-defined named value.
type Custom struct {
	Base
	Name  string `json:"name"`
	Value any    `json:"value,omitempty"`
}

// Constructors stamp the variant tag and a UTC timestamp.

func NewRunStarted(threadID, runID string) RunStarted {
	return RunStarted{Base: newBase(TypeRunStarted), ThreadID: threadID, RunID: runID}
}

func NewRunFinished(threadID, runID string) RunFinished {
	return RunFinished{Base: newBase(TypeRunFinished), ThreadID: threadID, RunID: runID}
}

func NewRunError(message, code string) RunError {
	return RunError{Base: newBase(TypeRunError), Message: message, Code: code}
}

func NewStepStarted(stepName string) StepStarted {
	return StepStarted{Base: newBase(TypeStepStarted), StepName: stepName}
}

func NewStepFinished(stepName string) StepFinished {
	return StepFinished{Base: newBase(TypeStepFinished), StepName: stepName}
}

func NewTextMessageStart(messageID, role string) TextMessageStart {
	return TextMessageStart{Base: newBase(TypeTextMessageStart), MessageID: messageID, Role: role}
}

func NewTextMessageContent(messageID, delta string) TextMessageContent {
	return TextMessageContent{Base: newBase(TypeTextMessageContent), MessageID: messageID, Delta: delta}
}

func NewTextMessageEnd(messageID string) TextMessageEnd {
	return TextMessageEnd{Base: newBase(TypeTextMessageEnd), MessageID: messageID}
}

func NewToolCallStart(toolCallID, toolCallName, parentMessageID string) ToolCallStart {
	return ToolCallStart{
		Base:            newBase(TypeToolCallStart),
		ToolCallID:      toolCallID,
		ToolCallName:    toolCallName,
		ParentMessageID: parentMessageID,
	}
}

func NewToolCallArgs(toolCallID, delta string) ToolCallArgs {
	return ToolCallArgs{Base: newBase(TypeToolCallArgs), ToolCallID: toolCallID, Delta: delta}
}

func NewToolCallEnd(toolCallID string) ToolCallEnd {
	return ToolCallEnd{Base: newBase(TypeToolCallEnd), ToolCallID: toolCallID}
}

func NewStateSnapshot(snapshot any) StateSnapshot {
	return StateSnapshot{Base: newBase(TypeStateSnapshot), Snapshot: snapshot}
}

func NewStateDelta(ops []PatchOp) StateDelta {
	return StateDelta{Base: newBase(TypeStateDelta), Delta: ops}
}

func NewMessagesSnapshot(messages []Message) MessagesSnapshot {
	return MessagesSnapshot{Base: newBase(TypeMessagesSnapshot), Messages: messages}
}

func NewRaw(ev any, source string) Raw {
	return Raw{Base: newBase(TypeRaw), Event: ev, Source: source}
}

func NewCustom(name string, value any) Custom {
	return Custom{Base: newBase(TypeCustom), Name: name, Value: value}
}

// Validate implementations. Every variant checks its required fields; the
// timestamp is stamped by the constructors and checked once in Base.

func (b Base) validateBase() error {
	if b.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("event timestamp is required")
	}
	return nil
}

func (e RunStarted) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.ThreadID == "" {
		return fmt.Errorf("%s: threadId is required", e.Type)
	}
	if e.RunID == "" {
		return fmt.Errorf("%s: runId is required", e.Type)
	}
	return nil
}

func (e RunFinished) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.ThreadID == "" {
		return fmt.Errorf("%s: threadId is required", e.Type)
	}
	if e.RunID == "" {
		return fmt.Errorf("%s: runId is required", e.Type)
	}
	return nil
}

func (e RunError) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.Message == "" {
		return fmt.Errorf("%s: message is required", e.Type)
	}
	return nil
}

func (e StepStarted) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.StepName == "" {
		return fmt.Errorf("%s: stepName is required", e.Type)
	}
	return nil
}

func (e StepFinished) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.StepName == "" {
		return fmt.Errorf("%s: stepName is required", e.Type)
	}
	return nil
}

func (e TextMessageStart) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.MessageID == "" {
		return fmt.Errorf("%s: messageId is required", e.Type)
	}
	if e.Role == "" {
		return fmt.Errorf("%s: role is required", e.Type)
	}
	return nil
}

func (e TextMessageContent) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.MessageID == "" {
		return fmt.Errorf("%s: messageId is required", e.Type)
	}
	return nil
}

func (e TextMessageEnd) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.MessageID == "" {
		return fmt.Errorf("%s: messageId is required", e.Type)
	}
	return nil
}

func (e ToolCallStart) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.ToolCallID == "" {
		return fmt.Errorf("%s: toolCallId is required", e.Type)
	}
	if e.ToolCallName == "" {
		return fmt.Errorf("%s: toolCallName is required", e.Type)
	}
	return nil
}

func (e ToolCallArgs) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.ToolCallID == "" {
		return fmt.Errorf("%s: toolCallId is required", e.Type)
	}
	return nil
}

func (e ToolCallEnd) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.ToolCallID == "" {
		return fmt.Errorf("%s: toolCallId is required", e.Type)
	}
	return nil
}

func (e StateSnapshot) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.Snapshot == nil {
		return fmt.Errorf("%s: snapshot is required", e.Type)
	}
	return nil
}

func (e StateDelta) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if len(e.Delta) == 0 {
		return fmt.Errorf("%s: delta must contain at least one operation", e.Type)
	}
	for i, op := range e.Delta {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("%s: delta[%d]: %w", e.Type, i, err)
		}
	}
	return nil
}

func (e MessagesSnapshot) Validate() error {
	return e.validateBase()
}

func (e Raw) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.Event == nil {
		return fmt.Errorf("%s: event is required", e.Type)
	}
	return nil
}

func (e Custom) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.Name == "" {
		return fmt.Errorf("%s: name is required", e.Type)
	}
	return nil
}

// Valid patch operation verbs.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

// Validate checks the op verb and its verb-specific required fields.
func (op PatchOp) Validate() error {
	switch op.Op {
	case OpAdd, OpReplace, OpTest, OpRemove:
		if op.Path == "" {
			return fmt.Errorf("%s: path is required", op.Op)
		}
	case OpMove, OpCopy:
		if op.Path == "" {
			return fmt.Errorf("%s: path is required", op.Op)
		}
		if op.From == "" {
			return fmt.Errorf("%s: from is required", op.Op)
		}
	default:
		return fmt.Errorf("unknown patch op %q", op.Op)
	}
	return nil
}
