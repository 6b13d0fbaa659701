// Package protocol defines the WebSocket message protocol between clients and
// the connection server. Two inbound shapes are accepted: the legacy
// {id, type, data} envelope and the simplified ChatMessage envelope used by the
// chat UI.
package protocol

import (
	"encoding/json"
	"time"
)

// Legacy request types.
const (
	TypeMessage  = "message"
	TypeAction   = "action"
	TypeApproval = "approval"
	TypePing     = "ping"
)

// TypeChatMessage is the simplified inbound envelope used by the chat UI.
const TypeChatMessage = "ChatMessage"

// Outbound envelope types.
const (
	TypeEvent    = "event"
	TypeResponse = "response"
)

// Response statuses.
const (
	StatusCompleted = "completed"
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusError     = "error"
)

// Probe is a type-only peek at an inbound frame, used for dispatch.
type Probe struct {
	Type string `json:"type"`
}

// Request is the legacy inbound envelope.
type Request struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Data      RequestData `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// RequestData carries the request payload for legacy requests.
type RequestData struct {
	Content  string          `json:"content,omitempty"`
	Action   string          `json:"action,omitempty"`
	Params   map[string]any  `json:"params,omitempty"`
	ThreadID string          `json:"threadId,omitempty"`
	Approval json.RawMessage `json:"approval,omitempty"`
	Decision string          `json:"decision,omitempty"`
}

// ChatMessage is the simplified inbound envelope.
type ChatMessage struct {
	Type      string         `json:"type"`
	MessageID string         `json:"messageId,omitempty"`
	Content   string         `json:"content"`
	Role      string         `json:"role"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Response is the outbound envelope for both events and request responses.
type Response struct {
	ID        string    `json:"id,omitempty"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ResponsePayload is the Data of a response-typed envelope.
type ResponsePayload struct {
	RequestID  string `json:"requestId,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
	ApprovalID string `json:"approvalId,omitempty"`
	Result     any    `json:"result,omitempty"`
}

// NewResponse wraps a response payload in an outbound envelope.
func NewResponse(requestID string, payload ResponsePayload) Response {
	payload.RequestID = requestID
	return Response{
		ID:        requestID,
		Type:      TypeResponse,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorResponse builds an error response referencing the original request.
func NewErrorResponse(requestID, code, message string) Response {
	return NewResponse(requestID, ResponsePayload{
		Status:  StatusError,
		Code:    code,
		Message: message,
	})
}

// Error codes.
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeFrameTooLarge  = "frame_too_large"
	ErrorCodeUnknownType    = "unknown_type"
	ErrorCodeHandlerFailed  = "handler_failed"
	ErrorCodeBlocked        = "blocked"
	ErrorCodeNotFound       = "not_found"
)
