// Package orchestrator owns the shared application state and drives one run
// per inbound request: classify the intent, dispatch the matching collaborator
// inside a step, stream the reply, and keep every connection's view of the
// state converged through snapshots and deltas.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aidekit/aide/internal/assistant"
	"github.com/aidekit/aide/internal/event"
	"github.com/aidekit/aide/internal/intent"
	"github.com/aidekit/aide/internal/policy"
	"github.com/aidekit/aide/internal/protocol"
	"github.com/aidekit/aide/internal/state"
	"github.com/aidekit/aide/internal/stream"
)

// DefaultThread groups connections that never name a thread explicitly.
const DefaultThread = "main"

// Bus is the registry capability the orchestrator needs: event publishing for
// the encoder plus raw unicast for protocol responses.
type Bus interface {
	stream.Publisher
	UnicastRaw(connID string, data []byte) bool
	BindThread(connID, threadID string)
}

// Services bundles the collaborators the orchestrator dispatches to.
type Services struct {
	Calendar assistant.CalendarService
	Email    assistant.EmailService
	OKR      assistant.OKRService
	Policy   *policy.Engine
}

type pendingAction struct {
	action   string
	params   map[string]any
	threadID string
}

// Orchestrator is the single entry point for client requests. All handler
// failures are recovered here; nothing below this boundary may take down a
// connection pump.
type Orchestrator struct {
	bus Bus
	enc *stream.Encoder
	svc Services

	mu       sync.Mutex
	states   map[string]*state.Document
	messages map[string][]event.Message
	pending  map[string]pendingAction
}

// New creates an orchestrator publishing through bus with the given stream
// pacing.
func New(bus Bus, opts stream.Options, svc Services) *Orchestrator {
	return &Orchestrator{
		bus:      bus,
		enc:      stream.NewEncoder(bus, opts),
		svc:      svc,
		states:   make(map[string]*state.Document),
		messages: make(map[string][]event.Message),
		pending:  make(map[string]pendingAction),
	}
}

// initialState is the skeleton every thread's document starts from, so delta
// paths used by the handlers always resolve.
func initialState() map[string]any {
	return map[string]any{
		"calendar": map[string]any{"agenda": []any{}},
		"emails":   map[string]any{"summary": nil, "draft": nil, "priorities": []any{}},
		"okrs":     map[string]any{"objectives": []any{}, "averageProgress": 0.0},
	}
}

func (o *Orchestrator) stateFor(threadID string) *state.Document {
	o.mu.Lock()
	defer o.mu.Unlock()
	doc, ok := o.states[threadID]
	if !ok {
		doc = state.NewDocument(initialState())
		o.states[threadID] = doc
	}
	return doc
}

// HandleChat processes a simplified ChatMessage request.
func (o *Orchestrator) HandleChat(ctx context.Context, connID string, msg protocol.ChatMessage) {
	threadID := DefaultThread
	if v, ok := msg.Context["threadId"].(string); ok && v != "" {
		threadID = v
	}
	role := msg.Role
	if role == "" {
		role = "user"
	}
	o.process(ctx, connID, msg.MessageID, threadID, role, msg.Content, nil)
}

// HandleRequest processes a legacy {id, type, data} request.
func (o *Orchestrator) HandleRequest(ctx context.Context, connID string, req protocol.Request) {
	threadID := req.Data.ThreadID
	if threadID == "" {
		threadID = DefaultThread
	}

	switch req.Type {
	case protocol.TypePing:
		o.respond(connID, protocol.NewResponse(req.ID, protocol.ResponsePayload{
			Status: protocol.StatusCompleted,
		}))

	case protocol.TypeMessage:
		o.process(ctx, connID, req.ID, threadID, "user", req.Data.Content, nil)

	case protocol.TypeAction:
		o.handleAction(ctx, connID, req.ID, threadID, req.Data.Action, req.Data.Params)

	case protocol.TypeApproval:
		o.handleApproval(ctx, connID, req.ID, req.Data)

	default:
		o.respond(connID, protocol.NewErrorResponse(req.ID, protocol.ErrorCodeUnknownType,
			fmt.Sprintf("unknown request type %q", req.Type)))
	}
}

// handleAction routes a named action through the policy engine before running it.
func (o *Orchestrator) handleAction(ctx context.Context, connID, requestID, threadID, action string, params map[string]any) {
	if action == "" {
		o.respond(connID, protocol.NewErrorResponse(requestID, protocol.ErrorCodeInvalidMessage,
			"action is required"))
		return
	}

	decision := policy.DecisionAllow
	if o.svc.Policy != nil {
		var err error
		decision, err = o.svc.Policy.Evaluate(ctx, policy.Input{
			Action: action, Params: params, ThreadID: threadID,
		})
		if err != nil {
			log.Error().Err(err).Str("action", action).Msg("policy evaluation failed")
			o.respond(connID, protocol.NewErrorResponse(requestID, protocol.ErrorCodeHandlerFailed,
				"policy evaluation failed"))
			return
		}
	}

	switch decision {
	case policy.DecisionBlock:
		o.respond(connID, protocol.NewErrorResponse(requestID, protocol.ErrorCodeBlocked,
			fmt.Sprintf("action %q is blocked by policy", action)))

	case policy.DecisionRequireApproval:
		approvalID := "apr_" + uuid.New().String()[:8]
		o.mu.Lock()
		o.pending[approvalID] = pendingAction{
			action: action, params: params, threadID: threadID,
		}
		o.mu.Unlock()
		o.respond(connID, protocol.NewResponse(requestID, protocol.ResponsePayload{
			Status:     protocol.StatusPending,
			ApprovalID: approvalID,
			Message:    fmt.Sprintf("action %q requires approval", action),
		}))

	default:
		forced := intent.Intent{Type: "action", Action: action, Params: params}
		o.process(ctx, connID, requestID, threadID, "user", "", &forced)
	}
}

// handleApproval resolves a pending action with the client's decision.
func (o *Orchestrator) handleApproval(ctx context.Context, connID, requestID string, data protocol.RequestData) {
	approvalID, _ := data.Params["approvalId"].(string)
	decision := data.Decision
	if decision == "" {
		decision, _ = data.Params["decision"].(string)
	}

	o.mu.Lock()
	pa, ok := o.pending[approvalID]
	if ok {
		delete(o.pending, approvalID)
	}
	o.mu.Unlock()

	if !ok {
		o.respond(connID, protocol.NewErrorResponse(requestID, protocol.ErrorCodeNotFound,
			fmt.Sprintf("no pending approval %q", approvalID)))
		return
	}

	if decision != "approve" {
		o.respond(connID, protocol.NewResponse(requestID, protocol.ResponsePayload{
			Status:     protocol.StatusRejected,
			ApprovalID: approvalID,
		}))
		return
	}

	o.respond(connID, protocol.NewResponse(requestID, protocol.ResponsePayload{
		Status:     protocol.StatusApproved,
		ApprovalID: approvalID,
	}))
	forced := intent.Intent{Type: "action", Action: pa.action, Params: pa.params}
	o.process(ctx, connID, requestID, pa.threadID, "user", "", &forced)
}

// process runs one request end to end: run lifecycle, state snapshot to the
// requester, intent dispatch inside a step, streamed reply, state delta on
// success. It is the single recovery boundary for handler failures.
func (o *Orchestrator) process(ctx context.Context, connID, requestID, threadID, role, content string, forced *intent.Intent) {
	o.bus.BindThread(connID, threadID)
	doc := o.stateFor(threadID)

	if content != "" {
		o.appendMessage(threadID, event.Message{
			ID: "msg_" + uuid.New().String()[:8], Role: role, Content: content, Timestamp: time.Now().UTC(),
		})
	}

	run := o.enc.NewRun(connID, threadID)
	run.Start()
	run.SnapshotToOrigin(doc.Snapshot())

	it := intent.Classify(content)
	if forced != nil {
		it = *forced
	}

	var (
		result handlerResult
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		release := run.Step("processing_" + it.Action)
		defer release()
		result, err = o.dispatch(ctx, run, it)
	}()

	if err != nil {
		log.Warn().Err(err).Str("run_id", run.ID()).Str("action", it.Action).Msg("handler failed")
		run.Error(err.Error(), protocol.ErrorCodeHandlerFailed)
		o.respond(connID, protocol.NewErrorResponse(requestID, protocol.ErrorCodeHandlerFailed, err.Error()))
		return
	}

	msgID := run.StreamMessage(ctx, result.reply, "assistant")
	o.appendMessage(threadID, event.Message{
		ID: msgID, Role: "assistant", Content: result.reply, Timestamp: time.Now().UTC(),
	})

	if len(result.ops) > 0 {
		// Apply and publish under one lock so deltas reach the bus in the
		// order they were applied to the document.
		o.mu.Lock()
		applyErr := doc.Apply(result.ops)
		var publishErr error
		if applyErr == nil {
			publishErr = o.enc.SendStateDelta(result.ops)
		}
		o.mu.Unlock()
		if applyErr != nil {
			// A bad delta is fatal to the document, not the process: re-sync
			// everyone from a fresh snapshot instead of attempting repair.
			log.Error().Err(applyErr).Str("thread_id", threadID).Msg("state delta rejected, re-syncing")
			if err := o.enc.SendStateSnapshot(doc.Snapshot()); err != nil {
				log.Error().Err(err).Msg("state re-sync failed")
			}
		} else if publishErr != nil {
			log.Error().Err(publishErr).Msg("state delta publish failed")
		}
	}

	if err := o.enc.SendMessagesSnapshot(o.messagesFor(threadID)); err != nil {
		log.Error().Err(err).Msg("messages snapshot publish failed")
	}

	run.Finish()
	o.respond(connID, protocol.NewResponse(requestID, protocol.ResponsePayload{
		Status: protocol.StatusCompleted,
	}))
}

type handlerResult struct {
	reply string
	ops   []event.PatchOp
}

// dispatch invokes the collaborator for the classified intent. Tool-backed
// intents stream the tool invocation before the collaborator call so clients
// can render progress.
func (o *Orchestrator) dispatch(ctx context.Context, run *stream.Run, it intent.Intent) (handlerResult, error) {
	switch it.Action {
	case intent.ActionTodaysAgenda:
		if _, err := run.StreamToolCall(ctx, it.Action, map[string]any{}, ""); err != nil {
			return handlerResult{}, err
		}
		agenda, err := o.svc.Calendar.TodaysAgenda(ctx)
		if err != nil {
			return handlerResult{}, fmt.Errorf("calendar agenda failed: %w", err)
		}
		reply := "Your calendar is clear today."
		if len(agenda) > 0 {
			reply = fmt.Sprintf("You have %d meetings today, starting with %q at %s.",
				len(agenda), agenda[0].Title, agenda[0].Start.Format("15:04"))
		}
		return handlerResult{reply: reply, ops: []event.PatchOp{
			{Op: event.OpReplace, Path: "/calendar/agenda", Value: agenda},
		}}, nil

	case intent.ActionCheckAvailability:
		start := paramTime(it.Params, "start", time.Now().Truncate(time.Hour).Add(time.Hour))
		end := paramTime(it.Params, "end", start.Add(time.Hour))
		if _, err := run.StreamToolCall(ctx, it.Action, map[string]any{
			"start": start.Format(time.RFC3339), "end": end.Format(time.RFC3339),
		}, ""); err != nil {
			return handlerResult{}, err
		}
		free, conflicts, err := o.svc.Calendar.CheckAvailability(ctx, start, end)
		if err != nil {
			return handlerResult{}, fmt.Errorf("availability check failed: %w", err)
		}
		if free {
			return handlerResult{reply: fmt.Sprintf("You are free from %s to %s.",
				start.Format("15:04"), end.Format("15:04"))}, nil
		}
		return handlerResult{reply: fmt.Sprintf("That window conflicts with %q.", conflicts[0].Title)}, nil

	case intent.ActionScheduleMeeting:
		title := paramString(it.Params, "title", "Meeting")
		start := paramTime(it.Params, "start", time.Time{})
		if start.IsZero() {
			slot, err := o.svc.Calendar.FindOptimalMeetingTime(ctx, time.Hour)
			if err != nil {
				return handlerResult{}, fmt.Errorf("no slot available: %w", err)
			}
			start = slot
		}
		end := paramTime(it.Params, "end", start.Add(time.Hour))
		if _, err := run.StreamToolCall(ctx, it.Action, map[string]any{
			"title": title, "start": start.Format(time.RFC3339), "end": end.Format(time.RFC3339),
		}, ""); err != nil {
			return handlerResult{}, err
		}
		meeting, err := o.svc.Calendar.ScheduleMeeting(ctx, title, start, end, paramStrings(it.Params, "attendees"))
		if err != nil {
			return handlerResult{}, fmt.Errorf("scheduling failed: %w", err)
		}
		return handlerResult{
			reply: fmt.Sprintf("Scheduled %q on %s.", meeting.Title, meeting.Start.Format("Mon Jan 2 15:04")),
			ops: []event.PatchOp{
				{Op: event.OpAdd, Path: "/calendar/agenda/-", Value: meeting},
			},
		}, nil

	case intent.ActionFindMeetingTime:
		duration := time.Duration(paramFloat(it.Params, "minutes", 60)) * time.Minute
		if _, err := run.StreamToolCall(ctx, it.Action, map[string]any{
			"minutes": duration.Minutes(),
		}, ""); err != nil {
			return handlerResult{}, err
		}
		slot, err := o.svc.Calendar.FindOptimalMeetingTime(ctx, duration)
		if err != nil {
			return handlerResult{}, fmt.Errorf("no slot available: %w", err)
		}
		return handlerResult{reply: fmt.Sprintf("The next good slot is %s.", slot.Format("Mon Jan 2 15:04"))}, nil

	case intent.ActionCancelMeeting:
		meetingID := paramString(it.Params, "meetingId", "")
		if meetingID == "" {
			return handlerResult{}, fmt.Errorf("meetingId is required to cancel a meeting")
		}
		if _, err := run.StreamToolCall(ctx, it.Action, map[string]any{"meetingId": meetingID}, ""); err != nil {
			return handlerResult{}, err
		}
		if err := o.svc.Calendar.CancelMeeting(ctx, meetingID); err != nil {
			return handlerResult{}, fmt.Errorf("cancel failed: %w", err)
		}
		agenda, err := o.svc.Calendar.TodaysAgenda(ctx)
		if err != nil {
			return handlerResult{}, fmt.Errorf("calendar agenda failed: %w", err)
		}
		return handlerResult{reply: "The meeting has been cancelled.", ops: []event.PatchOp{
			{Op: event.OpReplace, Path: "/calendar/agenda", Value: agenda},
		}}, nil

	case intent.ActionSummarizeEmails:
		args := map[string]any{"maxResults": 50, "query": "is:unread"}
		if _, err := run.StreamToolCall(ctx, it.Action, args, ""); err != nil {
			return handlerResult{}, err
		}
		summary, err := o.svc.Email.SummarizeEmails(ctx, 50, "is:unread")
		if err != nil {
			return handlerResult{}, fmt.Errorf("email summary failed: %w", err)
		}
		return handlerResult{reply: summary.Text, ops: []event.PatchOp{
			{Op: event.OpReplace, Path: "/emails/summary", Value: summary},
		}}, nil

	case intent.ActionDraftResponse:
		emailID := paramString(it.Params, "emailId", "")
		if emailID == "" {
			return handlerResult{}, fmt.Errorf("emailId is required to draft a response")
		}
		guidance := paramString(it.Params, "guidance", "")
		if _, err := run.StreamToolCall(ctx, it.Action, map[string]any{
			"emailId": emailID, "guidance": guidance,
		}, ""); err != nil {
			return handlerResult{}, err
		}
		draft, err := o.svc.Email.DraftResponse(ctx, emailID, guidance)
		if err != nil {
			return handlerResult{}, fmt.Errorf("drafting failed: %w", err)
		}
		return handlerResult{
			reply: fmt.Sprintf("Draft ready for %s: %q", draft.To, draft.Subject),
			ops: []event.PatchOp{
				{Op: event.OpReplace, Path: "/emails/draft", Value: draft},
			},
		}, nil

	case intent.ActionSendEmail:
		draft := assistant.Draft{
			To:      paramString(it.Params, "to", ""),
			Subject: paramString(it.Params, "subject", ""),
			Body:    paramString(it.Params, "body", ""),
		}
		if _, err := run.StreamToolCall(ctx, it.Action, map[string]any{
			"to": draft.To, "subject": draft.Subject,
		}, ""); err != nil {
			return handlerResult{}, err
		}
		id, err := o.svc.Email.SendEmail(ctx, draft)
		if err != nil {
			return handlerResult{}, fmt.Errorf("send failed: %w", err)
		}
		return handlerResult{
			reply: fmt.Sprintf("Email sent to %s (%s).", draft.To, id),
			ops: []event.PatchOp{
				{Op: event.OpReplace, Path: "/emails/draft", Value: nil},
			},
		}, nil

	case intent.ActionPrioritizeInbox:
		if _, err := run.StreamToolCall(ctx, it.Action, map[string]any{}, ""); err != nil {
			return handlerResult{}, err
		}
		ordered, err := o.svc.Email.PrioritizeInbox(ctx)
		if err != nil {
			return handlerResult{}, fmt.Errorf("inbox triage failed: %w", err)
		}
		reply := "Your inbox is clear."
		if len(ordered) > 0 {
			reply = fmt.Sprintf("%d unread emails; start with %q from %s.",
				len(ordered), ordered[0].Subject, ordered[0].From)
		}
		return handlerResult{reply: reply, ops: []event.PatchOp{
			{Op: event.OpReplace, Path: "/emails/priorities", Value: ordered},
		}}, nil

	case intent.ActionOKRDashboard:
		if _, err := run.StreamToolCall(ctx, it.Action, map[string]any{}, ""); err != nil {
			return handlerResult{}, err
		}
		dashboard, err := o.svc.OKR.DashboardData(ctx)
		if err != nil {
			return handlerResult{}, fmt.Errorf("okr dashboard failed: %w", err)
		}
		return handlerResult{
			reply: fmt.Sprintf("You are tracking %d objectives at %.0f%% average progress.",
				len(dashboard.Objectives), dashboard.AverageProgress*100),
			ops: []event.PatchOp{
				{Op: event.OpReplace, Path: "/okrs/objectives", Value: dashboard.Objectives},
				{Op: event.OpReplace, Path: "/okrs/averageProgress", Value: dashboard.AverageProgress},
			},
		}, nil

	case intent.ActionCreateOKR:
		title := paramString(it.Params, "title", "")
		if title == "" {
			return handlerResult{}, fmt.Errorf("title is required to create an objective")
		}
		if _, err := run.StreamToolCall(ctx, it.Action, map[string]any{"title": title}, ""); err != nil {
			return handlerResult{}, err
		}
		obj, err := o.svc.OKR.CreateOKR(ctx, title,
			paramString(it.Params, "owner", ""), paramString(it.Params, "quarter", ""),
			paramStrings(it.Params, "keyResults"))
		if err != nil {
			return handlerResult{}, fmt.Errorf("okr creation failed: %w", err)
		}
		return handlerResult{
			reply: fmt.Sprintf("Created objective %q with %d key results.", obj.Title, len(obj.KeyResults)),
			ops: []event.PatchOp{
				{Op: event.OpAdd, Path: "/okrs/objectives/-", Value: obj},
			},
		}, nil

	case intent.ActionUpdateProgress:
		krID := paramString(it.Params, "keyResultId", "")
		if krID == "" {
			return handlerResult{}, fmt.Errorf("keyResultId is required to update progress")
		}
		progress := paramFloat(it.Params, "progress", -1)
		if _, err := run.StreamToolCall(ctx, it.Action, map[string]any{
			"keyResultId": krID, "progress": progress,
		}, ""); err != nil {
			return handlerResult{}, err
		}
		obj, err := o.svc.OKR.UpdateProgress(ctx, krID, progress)
		if err != nil {
			return handlerResult{}, fmt.Errorf("progress update failed: %w", err)
		}
		dashboard, err := o.svc.OKR.DashboardData(ctx)
		if err != nil {
			return handlerResult{}, fmt.Errorf("okr dashboard failed: %w", err)
		}
		return handlerResult{
			reply: fmt.Sprintf("%q is now at %.0f%%.", obj.Title, obj.Progress*100),
			ops: []event.PatchOp{
				{Op: event.OpReplace, Path: "/okrs/objectives", Value: dashboard.Objectives},
				{Op: event.OpReplace, Path: "/okrs/averageProgress", Value: dashboard.AverageProgress},
			},
		}, nil

	default:
		return handlerResult{
			reply: "I can help with your calendar, email, and OKRs. What would you like to do?",
		}, nil
	}
}

func (o *Orchestrator) appendMessage(threadID string, msg event.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages[threadID] = append(o.messages[threadID], msg)
}

func (o *Orchestrator) messagesFor(threadID string) []event.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]event.Message(nil), o.messages[threadID]...)
}

func (o *Orchestrator) respond(connID string, resp protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("response encode failed")
		return
	}
	o.bus.UnicastRaw(connID, data)
}

// Param helpers tolerate both JSON numbers and missing keys.

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func paramFloat(params map[string]any, key string, fallback float64) float64 {
	if v, ok := params[key].(float64); ok {
		return v
	}
	return fallback
}

func paramTime(params map[string]any, key string, fallback time.Time) time.Time {
	if v, ok := params[key].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return fallback
}

func paramStrings(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
