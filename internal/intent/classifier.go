// Package intent maps free-form chat content to an assistant action. It is a
// keyword heuristic standing in for a model-backed classifier; the
// orchestration layer only depends on its output shape.
package intent

import "strings"

// Intent types.
const (
	TypeCalendar = "calendar"
	TypeEmail    = "email"
	TypeOKR      = "okr"
	TypeChat     = "chat"
)

// Actions per intent type.
const (
	ActionCheckAvailability = "check_availability"
	ActionScheduleMeeting   = "schedule_meeting"
	ActionTodaysAgenda      = "get_todays_agenda"
	ActionFindMeetingTime   = "find_optimal_meeting_time"
	ActionCancelMeeting     = "cancel_meeting"

	ActionSummarizeEmails = "summarize_emails"
	ActionDraftResponse   = "draft_response"
	ActionSendEmail       = "send_email"
	ActionPrioritizeInbox = "prioritize_inbox"

	ActionOKRDashboard   = "get_dashboard_data"
	ActionCreateOKR      = "create_okr"
	ActionUpdateProgress = "update_progress"

	ActionSmallTalk = "small_talk"
)

// Intent is a classified request.
type Intent struct {
	Type   string         `json:"type"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// rules are checked in order; the first match wins.
var rules = []struct {
	intentType string
	action     string
	keywords   []string
}{
	{TypeCalendar, ActionCancelMeeting, []string{"cancel the meeting", "cancel my meeting", "cancel meeting"}},
	{TypeCalendar, ActionScheduleMeeting, []string{"schedule", "book a meeting", "set up a meeting"}},
	{TypeCalendar, ActionFindMeetingTime, []string{"best time", "optimal time", "find a time"}},
	{TypeCalendar, ActionCheckAvailability, []string{"availability", "am i free", "free at"}},
	{TypeCalendar, ActionTodaysAgenda, []string{"agenda", "calendar", "my day", "meetings today"}},

	{TypeEmail, ActionSendEmail, []string{"send an email", "send email", "send the email"}},
	{TypeEmail, ActionDraftResponse, []string{"draft", "reply to", "respond to"}},
	{TypeEmail, ActionPrioritizeInbox, []string{"prioritize", "important emails", "triage"}},
	{TypeEmail, ActionSummarizeEmails, []string{"summarize", "unread", "inbox", "email"}},

	{TypeOKR, ActionCreateOKR, []string{"new okr", "create okr", "new objective", "add objective"}},
	{TypeOKR, ActionUpdateProgress, []string{"update progress", "progress on", "key result"}},
	{TypeOKR, ActionOKRDashboard, []string{"okr", "objective", "dashboard", "goals"}},
}

// Classify resolves content to an intent. Unmatched content is small talk.
func Classify(content string) Intent {
	lowered := strings.ToLower(content)
	for _, rule := range rules {
		for _, kw := range rule.keywords {
			if strings.Contains(lowered, kw) {
				return Intent{Type: rule.intentType, Action: rule.action}
			}
		}
	}
	return Intent{Type: TypeChat, Action: ActionSmallTalk}
}
