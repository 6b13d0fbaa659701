package assistant

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Email is one inbox entry.
type Email struct {
	ID       string    `json:"id"`
	From     string    `json:"from"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body,omitempty"`
	Received time.Time `json:"received"`
	Unread   bool      `json:"unread"`
	Priority int       `json:"priority"` // higher is more urgent
}

// EmailSummary is the result of summarizing an inbox slice.
type EmailSummary struct {
	Total   int      `json:"total"`
	Unread  int      `json:"unread"`
	Senders []string `json:"senders"`
	Text    string   `json:"text"`
}

// Draft is a prepared outgoing email.
type Draft struct {
	ID      string `json:"id"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailService is the email collaborator boundary.
type EmailService interface {
	SummarizeEmails(ctx context.Context, maxResults int, query string) (EmailSummary, error)
	DraftResponse(ctx context.Context, emailID, guidance string) (Draft, error)
	SendEmail(ctx context.Context, draft Draft) (string, error)
	PrioritizeInbox(ctx context.Context) ([]Email, error)
}

// InMemoryEmail keeps an inbox and sent folder in memory.
type InMemoryEmail struct {
	mu    sync.Mutex
	inbox []Email
	sent  []Draft
}

// NewInMemoryEmail creates an email service seeded with the given inbox.
func NewInMemoryEmail(seed ...Email) *InMemoryEmail {
	return &InMemoryEmail{inbox: append([]Email(nil), seed...)}
}

// SummarizeEmails summarizes up to maxResults inbox entries matching query.
// The only query syntax understood is "is:unread"; anything else matches the
// sender and subject as a substring.
func (e *InMemoryEmail) SummarizeEmails(ctx context.Context, maxResults int, query string) (EmailSummary, error) {
	if maxResults <= 0 {
		maxResults = 50
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	matched := make([]Email, 0, len(e.inbox))
	for _, msg := range e.inbox {
		if matches(msg, query) {
			matched = append(matched, msg)
		}
		if len(matched) == maxResults {
			break
		}
	}

	summary := EmailSummary{Total: len(matched)}
	senders := map[string]bool{}
	for _, msg := range matched {
		if msg.Unread {
			summary.Unread++
		}
		if !senders[msg.From] {
			senders[msg.From] = true
			summary.Senders = append(summary.Senders, msg.From)
		}
	}
	summary.Text = fmt.Sprintf("You have %d matching emails, %d unread, from %d senders.",
		summary.Total, summary.Unread, len(summary.Senders))
	return summary, nil
}

func matches(msg Email, query string) bool {
	switch {
	case query == "":
		return true
	case query == "is:unread":
		return msg.Unread
	default:
		q := strings.ToLower(query)
		return strings.Contains(strings.ToLower(msg.From), q) ||
			strings.Contains(strings.ToLower(msg.Subject), q)
	}
}

// DraftResponse prepares a reply to an inbox email.
func (e *InMemoryEmail) DraftResponse(ctx context.Context, emailID, guidance string) (Draft, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, msg := range e.inbox {
		if msg.ID == emailID {
			body := fmt.Sprintf("Hi,\n\nThanks for your note about %q.", msg.Subject)
			if guidance != "" {
				body += "\n\n" + guidance
			}
			return Draft{
				ID:      "draft_" + uuid.New().String()[:8],
				To:      msg.From,
				Subject: "Re: " + msg.Subject,
				Body:    body,
			}, nil
		}
	}
	return Draft{}, fmt.Errorf("email %s not found", emailID)
}

// SendEmail sends a draft and returns the sent message ID.
func (e *InMemoryEmail) SendEmail(ctx context.Context, draft Draft) (string, error) {
	if draft.To == "" {
		return "", fmt.Errorf("recipient is required")
	}
	if draft.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if draft.ID == "" {
		draft.ID = "sent_" + uuid.New().String()[:8]
	}
	e.sent = append(e.sent, draft)
	return draft.ID, nil
}

// PrioritizeInbox returns unread emails ordered by priority then recency.
func (e *InMemoryEmail) PrioritizeInbox(ctx context.Context) ([]Email, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var unread []Email
	for _, msg := range e.inbox {
		if msg.Unread {
			unread = append(unread, msg)
		}
	}
	sort.Slice(unread, func(i, j int) bool {
		if unread[i].Priority != unread[j].Priority {
			return unread[i].Priority > unread[j].Priority
		}
		return unread[i].Received.After(unread[j].Received)
	})
	return unread, nil
}

// Sent returns the sent folder, for tests and the internal API.
func (e *InMemoryEmail) Sent() []Draft {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Draft(nil), e.sent...)
}
