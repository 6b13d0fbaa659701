// Package assistant provides the collaborator services the orchestration
// layer calls: calendar, email, and OKRs. The orchestrator depends only on
// the interfaces; the implementations here are in-process stand-ins for the
// Google-backed services.
package assistant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Meeting is one calendar entry.
type Meeting struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Attendees []string  `json:"attendees,omitempty"`
}

// CalendarService is the calendar collaborator boundary.
type CalendarService interface {
	CheckAvailability(ctx context.Context, start, end time.Time) (bool, []Meeting, error)
	ScheduleMeeting(ctx context.Context, title string, start, end time.Time, attendees []string) (Meeting, error)
	TodaysAgenda(ctx context.Context) ([]Meeting, error)
	FindOptimalMeetingTime(ctx context.Context, duration time.Duration) (time.Time, error)
	CancelMeeting(ctx context.Context, meetingID string) error
}

// InMemoryCalendar keeps meetings in memory, sorted by start time.
type InMemoryCalendar struct {
	mu       sync.Mutex
	meetings []Meeting
	now      func() time.Time
}

// NewInMemoryCalendar creates a calendar seeded with the given meetings.
func NewInMemoryCalendar(seed ...Meeting) *InMemoryCalendar {
	c := &InMemoryCalendar{meetings: append([]Meeting(nil), seed...), now: time.Now}
	sort.Slice(c.meetings, func(i, j int) bool { return c.meetings[i].Start.Before(c.meetings[j].Start) })
	return c
}

// CheckAvailability reports whether the window is free and returns any
// conflicting meetings.
func (c *InMemoryCalendar) CheckAvailability(ctx context.Context, start, end time.Time) (bool, []Meeting, error) {
	if !end.After(start) {
		return false, nil, fmt.Errorf("end must be after start")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var conflicts []Meeting
	for _, m := range c.meetings {
		if m.Start.Before(end) && start.Before(m.End) {
			conflicts = append(conflicts, m)
		}
	}
	return len(conflicts) == 0, conflicts, nil
}

// ScheduleMeeting adds a meeting if the window is free.
func (c *InMemoryCalendar) ScheduleMeeting(ctx context.Context, title string, start, end time.Time, attendees []string) (Meeting, error) {
	if title == "" {
		return Meeting{}, fmt.Errorf("title is required")
	}
	free, conflicts, err := c.CheckAvailability(ctx, start, end)
	if err != nil {
		return Meeting{}, err
	}
	if !free {
		return Meeting{}, fmt.Errorf("window conflicts with %q", conflicts[0].Title)
	}

	meeting := Meeting{
		ID:        "mtg_" + uuid.New().String()[:8],
		Title:     title,
		Start:     start,
		End:       end,
		Attendees: attendees,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.meetings = append(c.meetings, meeting)
	sort.Slice(c.meetings, func(i, j int) bool { return c.meetings[i].Start.Before(c.meetings[j].Start) })
	return meeting, nil
}

// TodaysAgenda returns meetings that start today, in order.
func (c *InMemoryCalendar) TodaysAgenda(ctx context.Context) ([]Meeting, error) {
	now := c.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	c.mu.Lock()
	defer c.mu.Unlock()

	var agenda []Meeting
	for _, m := range c.meetings {
		if !m.Start.Before(dayStart) && m.Start.Before(dayEnd) {
			agenda = append(agenda, m)
		}
	}
	return agenda, nil
}

// FindOptimalMeetingTime returns the earliest free slot of the given duration
// within working hours (9:00-18:00), starting from the next full hour.
func (c *InMemoryCalendar) FindOptimalMeetingTime(ctx context.Context, duration time.Duration) (time.Time, error) {
	if duration <= 0 {
		return time.Time{}, fmt.Errorf("duration must be positive")
	}

	candidate := c.now().Truncate(time.Hour).Add(time.Hour)
	for i := 0; i < 24*14; i++ { // scan up to two weeks
		if candidate.Hour() >= 9 && candidate.Add(duration).Hour() <= 18 {
			free, _, err := c.CheckAvailability(ctx, candidate, candidate.Add(duration))
			if err != nil {
				return time.Time{}, err
			}
			if free {
				return candidate, nil
			}
		}
		candidate = candidate.Add(time.Hour)
	}
	return time.Time{}, fmt.Errorf("no free slot within two weeks")
}

// CancelMeeting removes the meeting with the given ID.
func (c *InMemoryCalendar) CancelMeeting(ctx context.Context, meetingID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.meetings {
		if m.ID == meetingID {
			c.meetings = append(c.meetings[:i], c.meetings[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("meeting %s not found", meetingID)
}
