// ABOUTME: Summaries of earlier closed periods of a conversation
// ABOUTME: Fed to the assistant as context about the counterparty's history

package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Summary condenses one closed period
type Summary struct {
	ClosedAt         time.Time
	DurationOpen     time.Duration
	MessagesSent     int
	MessagesReceived int
	Reason           string
	Note             string
}

// String renders the summary as a single line for a model preamble.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "closed %s after %s (%d sent, %d received)",
		s.ClosedAt.Format("2006-01-02"),
		s.DurationOpen.Round(time.Minute),
		s.MessagesSent,
		s.MessagesReceived)
	if s.Reason != "" {
		fmt.Fprintf(&b, ", reason: %s", s.Reason)
	}
	if s.Note != "" {
		fmt.Fprintf(&b, ", note: %s", s.Note)
	}
	return b.String()
}

// ClosedSummaries returns up to limit of the most recent closed periods,
// newest first.
func (s *Service) ClosedSummaries(ctx context.Context, id string, limit int) ([]Summary, error) {
	events, err := s.store.ListClosedEvents(ctx, id, limit)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(events))
	for _, e := range events {
		sum := Summary{ClosedAt: e.Timestamp}
		if e.DurationOpenMs != nil {
			sum.DurationOpen = time.Duration(*e.DurationOpenMs) * time.Millisecond
		}
		if e.MessagesSent != nil {
			sum.MessagesSent = *e.MessagesSent
		}
		if e.MessagesReceived != nil {
			sum.MessagesReceived = *e.MessagesReceived
		}
		if e.Reason != nil {
			sum.Reason = *e.Reason
		}
		if e.Note != nil {
			sum.Note = *e.Note
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}
