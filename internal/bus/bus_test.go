// ABOUTME: Tests for the conversation event bus
// ABOUTME: Covers topic filtering, drop-on-full, lossless delivery, panic isolation, mirroring and envelopes

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

type recordingMirror struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *recordingMirror) Mirror(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestBus_DeliversToMatchingTopics(t *testing.T) {
	b := New(nil)
	defer b.Close()
	ctx := context.Background()

	got := make(chan Event, 4)
	b.Subscribe(ctx, "escalations", func(_ context.Context, e Event) { got <- e }, TopicConversationEscalated)

	b.Publish(ctx, Event{Topic: TopicMessageCreated})
	b.Publish(ctx, Event{Topic: TopicConversationEscalated, Reason: "escalation"})

	select {
	case e := <-got:
		assert.Equal(t, TopicConversationEscalated, e.Topic)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.OccurredAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case e := <-got:
		t.Fatalf("unexpected event %s", e.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_FullQueueDrops(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	release := make(chan struct{})
	var mu sync.Mutex
	delivered := 0
	b.Subscribe(ctx, "slow", func(context.Context, Event) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	for i := 0; i < queueSize*3; i++ {
		b.Publish(ctx, Event{Topic: TopicConversationUpdated})
	}
	close(release)
	b.Close()

	assert.LessOrEqual(t, delivered, queueSize+1)
	assert.Greater(t, delivered, 0)
}

func TestBus_LosslessKeepsEveryEventInOrder(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	b.SubscribeLossless(ctx, "assistant", func(_ context.Context, e Event) {
		<-release
		mu.Lock()
		seen = append(seen, e.Reason)
		mu.Unlock()
	}, TopicMessageCreated)

	total := queueSize*3 + 7
	want := make([]string, 0, total)
	for i := 0; i < total; i++ {
		reason := fmt.Sprintf("m%03d", i)
		want = append(want, reason)
		b.Publish(ctx, Event{Topic: TopicMessageCreated, Reason: reason})
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	}, 5*time.Second, 10*time.Millisecond)
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestBus_LosslessCloseDeliversParkedEvents(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	release := make(chan struct{})
	var mu sync.Mutex
	delivered := 0
	b.SubscribeLossless(ctx, "assistant", func(context.Context, Event) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	total := queueSize * 2
	for i := 0; i < total; i++ {
		b.Publish(ctx, Event{Topic: TopicMessageCreated})
	}
	close(release)
	b.Close()

	assert.Equal(t, total, delivered)
}

func TestBus_PanickingHandlerKeepsRunning(t *testing.T) {
	b := New(nil)
	defer b.Close()
	ctx := context.Background()

	got := make(chan string, 2)
	b.Subscribe(ctx, "flaky", func(_ context.Context, e Event) {
		if e.Reason == "boom" {
			panic("boom")
		}
		got <- e.Reason
	})

	b.Publish(ctx, Event{Topic: TopicConversationUpdated, Reason: "boom"})
	b.Publish(ctx, Event{Topic: TopicConversationUpdated, Reason: "ok"})

	select {
	case r := <-got:
		assert.Equal(t, "ok", r)
	case <-time.After(time.Second):
		t.Fatal("subscriber stopped after panic")
	}
}

func TestBus_UnsubscribeOnContextCancel(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	b.Subscribe(ctx, "temp", func(context.Context, Event) {})
	cancel()

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.subs) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBus_MirrorFailureDoesNotBlockLocalDelivery(t *testing.T) {
	b := New(nil)
	defer b.Close()
	ctx := context.Background()

	mirror := &recordingMirror{err: errors.New("broker down")}
	b.SetMirror(mirror)

	got := make(chan Event, 1)
	b.Subscribe(ctx, "local", func(_ context.Context, e Event) { got <- e })
	b.Publish(ctx, Event{Topic: TopicMessageCreated})

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("local delivery blocked by mirror")
	}
	mirror.mu.Lock()
	assert.Len(t, mirror.events, 1)
	mirror.mu.Unlock()
}

func TestNewEnvelope(t *testing.T) {
	e := Event{
		ID:           "evt-1",
		Topic:        TopicConversationEscalated,
		OccurredAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Conversation: &store.Conversation{ID: "conv-9"},
		Preview:      "I want a human",
	}
	env := NewEnvelope(e)
	assert.Equal(t, "evt-1", env.Meta.ID)
	assert.Equal(t, "conversation.escalated.v1", env.Meta.Type)
	assert.Equal(t, "conv-9", env.Meta.CorrelationID)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"correlation_id":"conv-9"`)
	assert.Contains(t, string(raw), `"preview":"I want a human"`)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("  short  "))

	long := strings.Repeat("é", 200)
	p := Preview(long)
	assert.Equal(t, PreviewRunes, utf8.RuneCountInString(p))
	assert.True(t, strings.HasSuffix(p, "…"))

	exact := strings.Repeat("a", PreviewRunes)
	assert.Equal(t, exact, Preview(exact))
}
