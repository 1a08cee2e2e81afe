// ABOUTME: Tests for the conversation state machine against a real SQLite store
// ABOUTME: Covers idempotent close/reopen, close metrics, assignment rules and the welcome claim

package conversation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e bus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	svc   *Service
	store *store.SQLiteStore
	pub   *recordingPublisher
	clock *testClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := &testClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	return &fixture{
		svc:   New(st, pub, nil, WithClock(clock.Now)),
		store: st,
		pub:   pub,
		clock: clock,
	}
}

func (f *fixture) addMessage(t *testing.T, convID string, dir store.Direction, at time.Time) {
	t.Helper()
	require.NoError(t, f.store.CreateMessage(context.Background(), &store.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Direction:      dir,
		Status:         store.StatusSent,
		CreatedAt:      at,
	}))
}

func ptr(s string) *string { return &s }

func TestFindOrCreate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, created, err := f.svc.FindOrCreate(ctx, "+15550001", "whatsapp", ptr("Ada"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, store.ConversationOpen, conv.Status)
	assert.True(t, conv.Assignee.IsUnassigned())
	assert.Equal(t, f.clock.Now(), conv.LastOpenedAt)
	assert.Equal(t, f.clock.Now(), conv.LastMessageAt)

	again, created, err := f.svc.FindOrCreate(ctx, "+15550001", "whatsapp", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)

	_, _, err = f.svc.FindOrCreate(ctx, "", "whatsapp", nil)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestFindOrCreate_ConcurrentCallersShareOneConversation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestClose_RecordsMetricsForOpenPeriod(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	opened := t0.Add(-5 * time.Minute)
	f.clock.Set(opened)
	conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
	require.NoError(t, err)

	// messages before the open period are not counted
	f.addMessage(t, conv.ID, store.DirectionOutgoing, opened.Add(-time.Hour))
	for i := 0; i < 3; i++ {
		f.addMessage(t, conv.ID, store.DirectionOutgoing, opened.Add(time.Duration(i+1)*time.Second))
	}
	for i := 0; i < 2; i++ {
		f.addMessage(t, conv.ID, store.DirectionIncoming, opened.Add(time.Duration(i+10)*time.Second))
	}
	f.addMessage(t, conv.ID, store.DirectionInternal, opened.Add(time.Minute))

	f.clock.Set(t0)
	closed, changed, err := f.svc.Close(ctx, conv.ID, ptr("op-a"), ptr("resolved"), nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, store.ConversationClosed, closed.Status)
	assert.True(t, closed.Assignee.IsUnassigned())

	events, err := f.svc.Events(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, store.EventClosed, e.Type)
	assert.Equal(t, int64(300000), *e.DurationOpenMs)
	assert.Equal(t, 3, *e.MessagesSent)
	assert.Equal(t, 2, *e.MessagesReceived)
	assert.Equal(t, "resolved", *e.Reason)
	assert.Equal(t, "op-a", *e.OperatorID)
}

func TestClose_AlreadyClosedIsNoop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
	require.NoError(t, err)
	_, _, err = f.svc.Close(ctx, conv.ID, ptr("op-a"), nil, nil)
	require.NoError(t, err)

	before, err := f.svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	published := f.pub.count()

	f.clock.Set(f.clock.Now().Add(time.Hour))
	_, changed, err := f.svc.Close(ctx, conv.ID, ptr("op-b"), nil, nil)
	require.NoError(t, err)
	assert.False(t, changed)

	after, err := f.svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	events, err := f.svc.Events(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, published, f.pub.count())
}

func TestAutomaticReopen_OpenConversationIsNoop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
	require.NoError(t, err)

	f.clock.Set(f.clock.Now().Add(time.Minute))
	got, changed, err := f.svc.AutomaticReopen(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, conv.LastOpenedAt, got.LastOpenedAt)

	events, err := f.svc.Events(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAutomaticReopen_ClosedConversation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
	require.NoError(t, err)
	_, _, err = f.svc.Close(ctx, conv.ID, nil, nil, nil)
	require.NoError(t, err)

	later := f.clock.Now().Add(time.Hour)
	f.clock.Set(later)
	got, changed, err := f.svc.AutomaticReopen(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, store.ConversationOpen, got.Status)
	assert.Equal(t, later, got.LastOpenedAt)

	events, err := f.svc.Events(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.EventReopenedAutomatically, events[1].Type)
	assert.Nil(t, events[1].OperatorID)
}

func TestReopen_ByOperator(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
	require.NoError(t, err)
	_, _, err = f.svc.Close(ctx, conv.ID, nil, nil, nil)
	require.NoError(t, err)

	now := f.clock.Now().Add(30 * time.Minute)
	f.clock.Set(now)
	got, changed, err := f.svc.Reopen(ctx, conv.ID, "operator-a")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, store.ConversationOpen, got.Status)
	assert.Equal(t, now, got.LastOpenedAt)

	events, err := f.svc.Events(ctx, conv.ID)
	require.NoError(t, err)
	var opened []*store.ConversationEvent
	for _, e := range events {
		if e.Type == store.EventOpened {
			opened = append(opened, e)
		}
	}
	require.Len(t, opened, 1)
	assert.Equal(t, "operator-a", *opened[0].OperatorID)

	// reopening an open conversation records nothing more
	_, changed, err = f.svc.Reopen(ctx, conv.ID, "operator-b")
	require.NoError(t, err)
	assert.False(t, changed)
	events2, err := f.svc.Events(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, events2, len(events))
}

func TestAssignTo(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
	require.NoError(t, err)

	_, err = f.svc.AssignTo(ctx, conv.ID, store.Unassigned(), nil)
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = f.svc.AssignTo(ctx, conv.ID, store.Assignee{Kind: store.AssigneeHuman}, nil)
	assert.ErrorIs(t, err, store.ErrValidation)

	got, err := f.svc.AssignTo(ctx, conv.ID, store.Human("op-1"), ptr("lead"))
	require.NoError(t, err)
	assert.Equal(t, store.ConversationAssigned, got.Status)
	assert.Equal(t, store.Human("op-1"), got.Assignee)

	events, err := f.svc.Events(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventAssigned, events[0].Type)
	assert.Equal(t, "human:op-1", *events[0].Assignee)

	got, err = f.svc.Unassign(ctx, conv.ID, ptr("lead"))
	require.NoError(t, err)
	assert.Equal(t, store.ConversationOpen, got.Status)
	assert.True(t, got.Assignee.IsUnassigned())
}

func TestAssignTo_ClosedConversationStartsNewPeriod(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
	require.NoError(t, err)
	_, _, err = f.svc.Close(ctx, conv.ID, nil, nil, nil)
	require.NoError(t, err)

	later := f.clock.Now().Add(time.Hour)
	f.clock.Set(later)
	got, err := f.svc.AssignTo(ctx, conv.ID, store.Human("op-1"), ptr("op-1"))
	require.NoError(t, err)
	assert.Equal(t, later, got.LastOpenedAt)

	events, err := f.svc.Events(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, store.EventOpened, events[1].Type)
	assert.Equal(t, store.EventAssigned, events[2].Type)
}

func TestClaimWelcome(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
	require.NoError(t, err)

	won, err := f.svc.ClaimWelcome(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = f.svc.ClaimWelcome(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := f.svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.WelcomeSent)
	assert.True(t, got.Assignee.IsAssistant())
	assert.Equal(t, store.ConversationAssigned, got.Status)
}

func TestNotesAndTags(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
	require.NoError(t, err)

	_, err = f.svc.AddNote(ctx, conv.ID, "op-1", "   ")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = f.svc.AddNote(ctx, conv.ID, "op-1", "asked about refunds")
	require.NoError(t, err)

	_, err = f.svc.SetTag(ctx, conv.ID, "priority", "high")
	require.NoError(t, err)
	_, err = f.svc.SetTag(ctx, conv.ID, "lang", "es")
	require.NoError(t, err)
	got, err := f.svc.RemoveTag(ctx, conv.ID, "lang")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"priority": "high"}, got.Tags)

	got, err = f.svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "asked about refunds", got.Notes[0].Text)
}

func TestClosedSummaries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		f.clock.Set(f.clock.Now().Add(10 * time.Minute))
		_, _, err = f.svc.Close(ctx, conv.ID, nil, ptr("round"), nil)
		require.NoError(t, err)
		f.clock.Set(f.clock.Now().Add(time.Hour))
		_, _, err = f.svc.AutomaticReopen(ctx, conv.ID)
		require.NoError(t, err)
	}

	sums, err := f.svc.ClosedSummaries(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.True(t, sums[0].ClosedAt.After(sums[1].ClosedAt))
	assert.Equal(t, 10*time.Minute, sums[0].DurationOpen)
	assert.Contains(t, sums[0].String(), "reason: round")
}

func TestMutationsPublishUpdates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, _, err := f.svc.FindOrCreate(ctx, "cp", "matrix", nil)
	require.NoError(t, err)
	_, err = f.svc.AssignTo(ctx, conv.ID, store.Assistant(), nil)
	require.NoError(t, err)

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	require.Len(t, f.pub.events, 2)
	for _, e := range f.pub.events {
		assert.Equal(t, bus.TopicConversationUpdated, e.Topic)
		assert.Equal(t, conv.ID, e.ConversationID())
	}
	assert.True(t, f.pub.events[1].Conversation.Assignee.IsAssistant())
}
