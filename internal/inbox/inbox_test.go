// ABOUTME: Tests for inbound dedupe, automatic reopen, outbound delivery and provider callbacks
// ABOUTME: Real conversation and message services over SQLite with a fake channel adapter

package inbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/message"
	"github.com/2389/switchboard/internal/realtime"
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

func (p *recordingPublisher) messages() []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Event
	for _, e := range p.events {
		if e.Topic == bus.TopicMessageCreated {
			out = append(out, e)
		}
	}
	return out
}

type fakeAdapter struct {
	mu     sync.Mutex
	texts  []string
	media  []store.Media
	err    error
	next   int
	before func(ref string) // runs before the send result is returned
}

func (a *fakeAdapter) Name() string { return "test" }

func (a *fakeAdapter) SendText(_ context.Context, _ *store.Conversation, text string) (string, error) {
	a.mu.Lock()
	a.texts = append(a.texts, text)
	a.mu.Unlock()
	return a.result()
}

func (a *fakeAdapter) SendMedia(_ context.Context, _ *store.Conversation, media store.Media, _ string) (string, error) {
	a.mu.Lock()
	a.media = append(a.media, media)
	a.mu.Unlock()
	return a.result()
}

func (a *fakeAdapter) result() (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.mu.Lock()
	a.next++
	ref := fmt.Sprintf("prov-%d", a.next)
	a.mu.Unlock()
	if a.before != nil {
		a.before(ref)
	}
	return ref, nil
}

type fakeLive struct {
	mu     sync.Mutex
	events map[string][]string
}

func (f *fakeLive) EmitToRoom(room, event string, _ any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[room] = append(f.events[room], event)
	return 1
}

type fixture struct {
	store         *store.SQLiteStore
	conversations *conversation.Service
	messages      *message.Service
	adapter       *fakeAdapter
	pub           *recordingPublisher
	live          *fakeLive
	inbox         *Inbox
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "inbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pub := &recordingPublisher{}
	f := &fixture{
		store:         st,
		conversations: conversation.New(st, pub, nil),
		messages:      message.New(st, nil),
		adapter:       &fakeAdapter{},
		pub:           pub,
		live:          &fakeLive{events: map[string][]string{}},
	}
	t.Cleanup(f.messages.Close)
	f.inbox = New(Deps{
		Conversations: f.conversations,
		Messages:      f.messages,
		Channels:      channel.NewRegistry(f.adapter),
		Bus:           pub,
		Live:          f.live,
	})
	t.Cleanup(f.inbox.Close)
	return f
}

func inbound(externalID, text string) channel.Inbound {
	return channel.Inbound{
		Channel:        "test",
		ExternalID:     externalID,
		CounterpartyID: "+15550001",
		DisplayName:    "Ana",
		Text:           text,
		At:             time.Now(),
	}
}

func (f *fixture) onlyConversation(t *testing.T) *store.Conversation {
	t.Helper()
	conv, err := f.store.GetConversationByCounterparty(context.Background(), "+15550001", "test")
	require.NoError(t, err)
	return conv
}

func TestHandleInbound_CreatesConversationAndPublishes(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.inbox.HandleInbound(context.Background(), inbound("ext-1", "hello")))

	conv := f.onlyConversation(t)
	assert.Equal(t, store.ConversationOpen, conv.Status)
	require.NotNil(t, conv.DisplayName)
	assert.Equal(t, "Ana", *conv.DisplayName)

	msgs, err := f.messages.List(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionIncoming, msgs[0].Direction)
	assert.Equal(t, store.StatusReceived, msgs[0].Status)
	assert.Equal(t, "ext-1", *msgs[0].ExternalRef)

	created := f.pub.messages()
	require.Len(t, created, 1)
	assert.Equal(t, conv.ID, created[0].Conversation.ID)
	assert.Equal(t, msgs[0].ID, created[0].Message.ID)
	assert.Equal(t, "hello", created[0].Preview)
}

func TestHandleInbound_DuplicateIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.inbox.HandleInbound(ctx, inbound("ext-1", "hello")))
	require.NoError(t, f.inbox.HandleInbound(ctx, inbound("ext-1", "hello")))

	msgs, err := f.messages.List(ctx, f.onlyConversation(t).ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Len(t, f.pub.messages(), 1)
}

func TestHandleInbound_DuplicateAfterCacheLoss(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.inbox.HandleInbound(ctx, inbound("ext-1", "hello")))
	f.inbox.seen.Take("inbound:test:ext-1")

	require.NoError(t, f.inbox.HandleInbound(ctx, inbound("ext-1", "hello")))
	msgs, err := f.messages.List(ctx, f.onlyConversation(t).ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHandleInbound_ConcurrentCustomers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const customers = 16
	var wg sync.WaitGroup
	errs := make(chan error, customers)
	for i := 0; i < customers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := inbound(fmt.Sprintf("ext-%d", i), "hello")
			in.CounterpartyID = fmt.Sprintf("+1555000%02d", i)
			errs <- f.inbox.HandleInbound(ctx, in)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, f.pub.messages(), customers)
}

func TestHandleInbound_Validation(t *testing.T) {
	f := setup(t)
	err := f.inbox.HandleInbound(context.Background(), inbound("ext-1", "   "))
	assert.ErrorIs(t, err, store.ErrValidation)

	err = f.inbox.HandleInbound(context.Background(), channel.Inbound{Channel: "test", Text: "hi"})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestHandleInbound_ReopensClosedConversation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.inbox.HandleInbound(ctx, inbound("ext-1", "hello")))
	conv := f.onlyConversation(t)
	_, _, err := f.conversations.Close(ctx, conv.ID, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, f.inbox.HandleInbound(ctx, inbound("ext-2", "me again")))

	conv = f.onlyConversation(t)
	assert.Equal(t, store.ConversationOpen, conv.Status)
	events, err := f.conversations.Events(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.EventClosed, events[0].Type)
	assert.Equal(t, store.EventReopenedAutomatically, events[1].Type)
	assert.Nil(t, events[1].OperatorID)

	created := f.pub.messages()
	require.Len(t, created, 2)
	assert.Equal(t, store.ConversationOpen, created[1].Conversation.Status)
}

func TestHandleInbound_OpenConversationNotReopened(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.inbox.HandleInbound(ctx, inbound("ext-1", "hello")))
	require.NoError(t, f.inbox.HandleInbound(ctx, inbound("ext-2", "again")))

	events, err := f.conversations.Events(ctx, f.onlyConversation(t).ID)
	require.NoError(t, err)
	for _, e := range events {
		assert.NotEqual(t, store.EventReopenedAutomatically, e.Type)
	}
}

func (f *fixture) openConversation(t *testing.T) *store.Conversation {
	t.Helper()
	require.NoError(t, f.inbox.HandleInbound(context.Background(), inbound("ext-open", "hello")))
	return f.onlyConversation(t)
}

func TestSend_AttachesProviderRef(t *testing.T) {
	f := setup(t)
	conv := f.openConversation(t)

	m, err := f.inbox.Send(context.Background(), Outgoing{ConversationID: conv.ID, OperatorID: "op-1", Text: "on it"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, m.Status)
	require.NotNil(t, m.ExternalRef)
	assert.Equal(t, "prov-1", *m.ExternalRef)
	assert.Equal(t, "op-1", *m.SenderID)
	assert.Equal(t, []string{"on it"}, f.adapter.texts)
	assert.Len(t, f.pub.messages(), 2)
}

func TestSend_StatusBeforeCreationAppliedOnce(t *testing.T) {
	f := setup(t)
	conv := f.openConversation(t)
	ctx := context.Background()

	f.adapter.before = func(ref string) {
		require.NoError(t, f.inbox.HandleStatus(ctx, channel.StatusUpdate{ExternalID: ref, Status: store.StatusDelivered, At: time.Now()}))
	}
	m, err := f.inbox.Send(ctx, Outgoing{ConversationID: conv.ID, OperatorID: "op-1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, m.Status)
	assert.NotNil(t, m.DeliveredAt)

	// a later read callback still advances
	require.NoError(t, f.inbox.HandleStatus(ctx, channel.StatusUpdate{ExternalID: *m.ExternalRef, Status: store.StatusRead}))
	got, err := f.messages.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, got.Status)
	assert.Contains(t, f.live.events[realtime.ConversationRoom(conv.ID)], EventMessageUpdated)
}

func TestSend_StatusRegressionIgnored(t *testing.T) {
	f := setup(t)
	conv := f.openConversation(t)
	ctx := context.Background()

	m, err := f.inbox.Send(ctx, Outgoing{ConversationID: conv.ID, Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, f.inbox.HandleStatus(ctx, channel.StatusUpdate{ExternalID: *m.ExternalRef, Status: store.StatusRead}))
	require.NoError(t, f.inbox.HandleStatus(ctx, channel.StatusUpdate{ExternalID: *m.ExternalRef, Status: store.StatusDelivered}))

	got, err := f.messages.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, got.Status)
}

func TestSend_ChannelFailureMarksFailed(t *testing.T) {
	f := setup(t)
	conv := f.openConversation(t)
	f.adapter.err = errors.New("provider down")

	m, err := f.inbox.Send(context.Background(), Outgoing{ConversationID: conv.ID, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, m.Status)
	assert.Nil(t, m.ExternalRef)

	got, err := f.messages.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Text())
}

func TestSend_ClosedConversationRejected(t *testing.T) {
	f := setup(t)
	conv := f.openConversation(t)
	_, _, err := f.conversations.Close(context.Background(), conv.ID, nil, nil, nil)
	require.NoError(t, err)

	_, err = f.inbox.Send(context.Background(), Outgoing{ConversationID: conv.ID, Text: "hi"})
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Empty(t, f.adapter.texts)
}

func TestSend_Media(t *testing.T) {
	f := setup(t)
	conv := f.openConversation(t)

	m, err := f.inbox.Send(context.Background(), Outgoing{
		ConversationID: conv.ID,
		Media:          &store.Media{Type: "image/png", URL: "https://cdn.example/a"},
	})
	require.NoError(t, err)
	require.Len(t, f.adapter.media, 1)
	assert.Equal(t, "attachment.png", f.adapter.media[0].Filename)
	assert.Equal(t, "attachment.png", m.Media.Filename)

	_, err = f.inbox.Send(context.Background(), Outgoing{
		ConversationID: conv.ID,
		Media:          &store.Media{Type: "nope/nope", URL: "https://cdn.example/b"},
	})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestReply_IsAutomated(t *testing.T) {
	f := setup(t)
	conv := f.openConversation(t)

	m, err := f.inbox.Reply(context.Background(), conv, "Welcome!")
	require.NoError(t, err)
	assert.True(t, m.Automated)
	assert.Nil(t, m.SenderID)
	assert.Equal(t, []string{"Welcome!"}, f.adapter.texts)
}

func TestNote_NotSentToChannel(t *testing.T) {
	f := setup(t)
	conv := f.openConversation(t)

	m, err := f.inbox.Note(context.Background(), conv.ID, "op-1", "VIP customer")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionInternal, m.Direction)
	assert.Equal(t, store.StatusNote, m.Status)
	assert.Empty(t, f.adapter.texts)
}

func TestHandleReaction(t *testing.T) {
	f := setup(t)
	conv := f.openConversation(t)
	ctx := context.Background()

	m, err := f.inbox.Send(ctx, Outgoing{ConversationID: conv.ID, Text: "done"})
	require.NoError(t, err)

	require.NoError(t, f.inbox.HandleReaction(ctx, channel.ReactionUpdate{ExternalID: *m.ExternalRef, SenderID: "+15550001", Emoji: "👍"}))
	require.NoError(t, f.inbox.HandleReaction(ctx, channel.ReactionUpdate{ExternalID: *m.ExternalRef, SenderID: "+15550001", Emoji: "🎉"}))

	got, err := f.messages.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, "🎉", got.Reactions[0].Emoji)

	err = f.inbox.HandleReaction(ctx, channel.ReactionUpdate{ExternalID: "missing", SenderID: "x", Emoji: "👍"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
