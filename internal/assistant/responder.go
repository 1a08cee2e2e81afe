// ABOUTME: Automated responder: escalation, welcome greeting or a language-model reply per inbound message
// ABOUTME: Emits bus events for hand-offs; at most one outgoing message per inbound message

package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/abadojack/whatlanggo"
	"github.com/samber/lo"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/knowledge"
	"github.com/2389/switchboard/internal/llm"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/store"
)

const (
	DefaultHistoryWindow      = 20
	DefaultPriorConversations = 3
	DefaultKnowledgeSnippets  = 3
	DefaultConcurrency        = 8

	DefaultGreeting        = "Hi! Thanks for reaching out. How can we help you today?"
	DefaultAcknowledgement = "Thanks, I'm bringing in a member of our team. Someone will be with you shortly."
	DefaultSystemPrompt    = "You are a friendly customer support assistant. Answer briefly and only with information you are confident about. If you cannot help, say that a team member will follow up."
)

// Outcome is what a turn produced
type Outcome string

const (
	OutcomeNone      Outcome = "none"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeEscalated Outcome = "escalated"
	OutcomeGreeted   Outcome = "greeted"
	OutcomeReplied   Outcome = "replied"
	OutcomeFailed    Outcome = "failed"
)

// Conversations is the lifecycle surface the responder drives
type Conversations interface {
	Get(ctx context.Context, id string) (*store.Conversation, error)
	AssignTo(ctx context.Context, id string, assignee store.Assignee, operatorID *string) (*store.Conversation, error)
	ClaimWelcome(ctx context.Context, id string) (bool, error)
	ClosedSummaries(ctx context.Context, id string, limit int) ([]conversation.Summary, error)
}

// History returns recent messages, oldest first
type History interface {
	List(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// Replier sends an automated outgoing message on the conversation's channel
type Replier interface {
	Reply(ctx context.Context, conv *store.Conversation, text string) (*store.Message, error)
}

// Classifier decides on hand-off
type Classifier interface {
	Classify(text string) handoff.Decision
}

// Config tunes the responder. Zero values take defaults.
type Config struct {
	AutoAssign         bool
	Greeting           string
	Acknowledgement    string
	SystemPrompt       string
	HistoryWindow      int
	PriorConversations int
	KnowledgeSnippets  int

	// Concurrency bounds turns in flight across conversations. Turns of one
	// conversation always run one at a time, in arrival order.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Greeting == "" {
		c.Greeting = DefaultGreeting
	}
	if c.Acknowledgement == "" {
		c.Acknowledgement = DefaultAcknowledgement
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.PriorConversations <= 0 {
		c.PriorConversations = DefaultPriorConversations
	}
	if c.KnowledgeSnippets <= 0 {
		c.KnowledgeSnippets = DefaultKnowledgeSnippets
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Deps are the responder's collaborators. Knowledge and Bus may be nil.
type Deps struct {
	Conversations Conversations
	History       History
	Replier       Replier
	Classifier    Classifier
	Model         llm.Model
	Knowledge     knowledge.Searcher
	Bus           bus.Publisher
	Logger        *slog.Logger
}

// Responder handles one inbound message at a time per call; concurrent calls
// for the same conversation are safe because the welcome is claimed
// atomically in storage.
type Responder struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	queues   map[string][]turn // pending turns per conversation
	stopping bool
	slots    chan struct{}
	wg       sync.WaitGroup
}

// turn is one queued inbound message with the inbox's hand-off decision
type turn struct {
	msg      *store.Message
	decision *handoff.Decision
}

// New creates a responder
func New(cfg Config, deps Deps) *Responder {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Responder{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "assistant"),
		queues: make(map[string][]turn),
		slots:  make(chan struct{}, cfg.Concurrency),
	}
}

// Attach subscribes the responder to message.created. The subscription is
// lossless and only queues the turn; turns run on their own goroutines until
// ctx is cancelled.
func (r *Responder) Attach(ctx context.Context, b *bus.Bus) {
	b.SubscribeLossless(ctx, "assistant", func(_ context.Context, e bus.Event) {
		if e.Message == nil || e.Message.Direction != store.DirectionIncoming {
			return
		}
		r.enqueue(ctx, turn{msg: e.Message, decision: e.Handoff})
	}, bus.TopicMessageCreated)
}

// Wait stops accepting turns and blocks until every queued turn has
// finished. Cancel the Attach context first to cut in-flight turns short.
func (r *Responder) Wait() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Responder) enqueue(ctx context.Context, t turn) {
	id := t.msg.ConversationID
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		r.logger.Warn("turn not run, shutting down", "conversation_id", id, "message_id", t.msg.ID)
		return
	}
	q, running := r.queues[id]
	r.queues[id] = append(q, t)
	if !running {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if !running {
		go r.drain(ctx, id)
	}
}

// drain runs a conversation's turns in order, one at a time
func (r *Responder) drain(ctx context.Context, id string) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		q := r.queues[id]
		if len(q) == 0 {
			delete(r.queues, id)
			r.mu.Unlock()
			return
		}
		t := q[0]
		r.queues[id] = q[1:]
		r.mu.Unlock()

		if ctx.Err() != nil {
			r.logger.Warn("turn not run, shutting down", "conversation_id", id, "message_id", t.msg.ID)
			continue
		}
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			r.logger.Warn("turn not run, shutting down", "conversation_id", id, "message_id", t.msg.ID)
			continue
		}
		r.run(ctx, t.msg, t.decision)
		<-r.slots
	}
}

// Respond runs one turn for an inbound message. Failures are logged, never
// returned.
func (r *Responder) Respond(ctx context.Context, msg *store.Message) Outcome {
	return r.run(ctx, msg, nil)
}

// run executes a turn. A nil decision means the message is classified here.
func (r *Responder) run(ctx context.Context, msg *store.Message, decision *handoff.Decision) Outcome {
	if msg.Direction != store.DirectionIncoming {
		return OutcomeNone
	}
	outcome := r.respond(ctx, msg, decision)
	metrics.AssistantReplies.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (r *Responder) respond(ctx context.Context, msg *store.Message, decision *handoff.Decision) Outcome {
	conv, err := r.deps.Conversations.Get(ctx, msg.ConversationID)
	if err != nil {
		r.logger.Error("loading conversation failed", "conversation_id", msg.ConversationID, "error", err)
		return OutcomeFailed
	}

	if conv.Assignee.IsHuman() {
		return OutcomeSkipped
	}

	if decision == nil {
		d := r.deps.Classifier.Classify(msg.Text())
		decision = &d
	}
	if decision.Escalate {
		return r.escalate(ctx, conv, msg, *decision)
	}

	if !conv.WelcomeSent && r.cfg.AutoAssign {
		return r.welcome(ctx, conv)
	}

	if conv.Assignee.IsUnassigned() {
		if !r.cfg.AutoAssign {
			return OutcomeSkipped
		}
		if conv, err = r.deps.Conversations.AssignTo(ctx, msg.ConversationID, store.Assistant(), nil); err != nil {
			r.logger.Error("assigning to assistant failed", "conversation_id", msg.ConversationID, "error", err)
			return OutcomeFailed
		}
	}

	return r.reply(ctx, conv, msg)
}

// escalate hands the conversation over; the acknowledgement is the single
// reply for this turn and takes the place of the greeting. A failed
// assignment is logged and the hand-off still goes out.
func (r *Responder) escalate(ctx context.Context, conv *store.Conversation, msg *store.Message, d handoff.Decision) Outcome {
	if !conv.WelcomeSent {
		won, err := r.deps.Conversations.ClaimWelcome(ctx, conv.ID)
		if err != nil {
			r.logger.Warn("claiming welcome on escalation failed", "conversation_id", conv.ID, "error", err)
		}
		if won {
			conv.WelcomeSent = true
			conv.Status = store.ConversationAssigned
			conv.Assignee = store.Assistant()
		}
	}

	if conv.Assignee.IsUnassigned() {
		assigned, err := r.deps.Conversations.AssignTo(ctx, conv.ID, store.Assistant(), nil)
		if err != nil {
			r.logger.Error("assigning escalated conversation failed", "conversation_id", conv.ID, "error", err)
		} else {
			conv = assigned
		}
	}

	if _, err := r.deps.Replier.Reply(ctx, conv, r.cfg.Acknowledgement); err != nil {
		r.logger.Warn("sending hand-off acknowledgement failed", "conversation_id", conv.ID, "error", err)
	}

	r.logger.Info("conversation escalated",
		"conversation_id", conv.ID,
		"trigger", d.Trigger,
		"term", d.Term)

	if r.deps.Bus != nil {
		snapshot := *conv
		r.deps.Bus.Publish(ctx, bus.Event{
			Topic:        bus.TopicConversationEscalated,
			Conversation: &snapshot,
			Message:      msg,
			Reason:       "escalation",
			Preview:      bus.Preview(msg.Text()),
		})
	}
	return OutcomeEscalated
}

func (r *Responder) welcome(ctx context.Context, conv *store.Conversation) Outcome {
	won, err := r.deps.Conversations.ClaimWelcome(ctx, conv.ID)
	if err != nil {
		r.logger.Error("claiming welcome failed", "conversation_id", conv.ID, "error", err)
		return OutcomeFailed
	}
	if !won {
		return OutcomeNone
	}

	conv.WelcomeSent = true
	conv.Status = store.ConversationAssigned
	conv.Assignee = store.Assistant()
	if _, err := r.deps.Replier.Reply(ctx, conv, r.cfg.Greeting); err != nil {
		r.logger.Error("sending greeting failed", "conversation_id", conv.ID, "error", err)
		return OutcomeFailed
	}
	return OutcomeGreeted
}

func (r *Responder) reply(ctx context.Context, conv *store.Conversation, msg *store.Message) Outcome {
	if r.deps.Model == nil {
		return OutcomeSkipped
	}

	req, err := r.buildRequest(ctx, conv, msg)
	if err != nil {
		r.logger.Error("building prompt failed", "conversation_id", conv.ID, "error", err)
		return OutcomeFailed
	}

	text, err := r.deps.Model.Complete(ctx, req)
	if err != nil {
		r.logger.Error("language model failed", "conversation_id", conv.ID, "error", err)
		return OutcomeFailed
	}

	if _, err := r.deps.Replier.Reply(ctx, conv, text); err != nil {
		r.logger.Error("sending reply failed", "conversation_id", conv.ID, "error", err)
		return OutcomeFailed
	}
	return OutcomeReplied
}

func (r *Responder) buildRequest(ctx context.Context, conv *store.Conversation, msg *store.Message) (llm.Request, error) {
	history, err := r.deps.History.List(ctx, conv.ID, r.cfg.HistoryWindow)
	if err != nil {
		return llm.Request{}, fmt.Errorf("loading history: %w", err)
	}

	turns := lo.FilterMap(history, func(m *store.Message, _ int) (llm.Turn, bool) {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			return llm.Turn{}, false
		}
		switch m.Direction {
		case store.DirectionIncoming:
			return llm.Turn{Role: llm.RoleUser, Content: text}, true
		case store.DirectionOutgoing:
			return llm.Turn{Role: llm.RoleAssistant, Content: text}, true
		default:
			return llm.Turn{}, false
		}
	})
	if !lo.ContainsBy(history, func(m *store.Message) bool { return m.ID == msg.ID }) && msg.Text() != "" {
		turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: msg.Text()})
	}

	var system strings.Builder
	system.WriteString(r.cfg.SystemPrompt)

	system.WriteString("\n\nCustomer: ")
	system.WriteString(displayName(conv))
	if lang := detectLanguage(msg.Text()); lang != "" {
		fmt.Fprintf(&system, "\nThe customer writes in %s; reply in %s.", lang, lang)
	}

	summaries, err := r.deps.Conversations.ClosedSummaries(ctx, conv.ID, r.cfg.PriorConversations)
	if err != nil {
		r.logger.Warn("loading prior conversations failed", "conversation_id", conv.ID, "error", err)
	}
	if len(summaries) > 0 {
		system.WriteString("\n\nEarlier conversations with this customer:")
		for _, s := range summaries {
			system.WriteString("\n- ")
			system.WriteString(s.String())
		}
	}

	if r.deps.Knowledge != nil && msg.Text() != "" {
		snippets, err := r.deps.Knowledge.Search(ctx, msg.Text(), r.cfg.KnowledgeSnippets)
		if err != nil {
			r.logger.Warn("knowledge search failed", "conversation_id", conv.ID, "error", err)
		}
		if len(snippets) > 0 {
			system.WriteString("\n\nRelevant documentation:")
			for _, s := range snippets {
				fmt.Fprintf(&system, "\n[%s] %s", s.Title, s.Text)
			}
		}
	}

	return llm.Request{System: system.String(), Turns: turns}, nil
}

func displayName(conv *store.Conversation) string {
	if conv.DisplayName != nil && *conv.DisplayName != "" {
		return *conv.DisplayName
	}
	return conv.CounterpartyID
}

// detectLanguage names the language of text when detection is reliable.
func detectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.String()
}
