// ABOUTME: In-process conversation event bus with one buffered queue per subscriber
// ABOUTME: Producers publish and forget; each subscriber drains its queue on its own goroutine

package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/store"
)

const (
	// queueSize is the buffer for each subscriber. A full queue drops events
	// unless the subscriber is lossless.
	queueSize = 64

	// PreviewRunes bounds message previews carried by events
	PreviewRunes = 120
)

// Topic names a kind of conversation event
type Topic string

const (
	TopicMessageCreated        Topic = "message.created"
	TopicConversationUpdated   Topic = "conversation.updated"
	TopicConversationEscalated Topic = "conversation.escalated"
)

// Event is a conversation event. Conversation is a snapshot taken at publish
// time; Message is set for message.created. Handoff is the classifier's
// decision for an incoming message, nil when it was not classified.
type Event struct {
	ID           string              `json:"id"`
	Topic        Topic               `json:"topic"`
	OccurredAt   time.Time           `json:"occurred_at"`
	Conversation *store.Conversation `json:"conversation,omitempty"`
	Message      *store.Message      `json:"message,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Preview      string              `json:"preview,omitempty"`
	Handoff      *handoff.Decision   `json:"handoff,omitempty"`
}

// Escalates reports whether the event's message was classified for hand-off.
func (e Event) Escalates() bool {
	return e.Handoff != nil && e.Handoff.Escalate
}

// ConversationID returns the id of the conversation the event concerns.
func (e Event) ConversationID() string {
	if e.Conversation != nil {
		return e.Conversation.ID
	}
	if e.Message != nil {
		return e.Message.ConversationID
	}
	return ""
}

// Preview cuts message text to PreviewRunes runes for event payloads.
func Preview(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= PreviewRunes {
		return text
	}
	return string([]rune(text)[:PreviewRunes-1]) + "…"
}

// Publisher is what producers depend on
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Handler consumes events for one subscriber
type Handler func(ctx context.Context, e Event)

// Mirror receives a copy of every published event (e.g. an AMQP exchange)
type Mirror interface {
	Mirror(ctx context.Context, e Event) error
}

type subscriber struct {
	name     string
	topics   map[Topic]bool
	queue    chan Event
	handler  Handler
	lossless bool

	// overflow holds events for a lossless subscriber whose queue is full.
	// Non-empty overflow implies a full queue; closed is set when queue is.
	mu       sync.Mutex
	overflow []Event
	closed   bool
}

// enqueue hands e to the subscriber; false means it was dropped
func (s *subscriber) enqueue(e Event) bool {
	if !s.lossless {
		select {
		case s.queue <- e:
			return true
		default:
			return false
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.overflow) == 0 {
		select {
		case s.queue <- e:
			return true
		default:
		}
	}
	s.overflow = append(s.overflow, e)
	return true
}

// refill moves parked events into the queue while it has room
func (s *subscriber) refill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.overflow) > 0 && !s.closed {
		select {
		case s.queue <- s.overflow[0]:
			s.overflow[0] = Event{}
			s.overflow = s.overflow[1:]
		default:
			return
		}
	}
}

// close closes the queue; parked events stay for drain
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.queue)
}

// drain takes the events still parked after the queue was closed
func (s *subscriber) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	rest := s.overflow
	s.overflow = nil
	return rest
}

// Bus fans events out to subscribers. Delivery is asynchronous and
// best-effort: a subscriber whose queue is full misses the event, unless it
// subscribed with SubscribeLossless.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	mirror Mirror
	logger *slog.Logger
	wg     sync.WaitGroup
	closed bool
}

// New creates a bus. Pass nil logger for default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*subscriber),
		logger: logger.With("component", "bus"),
	}
}

// SetMirror installs a mirror that receives every published event.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// Subscribe registers a named handler for the given topics (all topics if
// none are given). The handler runs on a dedicated goroutine until ctx is
// cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, name string, handler Handler, topics ...Topic) {
	b.subscribe(ctx, name, handler, false, topics)
}

// SubscribeLossless is Subscribe for a subscriber that must see every event.
// Events that do not fit the queue are parked in order instead of dropped,
// so the handler should hand slow work off rather than do it inline.
func (b *Bus) SubscribeLossless(ctx context.Context, name string, handler Handler, topics ...Topic) {
	b.subscribe(ctx, name, handler, true, topics)
}

func (b *Bus) subscribe(ctx context.Context, name string, handler Handler, lossless bool, topics []Topic) {
	sub := &subscriber{
		name:     name,
		topics:   make(map[Topic]bool, len(topics)),
		queue:    make(chan Event, queueSize),
		handler:  handler,
		lossless: lossless,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if old, ok := b.subs[name]; ok {
		old.close()
	}
	b.subs[name] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "subscriber", name, "topics", topics, "lossless", lossless)

	go b.run(ctx, sub)
	go func() {
		<-ctx.Done()
		b.unsubscribe(sub)
	}()
}

func (b *Bus) run(ctx context.Context, sub *subscriber) {
	defer b.wg.Done()
	for e := range sub.queue {
		b.deliver(ctx, sub, e)
		if sub.lossless {
			sub.refill()
		}
	}
	for _, e := range sub.drain() {
		b.deliver(ctx, sub, e)
	}
}

// deliver isolates handler panics so one bad event cannot kill the subscriber
func (b *Bus) deliver(ctx context.Context, sub *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"subscriber", sub.name,
				"topic", e.Topic,
				"event_id", e.ID,
				"panic", r)
		}
	}()
	sub.handler(context.WithoutCancel(ctx), e)
}

func (b *Bus) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.subs[sub.name]; ok && cur == sub {
		delete(b.subs, sub.name)
		sub.close()
	}
}

// Publish stamps the event and enqueues it for every interested subscriber.
// Never blocks.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}

	for _, sub := range b.subs {
		if len(sub.topics) > 0 && !sub.topics[e.Topic] {
			continue
		}
		if !sub.enqueue(e) {
			b.logger.Warn("dropped event for slow subscriber",
				"subscriber", sub.name,
				"topic", e.Topic,
				"event_id", e.ID)
		}
	}

	mirror := b.mirror
	b.mu.RUnlock()

	if mirror != nil {
		if err := mirror.Mirror(ctx, e); err != nil {
			b.logger.Warn("mirroring event failed", "topic", e.Topic, "event_id", e.ID, "error", err)
		}
	}
}

// Close stops accepting events and waits for subscribers to drain their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for name, sub := range b.subs {
		sub.close()
		delete(b.subs, name)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Debug("bus closed")
}
