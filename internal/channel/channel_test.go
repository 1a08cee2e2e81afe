// ABOUTME: Tests for the channel registry, media helpers and the HTTP and Matrix adapters
// ABOUTME: HTTP runs against httptest; Matrix uses a fake sender and hand-built events

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/switchboard/internal/store"
)

func TestRegistry(t *testing.T) {
	h, err := NewHTTP(HTTPConfig{Name: "sms", BaseURL: "http://example.invalid"})
	require.NoError(t, err)
	r := NewRegistry(h)

	a, err := r.For(&store.Conversation{ChannelRef: "sms"})
	require.NoError(t, err)
	assert.Equal(t, "sms", a.Name())

	_, err = r.For(&store.Conversation{ChannelRef: "fax"})
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Equal(t, []string{"sms"}, r.Names())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, MediaImage, KindOf(store.Media{Type: "image/png"}))
	assert.Equal(t, MediaVideo, KindOf(store.Media{Type: "video/mp4"}))
	assert.Equal(t, MediaAudio, KindOf(store.Media{Type: "audio/mpeg"}))
	assert.Equal(t, MediaFile, KindOf(store.Media{Type: "application/pdf"}))
	assert.Equal(t, MediaFile, KindOf(store.Media{}))
}

func TestNormalizeMedia(t *testing.T) {
	m, err := NormalizeMedia(store.Media{Type: " Image/PNG ", URL: "https://cdn.example/a"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", m.Type)
	assert.Equal(t, "attachment.png", m.Filename)

	m, err = NormalizeMedia(store.Media{Type: "application/pdf", Filename: "invoice.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "invoice.pdf", m.Filename)

	_, err = NormalizeMedia(store.Media{Type: "made/up"})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestHTTP_SendText(t *testing.T) {
	var got outboundRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"wamid.1"}`))
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{Name: "whatsapp", BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)

	contact := "contact-9"
	ref, err := h.SendText(context.Background(), &store.Conversation{CounterpartyID: "+1555", ContactRef: &contact}, "hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", ref)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, outboundRequest{To: "+1555", Type: "text", Text: "hello", Contact: "contact-9"}, got)
}

func TestHTTP_SendMedia(t *testing.T) {
	var got outboundRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"m-2"}`))
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{Name: "sms", BaseURL: srv.URL})
	require.NoError(t, err)
	media := store.Media{Type: "image/jpeg", URL: "https://cdn.example/p.jpg", Filename: "p.jpg"}
	ref, err := h.SendMedia(context.Background(), &store.Conversation{CounterpartyID: "+1555"}, media, "receipt")
	require.NoError(t, err)
	assert.Equal(t, "m-2", ref)
	assert.Equal(t, "image", got.Type)
	assert.Equal(t, "receipt", got.Caption)
	require.NotNil(t, got.Media)
	assert.Equal(t, media, *got.Media)
}

func TestHTTP_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{Name: "sms", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = h.SendText(context.Background(), &store.Conversation{CounterpartyID: "+1"}, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestNewHTTP_RequiresConfig(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{Name: "sms"})
	assert.Error(t, err)
}

type fakeSender struct {
	roomID  id.RoomID
	content *event.MessageEventContent
	err     error
}

func (f *fakeSender) SendMessageEvent(_ context.Context, roomID id.RoomID, _ event.Type, contentJSON interface{}, _ ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.roomID = roomID
	f.content = contentJSON.(*event.MessageEventContent)
	return &mautrix.RespSendEvent{EventID: "$sent1"}, nil
}

type recordingSink struct {
	mu        sync.Mutex
	inbound   []Inbound
	statuses  []StatusUpdate
	reactions []ReactionUpdate
}

func (s *recordingSink) HandleInbound(_ context.Context, in Inbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, in)
	return nil
}

func (s *recordingSink) HandleStatus(_ context.Context, up StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, up)
	return nil
}

func (s *recordingSink) HandleReaction(_ context.Context, up ReactionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, up)
	return nil
}

func newTestMatrix(sender matrixSender, sink Sink) *Matrix {
	m := &Matrix{
		cfg:    MatrixConfig{UserID: "@support:example.org"},
		sender: sender,
		self:   "@support:example.org",
		sink:   sink,
		logger: slog.Default(),
	}
	return m
}

func TestMatrix_SendTextRendersMarkdown(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMatrix(sender, nil)

	ref, err := m.SendText(context.Background(), &store.Conversation{CounterpartyID: "!room:example.org"}, "Your order is **shipped**")
	require.NoError(t, err)
	assert.Equal(t, "$sent1", ref)
	assert.Equal(t, id.RoomID("!room:example.org"), sender.roomID)
	assert.Equal(t, "Your order is **shipped**", sender.content.Body)
	assert.Equal(t, event.FormatHTML, sender.content.Format)
	assert.Equal(t, "<p>Your order is <strong>shipped</strong></p>", sender.content.FormattedBody)
}

func TestMatrix_SendMedia(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMatrix(sender, nil)
	conv := &store.Conversation{CounterpartyID: "!room:example.org"}

	_, err := m.SendMedia(context.Background(), conv, store.Media{Type: "image/png", URL: "https://cdn/x.png"}, "")
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = m.SendMedia(context.Background(), conv, store.Media{Type: "image/png", URL: "mxc://example.org/abc", Filename: "x.png"}, "look")
	require.NoError(t, err)
	assert.Equal(t, event.MsgImage, sender.content.MsgType)
	assert.Equal(t, "look", sender.content.Body)
	assert.Equal(t, id.ContentURIString("mxc://example.org/abc"), sender.content.URL)
}

func TestMatrix_SendError(t *testing.T) {
	m := newTestMatrix(&fakeSender{err: errors.New("forbidden")}, nil)
	_, err := m.SendText(context.Background(), &store.Conversation{CounterpartyID: "!r:x"}, "hi")
	assert.Error(t, err)
}

func messageEvent(sender id.UserID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        "$in1",
		RoomID:    "!room:example.org",
		Sender:    sender,
		Type:      event.EventMessage,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}

func TestMatrix_HandleMessage(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMatrix(&fakeSender{}, sink)

	m.handleMessage(context.Background(), messageEvent("@ana:example.org", &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      " where is my order? ",
		RelatesTo: &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: "$out1"}},
	}))
	// own echo is ignored
	m.handleMessage(context.Background(), messageEvent("@support:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}))

	require.Len(t, sink.inbound, 1)
	in := sink.inbound[0]
	assert.Equal(t, MatrixName, in.Channel)
	assert.Equal(t, "$in1", in.ExternalID)
	assert.Equal(t, "!room:example.org", in.CounterpartyID)
	assert.Equal(t, "ana", in.DisplayName)
	assert.Equal(t, "where is my order?", in.Text)
	assert.Equal(t, "$out1", in.ReplyTo)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), in.At)
}

func TestMatrix_HandleMessageMedia(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMatrix(&fakeSender{}, sink)

	m.handleMessage(context.Background(), messageEvent("@ana:example.org", &event.MessageEventContent{
		MsgType:  event.MsgImage,
		Body:     "this is the damaged box",
		FileName: "box.jpg",
		URL:      "mxc://example.org/box",
		Info:     &event.FileInfo{MimeType: "image/jpeg"},
	}))

	require.Len(t, sink.inbound, 1)
	in := sink.inbound[0]
	require.NotNil(t, in.Media)
	assert.Equal(t, store.Media{Type: "image/jpeg", URL: "mxc://example.org/box", Filename: "box.jpg"}, *in.Media)
	assert.Equal(t, "this is the damaged box", in.Text)
}

func TestMatrix_AllowedRooms(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMatrix(&fakeSender{}, sink)
	m.cfg.AllowedRooms = []string{"!other:example.org"}

	m.handleMessage(context.Background(), messageEvent("@ana:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}))
	assert.Empty(t, sink.inbound)
}

func TestMatrix_HandleReaction(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMatrix(&fakeSender{}, sink)

	m.handleReaction(context.Background(), &event.Event{
		Sender: "@ana:example.org",
		Content: event.Content{Parsed: &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{Type: event.RelAnnotation, EventID: "$out1", Key: "👍"},
		}},
	})

	require.Len(t, sink.reactions, 1)
	assert.Equal(t, ReactionUpdate{Channel: MatrixName, ExternalID: "$out1", SenderID: "@ana:example.org", Emoji: "👍"}, sink.reactions[0])
}

func TestStatusesFromReceipts(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	content := event.ReceiptEventContent{
		"$out1": {
			event.ReceiptTypeRead: {
				"@ana:example.org":     {Timestamp: at},
				"@support:example.org": {Timestamp: at},
			},
		},
	}

	ups := statusesFromReceipts(content, "@support:example.org")
	require.Len(t, ups, 1)
	assert.Equal(t, StatusUpdate{Channel: MatrixName, ExternalID: "$out1", Status: store.StatusRead, At: at}, ups[0])
}
