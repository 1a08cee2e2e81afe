// ABOUTME: Matrix channel adapter: one room per counterparty, Markdown replies rendered to HTML
// ABOUTME: Syncs room messages, reactions and read receipts into the Sink

package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/switchboard/internal/store"
)

// MatrixName is the channel ref for Matrix conversations
const MatrixName = "matrix"

// networkTimeout bounds each Matrix API call.
const networkTimeout = 30 * time.Second

// MatrixConfig holds homeserver credentials
type MatrixConfig struct {
	Homeserver   string
	UserID       string
	AccessToken  string
	AllowedRooms []string
}

// matrixSender is the part of the Matrix client used for sending
type matrixSender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// Matrix bridges customer rooms. The counterparty id of a Matrix
// conversation is its room id.
type Matrix struct {
	cfg    MatrixConfig
	client *mautrix.Client
	sender matrixSender
	self   id.UserID
	sink   Sink
	logger *slog.Logger
}

// NewMatrix creates the adapter. Call Run to start syncing.
func NewMatrix(cfg MatrixConfig, logger *slog.Logger) (*Matrix, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Matrix{
		cfg:    cfg,
		client: client,
		sender: client,
		self:   id.UserID(cfg.UserID),
		logger: logger.With("component", "matrix"),
	}, nil
}

// Name implements Adapter
func (m *Matrix) Name() string { return MatrixName }

// Run syncs until ctx is cancelled, delivering events to sink.
func (m *Matrix) Run(ctx context.Context, sink Sink) error {
	m.sink = sink
	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", m.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, m.handleMessage)
	syncer.OnEventType(event.EventReaction, m.handleReaction)
	syncer.OnEventType(event.EphemeralEventReceipt, m.handleReceipt)

	m.logger.Info("connecting to matrix homeserver", "homeserver", m.cfg.Homeserver, "user_id", m.cfg.UserID)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- m.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		m.logger.Info("matrix sync stopped")
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// SendText implements Adapter. The text is treated as Markdown.
func (m *Matrix) SendText(ctx context.Context, conv *store.Conversation, text string) (string, error) {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if html, err := renderMarkdown(text); err == nil && html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	return m.send(ctx, conv, &content)
}

// SendMedia implements Adapter. media.URL must be an mxc:// content URI.
func (m *Matrix) SendMedia(ctx context.Context, conv *store.Conversation, media store.Media, caption string) (string, error) {
	if !strings.HasPrefix(media.URL, "mxc://") {
		return "", fmt.Errorf("%w: matrix media must be an mxc:// uri", store.ErrValidation)
	}
	content := event.MessageEventContent{
		MsgType:  matrixMsgType(KindOf(media)),
		Body:     media.Filename,
		FileName: media.Filename,
		URL:      id.ContentURIString(media.URL),
		Info:     &event.FileInfo{MimeType: media.Type},
	}
	if caption != "" {
		content.Body = caption
	}
	return m.send(ctx, conv, &content)
}

func (m *Matrix) send(ctx context.Context, conv *store.Conversation, content *event.MessageEventContent) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	resp, err := m.sender.SendMessageEvent(ctx, id.RoomID(conv.CounterpartyID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", conv.CounterpartyID, err)
	}
	return resp.EventID.String(), nil
}

func (m *Matrix) roomAllowed(roomID id.RoomID) bool {
	return len(m.cfg.AllowedRooms) == 0 || slices.Contains(m.cfg.AllowedRooms, roomID.String())
}

func (m *Matrix) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == m.self || m.sink == nil || !m.roomAllowed(evt.RoomID) {
		return
	}
	in, ok := inboundFromMatrix(evt)
	if !ok {
		return
	}
	if err := m.sink.HandleInbound(ctx, in); err != nil {
		m.logger.Error("inbound matrix message failed", "room", evt.RoomID.String(), "event_id", evt.ID.String(), "error", err)
	}
}

func (m *Matrix) handleReaction(ctx context.Context, evt *event.Event) {
	if evt.Sender == m.self || m.sink == nil {
		return
	}
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok || content.RelatesTo.EventID == "" {
		return
	}
	up := ReactionUpdate{
		Channel:    MatrixName,
		ExternalID: content.RelatesTo.EventID.String(),
		SenderID:   evt.Sender.String(),
		Emoji:      content.RelatesTo.Key,
	}
	if err := m.sink.HandleReaction(ctx, up); err != nil {
		m.logger.Warn("matrix reaction failed", "event_id", up.ExternalID, "error", err)
	}
}

// handleReceipt turns read receipts from customers into read callbacks.
func (m *Matrix) handleReceipt(ctx context.Context, evt *event.Event) {
	if m.sink == nil {
		return
	}
	content, ok := evt.Content.Parsed.(*event.ReceiptEventContent)
	if !ok {
		return
	}
	for _, up := range statusesFromReceipts(*content, m.self) {
		if err := m.sink.HandleStatus(ctx, up); err != nil {
			m.logger.Debug("matrix receipt not applied", "event_id", up.ExternalID, "error", err)
		}
	}
}

func inboundFromMatrix(evt *event.Event) (Inbound, bool) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return Inbound{}, false
	}

	in := Inbound{
		Channel:        MatrixName,
		ExternalID:     evt.ID.String(),
		CounterpartyID: evt.RoomID.String(),
		DisplayName:    senderName(evt.Sender),
		At:             time.UnixMilli(evt.Timestamp).UTC(),
	}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		in.ReplyTo = content.RelatesTo.InReplyTo.EventID.String()
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		in.Text = strings.TrimSpace(content.Body)
		if in.Text == "" {
			return Inbound{}, false
		}
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		media := store.Media{URL: string(content.URL), Filename: content.FileName}
		if content.Info != nil {
			media.Type = content.Info.MimeType
		}
		if media.Filename == "" {
			media.Filename = content.Body
		} else if content.Body != content.FileName {
			in.Text = content.Body
		}
		in.Media = &media
	default:
		return Inbound{}, false
	}
	return in, true
}

func statusesFromReceipts(content event.ReceiptEventContent, self id.UserID) []StatusUpdate {
	var out []StatusUpdate
	for eventID, receipts := range content {
		for userID, receipt := range receipts[event.ReceiptTypeRead] {
			if userID == self {
				continue
			}
			at := receipt.Timestamp
			if at.IsZero() {
				at = time.Now()
			}
			out = append(out, StatusUpdate{
				Channel:    MatrixName,
				ExternalID: eventID.String(),
				Status:     store.StatusRead,
				At:         at.UTC(),
			})
		}
	}
	return out
}

func senderName(userID id.UserID) string {
	localpart, _, err := userID.Parse()
	if err != nil || localpart == "" {
		return userID.String()
	}
	return localpart
}

func matrixMsgType(kind MediaKind) event.MessageType {
	switch kind {
	case MediaImage:
		return event.MsgImage
	case MediaVideo:
		return event.MsgVideo
	case MediaAudio:
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// renderMarkdown converts a reply to the HTML formatted body
func renderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
