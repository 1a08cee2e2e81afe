// ABOUTME: Outgoing and internal messages: recorded first, then sent through the channel adapter
// ABOUTME: A channel failure marks the message failed; the record is never rolled back

package inbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/store"
)

// Outgoing describes a message an operator sends
type Outgoing struct {
	ConversationID string
	OperatorID     string
	Text           string
	Media          *store.Media
	ReplyTo        string
}

// Send records an operator's message and delivers it. The returned message
// has status failed if the channel rejected it.
func (ib *Inbox) Send(ctx context.Context, out Outgoing) (*store.Message, error) {
	conv, err := ib.conversations.Get(ctx, out.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.ConversationClosed {
		return nil, fmt.Errorf("%w: conversation is closed", store.ErrValidation)
	}

	m := &store.Message{
		ConversationID: conv.ID,
		Direction:      store.DirectionOutgoing,
		Media:          out.Media,
	}
	if out.OperatorID != "" {
		operator := out.OperatorID
		m.SenderID = &operator
	}
	if text := strings.TrimSpace(out.Text); text != "" {
		m.Content = &text
	}
	if out.ReplyTo != "" {
		replyTo := out.ReplyTo
		m.ReplyToRef = &replyTo
	}
	return ib.deliver(ctx, conv, m)
}

// Reply sends an automated message from the assistant
func (ib *Inbox) Reply(ctx context.Context, conv *store.Conversation, text string) (*store.Message, error) {
	text = strings.TrimSpace(text)
	m := &store.Message{
		ConversationID: conv.ID,
		Direction:      store.DirectionOutgoing,
		Content:        &text,
		Automated:      true,
	}
	return ib.deliver(ctx, conv, m)
}

// Note records an internal message visible to operators only
func (ib *Inbox) Note(ctx context.Context, conversationID, operatorID, text string) (*store.Message, error) {
	conv, err := ib.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	m, err := ib.messages.Append(ctx, &store.Message{
		ConversationID: conv.ID,
		Direction:      store.DirectionInternal,
		Content:        &text,
		SenderID:       &operatorID,
	})
	if err != nil {
		return nil, err
	}
	ib.publishMessage(ctx, conv, m, nil)
	return m, nil
}

func (ib *Inbox) deliver(ctx context.Context, conv *store.Conversation, m *store.Message) (*store.Message, error) {
	adapter, err := ib.channels.For(conv)
	if err != nil {
		return nil, err
	}
	if m.Media != nil {
		media, err := channel.NormalizeMedia(*m.Media)
		if err != nil {
			return nil, err
		}
		m.Media = &media
	}

	m, err = ib.messages.Append(ctx, m)
	if err != nil {
		return nil, err
	}

	var ref string
	if m.Media != nil {
		ref, err = adapter.SendMedia(ctx, conv, *m.Media, m.Text())
	} else {
		ref, err = adapter.SendText(ctx, conv, m.Text())
	}

	if err != nil {
		ib.logger.Error("channel send failed",
			"conversation_id", conv.ID,
			"message_id", m.ID,
			"channel", conv.ChannelRef,
			"error", err)
		if failed, ferr := ib.messages.MarkFailed(ctx, m.ID); ferr == nil {
			m = failed
		} else {
			ib.logger.Error("marking message failed", "message_id", m.ID, "error", ferr)
		}
	} else if updated, aerr := ib.messages.AttachExternalRef(ctx, m.ID, ref); aerr == nil {
		m = updated
	} else {
		ib.logger.Error("recording provider id failed", "message_id", m.ID, "external_ref", ref, "error", aerr)
	}

	ib.touch(ctx, conv, m.CreatedAt)
	ib.publishMessage(ctx, conv, m, nil)
	return m, nil
}
