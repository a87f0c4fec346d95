package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChannelKind identifies which platform integration produced a message.
type ChannelKind string

const (
	ChannelPolling ChannelKind = "polling"
	ChannelWebhook ChannelKind = "webhook"
)

// MessageKind classifies the payload of an inbound message.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindDocument    MessageKind = "document"
	KindVoice       MessageKind = "voice"
	KindPhoto       MessageKind = "photo"
	KindUnsupported MessageKind = "unsupported"
)

// InboundMessage is the canonical envelope every adapter normalizes to.
// Exactly one of Text or Attachment is set for text and document kinds;
// voice, photo and unsupported messages carry neither.
type InboundMessage struct {
	Channel    ChannelKind
	ID         string // platform event id, used only for duplicate suppression
	SenderID   string
	Kind       MessageKind
	Text       string
	Attachment *AttachmentRef
	ReceivedAt time.Time
}

// NewTextMessage builds a text message.
func NewTextMessage(ch ChannelKind, id, sender, text string) InboundMessage {
	return InboundMessage{
		Channel:    ch,
		ID:         id,
		SenderID:   sender,
		Kind:       KindText,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

// NewDocumentMessage builds a document message. The ref is copied.
func NewDocumentMessage(ch ChannelKind, id, sender string, ref AttachmentRef) InboundMessage {
	return InboundMessage{
		Channel:    ch,
		ID:         id,
		SenderID:   sender,
		Kind:       KindDocument,
		Attachment: &ref,
		ReceivedAt: time.Now(),
	}
}

// NewMediaMessage builds a payload-less message of kind voice, photo or unsupported.
func NewMediaMessage(ch ChannelKind, id, sender string, kind MessageKind) InboundMessage {
	return InboundMessage{
		Channel:    ch,
		ID:         id,
		SenderID:   sender,
		Kind:       kind,
		ReceivedAt: time.Now(),
	}
}

var ErrInvalidMessage = errors.New("invalid inbound message")

// Validate checks the payload/kind invariant.
func (m InboundMessage) Validate() error {
	if strings.TrimSpace(m.SenderID) == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	switch m.Kind {
	case KindText:
		if m.Text == "" || m.Attachment != nil {
			return fmt.Errorf("%w: text message needs text and no attachment", ErrInvalidMessage)
		}
	case KindDocument:
		if m.Attachment == nil || m.Text != "" {
			return fmt.Errorf("%w: document message needs attachment and no text", ErrInvalidMessage)
		}
		if strings.TrimSpace(m.Attachment.Handle) == "" {
			return fmt.Errorf("%w: document without media handle", ErrInvalidMessage)
		}
	case KindVoice, KindPhoto, KindUnsupported:
		if m.Text != "" || m.Attachment != nil {
			return fmt.Errorf("%w: %s message carries a payload", ErrInvalidMessage, m.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// AttachmentRef points at a document the platform holds for us.
type AttachmentRef struct {
	Handle   string // platform media id or a direct URL
	Filename string
	MimeType string
}

// IsURL reports whether Handle is a fully-qualified http(s) URL.
func (r AttachmentRef) IsURL() bool {
	h := strings.ToLower(strings.TrimSpace(r.Handle))
	return strings.HasPrefix(h, "http://") || strings.HasPrefix(h, "https://")
}

// FetchedMedia holds the raw bytes of one downloaded attachment.
type FetchedMedia struct {
	Bytes []byte
}

func (f FetchedMedia) Len() int { return len(f.Bytes) }

// IngestionOutcome is the user-facing result of one ingestion attempt.
// A failed outcome always has a non-empty Message that is safe to show.
type IngestionOutcome struct {
	Success bool
	Message string
}
