package model

import (
	"time"

	"github.com/goccy/go-json"
)

// Delivery is the lifecycle of the viewing user's own messages. Other
// participants' messages stay at DeliveryNone.
type Delivery int

const (
	DeliveryNone Delivery = iota
	DeliverySending
	DeliveryDelivered
	DeliveryRead
	DeliveryFailed
)

func (d Delivery) String() string {
	switch d {
	case DeliverySending:
		return "sending"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryRead:
		return "read"
	case DeliveryFailed:
		return "failed"
	}
	return "none"
}

// Timestamp is the backend's seconds-resolution epoch wrapper
// ({"seconds": N} on the wire).
type Timestamp struct {
	Seconds int64 `json:"seconds"`
}

func (t Timestamp) IsZero() bool    { return t.Seconds == 0 }
func (t Timestamp) Time() time.Time { return time.Unix(t.Seconds, 0) }

// UnmarshalJSON also accepts a bare epoch number, which some backend
// responses use for freshly written rows.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var bare int64
	if err := json.Unmarshal(data, &bare); err == nil {
		t.Seconds = bare
		return nil
	}
	type wire Timestamp
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.Seconds = w.Seconds
	return nil
}

// Message is one chat message as the client sees it. ID is
// server-assigned and empty for an optimistic send that has not been
// acknowledged; ClientID is the client-generated correlation id carried
// through the echo.
type Message struct {
	ID             string    `json:"messageId"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"chatId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	AttachmentURL  string    `json:"attachment,omitempty"`
	AttachmentName string    `json:"attachmentName,omitempty"`
	SentAt         Timestamp `json:"sentAt"`
	EditedAt       *Timestamp `json:"editedAt,omitempty"`
	ReadBy         []string  `json:"readBy,omitempty"`

	// Delivery is local-only state, never sent on the wire.
	Delivery Delivery `json:"-"`
}

// ReadByUser reports whether userID has acknowledged the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Preview is the text shown in a conversation summary: the attachment
// display name when one exists, the body otherwise.
func (m *Message) Preview() string {
	if m.AttachmentName != "" {
		return m.AttachmentName
	}
	return m.Content
}

// Draft is an outbound message before the server has seen it.
type Draft struct {
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachmentUrl,omitempty"`
	AttachmentName string `json:"attachmentName,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
}
