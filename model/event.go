package model

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// EventKind tags the live-event union.
type EventKind int

const (
	// EventSent is a new message broadcast. The wire frame carries the
	// message object itself with no type tag.
	EventSent EventKind = iota + 1
	// EventEdited replaces an existing message in place.
	EventEdited
	// EventDeleted removes an existing message.
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventSent:
		return "sent"
	case EventEdited:
		return "edited"
	case EventDeleted:
		return "deleted"
	}
	return "unknown"
}

// LiveEvent is one decoded push frame from a conversation topic.
// Message is the affected message; for edits and deletes Latest carries
// the conversation's newest remaining message so summaries can be
// refreshed without a fetch.
type LiveEvent struct {
	Kind    EventKind
	Message Message
	Latest  *Message
}

const (
	wireEdited  = "MESSAGE_EDITED"
	wireDeleted = "MESSAGE_DELETED"
)

type eventWire struct {
	Type           string   `json:"type"`
	EditedMessage  *Message `json:"editedMessage"`
	DeletedMessage *Message `json:"deletedMessage"`
	LatestMessage  *Message `json:"latestMessage"`
}

// DecodeLiveEvent parses one topic frame. Frames without a type tag are
// plain sent messages; tagged frames wrap the affected message.
func DecodeLiveEvent(raw []byte) (LiveEvent, error) {
	var w eventWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return LiveEvent{}, errors.Wrap(err, "decode live event")
	}

	switch w.Type {
	case wireEdited:
		if w.EditedMessage == nil {
			return LiveEvent{}, errors.New("edited event without editedMessage")
		}
		return LiveEvent{Kind: EventEdited, Message: *w.EditedMessage, Latest: w.LatestMessage}, nil
	case wireDeleted:
		if w.DeletedMessage == nil {
			return LiveEvent{}, errors.New("deleted event without deletedMessage")
		}
		return LiveEvent{Kind: EventDeleted, Message: *w.DeletedMessage, Latest: w.LatestMessage}, nil
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return LiveEvent{}, errors.Wrap(err, "decode sent message")
	}
	return LiveEvent{Kind: EventSent, Message: msg}, nil
}

// PresenceEvent is one frame from the shared user-status topic.
type PresenceEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// DecodePresenceEvent parses one user-status frame.
func DecodePresenceEvent(raw []byte) (PresenceEvent, error) {
	var ev PresenceEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return PresenceEvent{}, errors.Wrap(err, "decode presence event")
	}
	return ev, nil
}
