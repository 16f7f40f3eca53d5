package model

// Kind distinguishes the three conversation shapes the backend serves.
type Kind string

const (
	KindDirect    Kind = "DIRECT"
	KindGroup     Kind = "GROUP"
	KindBroadcast Kind = "GLOBAL"
)

// ConversationSummary is one row of the conversation list. It is
// derived state: the roster owns and mutates it, message stores never
// touch it.
type ConversationSummary struct {
	ID           string   `json:"chatId"`
	Kind         Kind     `json:"type"`
	Name         string   `json:"groupName,omitempty"`
	Participants []string `json:"participants"`

	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageID   string    `json:"lastMessageId,omitempty"`
	LastMessageTime Timestamp `json:"lastMessageTime"`

	// UnreadCounts on the wire is per-user; the client keeps only its
	// own count after decoding.
	UnreadCounts map[string]int `json:"unreadCounts,omitempty"`
	Unread       int            `json:"-"`

	// IsTemporary marks a conversation that exists only on this client
	// until the first message is sent and the server assigns a real id.
	IsTemporary bool `json:"-"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *ConversationSummary) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// SameParticipants reports whether the conversation is between exactly
// the given user set, order-insensitive. Used to prevent duplicate
// direct conversations when a temporary one is promoted.
func (c *ConversationSummary) SameParticipants(userIDs []string) bool {
	if len(c.Participants) != len(userIDs) {
		return false
	}
	for _, id := range userIDs {
		if !c.HasParticipant(id) {
			return false
		}
	}
	return true
}

// Participant is the profile slice of one chat member the client needs
// for rendering and presence seeding.
type Participant struct {
	ID         string `json:"id"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	IsOnline   bool   `json:"isOnline"`
	LastActive string `json:"lastActive,omitempty"`
}
