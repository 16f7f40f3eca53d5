// Package topics centralizes broker destination naming.
package topics

// UserStatus is the fixed, globally shared presence topic.
const UserStatus = "/topic/user-status"

// Conversation returns the subscribe topic of one conversation.
func Conversation(chatID string) string { return "/topic/chat/" + chatID }

// SendDestination returns the publish destination for sending a message
// into one conversation.
func SendDestination(chatID string) string { return "/app/chat/" + chatID + "/send" }
