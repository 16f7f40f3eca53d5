// Package ids generates the client-side identifiers used before the
// server has assigned real ones: optimistic message correlation ids,
// temporary conversation ids and subscription handles.
package ids

import "github.com/google/uuid"

// Client returns a new correlation id for an optimistic message. The
// server echoes it back unchanged, which is how the echo is matched to
// the locally rendered entry.
func Client() string { return uuid.NewString() }

// TempConversation returns the id of a conversation that exists only on
// this client until the first message promotes it.
func TempConversation() string { return "tmp-" + uuid.NewString() }

// Subscription returns a handle identifying one listener registration.
func Subscription() string { return uuid.NewString() }
