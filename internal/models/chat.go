package models

import "time"

// ConversationState is the client-side state of one conversation. Messages are kept in insertion
// order, which is also the display order.
type ConversationState struct {
	Messages []Message
	// ThreadID is the conversation identifier assigned by the agent. Empty until the first reply
	// assigns one, stable afterwards.
	ThreadID string
	Busy     bool
	// LastError holds the description of the last failed turn. Cleared on every new turn.
	LastError string
}

// Active returns the index of the message that is still streaming, or -1 if there is none.
func (s ConversationState) Active() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Streaming {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the state.
func (s ConversationState) Clone() ConversationState {
	msgs := make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		msgs[i] = m.Clone()
	}
	s.Messages = msgs
	return s
}

// Thread is a stored conversation on the agent side, identified by the same id that is handed to
// clients as the conversation identifier.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}
