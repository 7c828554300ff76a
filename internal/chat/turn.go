package chat

import "context"

// Outcome is the terminal state of a turn.
type Outcome int

const (
	// OutcomePending means the turn is still in flight.
	OutcomePending Outcome = iota
	// OutcomeCompleted means the reply finished successfully.
	OutcomeCompleted
	// OutcomeErrored means the reply failed, either on the transport or through an error event.
	OutcomeErrored
	// OutcomeCancelled means the reply was aborted before it finished.
	OutcomeCancelled
)

// Turn is one request/response cycle of a Conversation.
type Turn struct {
	conv     *Conversation
	replyIdx int
	cancel   context.CancelFunc
	done     chan struct{}

	// Guarded by conv.mu.
	finished bool
	outcome  Outcome
}

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeErrored:
		return "errored"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Done returns a channel that is closed once the stream of the turn is closed and no further change
// can come from it.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Cancel aborts the turn. The state reaches its cancelled terminal state before Cancel returns; the
// stream itself is closed asynchronously, which Done reports.
func (t *Turn) Cancel() {
	t.conv.finish(t, OutcomeCancelled, nil)
	t.cancel()
}

// Outcome reports how the turn ended, or OutcomePending while it is in flight.
func (t *Turn) Outcome() Outcome {
	t.conv.mu.Lock()
	defer t.conv.mu.Unlock()

	return t.outcome
}

// ReplyID returns the id of the assistant message filled by this turn.
func (t *Turn) ReplyID() string {
	t.conv.mu.Lock()
	defer t.conv.mu.Unlock()

	return t.conv.state.Messages[t.replyIdx].ID
}
