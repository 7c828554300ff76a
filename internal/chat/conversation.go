// Package chat holds the client-side state of a conversation with the agent and drives it through
// one request/response cycle per user turn.
package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/scout-web-ui/internal/models"
	"github.com/MegaGrindStone/scout-web-ui/internal/stream"
	"github.com/google/uuid"
)

// Agent represents the remote agent a conversation talks to. Chat sends message, along with the
// conversation identifier unless it is empty, and returns an iterator over the events of the reply.
// An error yielded by the iterator is a transport failure and ends the reply. The iterator must end
// without an error once ctx is cancelled.
type Agent interface {
	Chat(ctx context.Context, message, threadID string) iter.Seq2[stream.Event, error]
}

// Update is handed to the observer after every change of a message.
type Update struct {
	Message models.Message
	// Done is set on the last update of a turn, when the reply stopped streaming.
	Done bool
}

// Observer receives updates in the order the changes were applied. It is called with the
// conversation locked, so it must return quickly and must not call back into the Conversation.
type Observer func(Update)

// Option configures a Conversation.
type Option func(*Conversation)

// Conversation owns a ConversationState and mutates it as the replies of the agent stream in. At
// most one turn is in flight at any time.
type Conversation struct {
	agent    Agent
	observer Observer
	logger   *slog.Logger

	mu     sync.Mutex
	state  models.ConversationState
	active *Turn
}

var (
	// ErrEmptyMessage is returned by Submit when the text is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned by Submit while a previous turn is still in flight.
	ErrBusy = errors.New("conversation is busy")
)

const errLoggerKey = "err"

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conversation) {
		c.logger = logger.With(slog.String("module", "chat"))
	}
}

// WithObserver registers an observer for message updates.
func WithObserver(o Observer) Option {
	return func(c *Conversation) {
		c.observer = o
	}
}

// WithThreadID resumes the conversation identified by threadID.
func WithThreadID(threadID string) Option {
	return func(c *Conversation) {
		c.state.ThreadID = threadID
	}
}

// WithHistory seeds the conversation with messages of earlier turns, as read back from the agent.
// Streaming flags are cleared, since no stream fills them anymore.
func WithHistory(messages []models.Message) Option {
	return func(c *Conversation) {
		for _, m := range messages {
			m = m.Clone()
			m.Streaming = false
			c.state.Messages = append(c.state.Messages, m)
		}
	}
}

// New creates an idle Conversation talking to agent.
func New(agent Agent, opts ...Option) *Conversation {
	c := &Conversation{
		agent:  agent,
		logger: slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns a copy of the current state, safe to read while the conversation keeps changing.
func (c *Conversation) Snapshot() models.ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.Clone()
}

// Busy reports whether a turn is in flight.
func (c *Conversation) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.Busy
}

// Submit starts a new turn with text. It appends the user message and an empty streaming assistant
// message, then consumes the reply of the agent in a separate goroutine, which is bounded by ctx.
//
// Submit returns ErrEmptyMessage if text is blank and ErrBusy if a turn is already in flight; in
// both cases the state is left untouched.
func (c *Conversation) Submit(ctx context.Context, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Busy {
		return nil, ErrBusy
	}

	now := time.Now()
	um := models.Message{
		ID:        uuid.New().String(),
		Kind:      models.KindUser,
		Content:   text,
		Timestamp: now,
	}
	c.state.Messages = append(c.state.Messages, um)
	c.notify(Update{Message: um})

	c.state.Busy = true
	c.state.LastError = ""

	am := models.Message{
		ID:        uuid.New().String(),
		Kind:      models.KindAssistant,
		Timestamp: now,
		Streaming: true,
	}
	c.state.Messages = append(c.state.Messages, am)
	c.notify(Update{Message: am})

	// A superseded turn may still be draining its stream.
	if c.active != nil {
		c.active.cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Turn{
		conv:     c,
		replyIdx: len(c.state.Messages) - 1,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.active = t

	go c.run(ctx, t, text, c.state.ThreadID)

	return t, nil
}

// Cancel aborts the turn in flight, if any. Cancellation is not a failure: the reply keeps the
// content received so far and the last error is left alone.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()

	if t != nil {
		t.Cancel()
	}
}

func (c *Conversation) run(ctx context.Context, t *Turn, text, threadID string) {
	defer close(t.done)
	defer t.cancel()

	for ev, err := range c.agent.Chat(ctx, text, threadID) {
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			c.logger.Error("Failed to stream reply", slog.String(errLoggerKey, err.Error()))
			c.fail(t, err.Error())
			return
		}
		if c.apply(t, ev) {
			return
		}
	}

	if ctx.Err() != nil {
		c.finish(t, OutcomeCancelled, nil)
		return
	}

	c.logger.Warn("Stream ended without completion")
	c.finish(t, OutcomeCompleted, nil)
}

// apply applies a single event to the reply of t and reports whether the event ended the turn.
func (c *Conversation) apply(t *Turn, ev stream.Event) bool {
	switch e := ev.(type) {
	case stream.ThreadID:
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.finished {
			return false
		}
		switch c.state.ThreadID {
		case "":
			c.state.ThreadID = e.ID
		case e.ID:
		default:
			c.logger.Warn("Ignoring conflicting thread id",
				slog.String("threadID", c.state.ThreadID),
				slog.String("received", e.ID))
		}
		return false
	case stream.Content:
		c.mutate(t, func(reply *models.Message) {
			reply.Content += e.Text
		})
		return false
	case stream.ToolCall:
		c.logger.Info("Agent is calling a tool", slog.String("toolName", e.ToolName))
		return false
	case stream.Visualization:
		chart := e.Chart
		c.mutate(t, func(reply *models.Message) {
			reply.Chart = &chart
		})
		return false
	case stream.Complete:
		c.finish(t, OutcomeCompleted, nil)
		return true
	case stream.Error:
		msg := e.Message
		if msg == "" {
			msg = "Unknown error"
		}
		c.fail(t, msg)
		return true
	default:
		return false
	}
}

func (c *Conversation) fail(t *Turn, description string) {
	c.finish(t, OutcomeErrored, func(reply *models.Message) {
		c.state.LastError = description
		reply.Kind = models.KindError
		reply.Content = description
	})
}

func (c *Conversation) mutate(t *Turn, fn func(reply *models.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.finished {
		return
	}
	reply := &c.state.Messages[t.replyIdx]
	fn(reply)
	c.notify(Update{Message: reply.Clone()})
}

// finish moves t to its terminal state. Only the first call for a turn has an effect.
func (c *Conversation) finish(t *Turn, outcome Outcome, fn func(reply *models.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.finished {
		return
	}
	reply := &c.state.Messages[t.replyIdx]
	if fn != nil {
		fn(reply)
	}
	reply.Streaming = false
	t.finished = true
	t.outcome = outcome
	if c.active == t {
		c.state.Busy = false
	}
	c.notify(Update{Message: reply.Clone(), Done: true})
}

func (c *Conversation) notify(u Update) {
	if c.observer != nil {
		c.observer(u)
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
