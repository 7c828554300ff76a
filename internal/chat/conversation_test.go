package chat_test

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/scout-web-ui/internal/chat"
	"github.com/MegaGrindStone/scout-web-ui/internal/models"
	"github.com/MegaGrindStone/scout-web-ui/internal/services"
	"github.com/MegaGrindStone/scout-web-ui/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type agentCall struct {
	message  string
	threadID string
}

type mockAgent struct {
	mu     sync.Mutex
	calls  []agentCall
	script func(ctx context.Context, yield func(stream.Event, error) bool)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func (m *mockAgent) Chat(ctx context.Context, message, threadID string) iter.Seq2[stream.Event, error] {
	m.mu.Lock()
	m.calls = append(m.calls, agentCall{message: message, threadID: threadID})
	m.mu.Unlock()

	return func(yield func(stream.Event, error) bool) {
		m.script(ctx, yield)
	}
}

func (m *mockAgent) lastCall() agentCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

func replay(events ...stream.Event) func(context.Context, func(stream.Event, error) bool) {
	return func(_ context.Context, yield func(stream.Event, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// blockAfter yields events, then waits for ctx to be cancelled like a stalled stream would.
func blockAfter(events ...stream.Event) func(context.Context, func(stream.Event, error) bool) {
	return func(ctx context.Context, yield func(stream.Event, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
		<-ctx.Done()
	}
}

func wait(t *testing.T, turn *chat.Turn) {
	t.Helper()
	select {
	case <-turn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}
}

func TestSubmitCompletesReply(t *testing.T) {
	agent := &mockAgent{script: replay(
		stream.ThreadID{ID: "t1"},
		stream.Content{Text: "Hi"},
		stream.Content{Text: " there"},
		stream.Complete{},
	)}
	c := chat.New(agent)

	turn, err := c.Submit(context.Background(), "  hello ")
	require.NoError(t, err)
	wait(t, turn)

	s := c.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, models.KindUser, s.Messages[0].Kind)
	assert.Equal(t, "hello", s.Messages[0].Content)
	assert.Equal(t, models.KindAssistant, s.Messages[1].Kind)
	assert.Equal(t, "Hi there", s.Messages[1].Content)
	assert.False(t, s.Messages[1].Streaming)
	assert.Equal(t, "t1", s.ThreadID)
	assert.False(t, s.Busy)
	assert.Empty(t, s.LastError)
	assert.Equal(t, chat.OutcomeCompleted, turn.Outcome())
	assert.Equal(t, s.Messages[1].ID, turn.ReplyID())
	assert.Equal(t, agentCall{message: "hello"}, agent.lastCall())
}

func TestSubmitErrorEvent(t *testing.T) {
	agent := &mockAgent{script: replay(stream.Error{Message: "boom"})}
	c := chat.New(agent)

	turn, err := c.Submit(context.Background(), "x")
	require.NoError(t, err)
	wait(t, turn)

	s := c.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, models.KindError, s.Messages[1].Kind)
	assert.Equal(t, "boom", s.Messages[1].Content)
	assert.False(t, s.Messages[1].Streaming)
	assert.False(t, s.Busy)
	assert.Equal(t, "boom", s.LastError)
	assert.Equal(t, chat.OutcomeErrored, turn.Outcome())
}

func TestSubmitTransportFailure(t *testing.T) {
	agent := &mockAgent{script: func(_ context.Context, yield func(stream.Event, error) bool) {
		yield(nil, &services.StatusError{StatusCode: http.StatusInternalServerError})
	}}
	c := chat.New(agent)

	turn, err := c.Submit(context.Background(), "x")
	require.NoError(t, err)
	wait(t, turn)

	s := c.Snapshot()
	assert.Equal(t, models.KindError, s.Messages[1].Kind)
	assert.Equal(t, "HTTP error! status: 500", s.Messages[1].Content)
	assert.Equal(t, "HTTP error! status: 500", s.LastError)
	assert.False(t, s.Busy)
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	c := chat.New(&mockAgent{script: replay()})

	_, err := c.Submit(context.Background(), " \n\t")
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
	assert.Empty(t, c.Snapshot().Messages)
}

func TestSubmitWhileBusyIsNoop(t *testing.T) {
	agent := &mockAgent{script: blockAfter(stream.Content{Text: "partial"})}
	c := chat.New(agent)

	turn, err := c.Submit(context.Background(), "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.Snapshot().Messages[1].Content == "partial"
	}, 5*time.Second, 5*time.Millisecond)

	before := c.Snapshot()
	assert.True(t, c.Busy())
	_, err = c.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, chat.ErrBusy)
	assert.Equal(t, before, c.Snapshot())

	c.Cancel()
	assert.False(t, c.Busy())
	wait(t, turn)
}

func TestCancelMidStream(t *testing.T) {
	agent := &mockAgent{script: blockAfter(
		stream.ThreadID{ID: "t1"},
		stream.Content{Text: "Hel"},
	)}
	c := chat.New(agent)

	turn, err := c.Submit(context.Background(), "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.Snapshot().Messages[1].Content == "Hel"
	}, 5*time.Second, 5*time.Millisecond)

	turn.Cancel()
	s := c.Snapshot()
	assert.False(t, s.Busy, "busy must be cleared as soon as Cancel returns")
	wait(t, turn)

	s = c.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, models.KindAssistant, s.Messages[1].Kind)
	assert.Equal(t, "Hel", s.Messages[1].Content)
	assert.False(t, s.Messages[1].Streaming)
	assert.Empty(t, s.LastError)
	assert.False(t, s.Busy)
	assert.Equal(t, chat.OutcomeCancelled, turn.Outcome())
}

func TestCancelKeepsPreviousError(t *testing.T) {
	agent := &mockAgent{script: replay(stream.Error{Message: "boom"})}
	c := chat.New(agent)

	turn, err := c.Submit(context.Background(), "x")
	require.NoError(t, err)
	wait(t, turn)

	agent.script = blockAfter()
	turn, err = c.Submit(context.Background(), "y")
	require.NoError(t, err)
	assert.Empty(t, c.Snapshot().LastError, "submit clears the last error")

	c.Cancel()
	wait(t, turn)
	assert.Empty(t, c.Snapshot().LastError)
}

func TestContextCancellationIsBenign(t *testing.T) {
	agent := &mockAgent{script: blockAfter(stream.Content{Text: "a"})}
	c := chat.New(agent)

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := c.Submit(ctx, "x")
	require.NoError(t, err)
	cancel()
	wait(t, turn)

	s := c.Snapshot()
	assert.False(t, s.Busy)
	assert.Empty(t, s.LastError)
	assert.Len(t, s.Messages, 2)
	assert.Equal(t, chat.OutcomeCancelled, turn.Outcome())
}

func TestLateEventsOfCancelledTurnAreDropped(t *testing.T) {
	release := make(chan struct{})
	agent := &mockAgent{script: func(_ context.Context, yield func(stream.Event, error) bool) {
		<-release
		// This agent ignores cancellation and keeps producing.
		if !yield(stream.Content{Text: "late"}, nil) {
			return
		}
		yield(stream.Error{Message: "late error"}, nil)
	}}
	c := chat.New(agent)

	turn, err := c.Submit(context.Background(), "x")
	require.NoError(t, err)
	turn.Cancel()
	close(release)
	wait(t, turn)

	s := c.Snapshot()
	assert.Empty(t, s.Messages[1].Content)
	assert.Equal(t, models.KindAssistant, s.Messages[1].Kind)
	assert.Empty(t, s.LastError)
}

func TestThreadIDIsEchoed(t *testing.T) {
	agent := &mockAgent{script: replay(stream.ThreadID{ID: "t1"}, stream.Complete{})}
	c := chat.New(agent)

	turn, err := c.Submit(context.Background(), "one")
	require.NoError(t, err)
	wait(t, turn)

	agent.script = replay(stream.ThreadID{ID: "t2"}, stream.Complete{})
	turn, err = c.Submit(context.Background(), "two")
	require.NoError(t, err)
	wait(t, turn)

	assert.Equal(t, agentCall{message: "two", threadID: "t1"}, agent.lastCall())
	assert.Equal(t, "t1", c.Snapshot().ThreadID, "an assigned thread id never changes")
	assert.Len(t, c.Snapshot().Messages, 4)
}

func TestResumeThread(t *testing.T) {
	agent := &mockAgent{script: replay(stream.Complete{})}
	c := chat.New(agent, chat.WithThreadID("saved"))

	turn, err := c.Submit(context.Background(), "again")
	require.NoError(t, err)
	wait(t, turn)

	assert.Equal(t, "saved", agent.lastCall().threadID)
}

func TestResumeThreadWithHistory(t *testing.T) {
	agent := &mockAgent{script: replay(stream.Content{Text: "more"}, stream.Complete{})}
	history := []models.Message{
		{ID: "1", Kind: models.KindUser, Content: "first"},
		{ID: "2", Kind: models.KindAssistant, Content: "answer", Streaming: true},
	}
	c := chat.New(agent, chat.WithThreadID("saved"), chat.WithHistory(history))

	s := c.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, -1, s.Active())

	turn, err := c.Submit(context.Background(), "again")
	require.NoError(t, err)
	wait(t, turn)

	s = c.Snapshot()
	require.Len(t, s.Messages, 4)
	assert.Equal(t, "first", s.Messages[0].Content)
	assert.Equal(t, "more", s.Messages[3].Content)
	assert.True(t, history[1].Streaming, "history slice is not modified")
}

func TestContentIsConcatenatedInOrder(t *testing.T) {
	tests := [][]string{
		{"a"},
		{"", "b", ""},
		{"Hello", ", ", "wor", "ld", "!\n", "```go\n", "x := 1\n", "```"},
		{"ü", "ñ", "文字", "🙂"},
	}

	for i, fragments := range tests {
		t.Run(fmt.Sprintf("case %d", i), func(t *testing.T) {
			events := make([]stream.Event, 0, len(fragments)+1)
			for _, f := range fragments {
				events = append(events, stream.Content{Text: f})
			}
			events = append(events, stream.Complete{})
			c := chat.New(&mockAgent{script: replay(events...)})

			turn, err := c.Submit(context.Background(), "go")
			require.NoError(t, err)
			wait(t, turn)

			assert.Equal(t, strings.Join(fragments, ""), c.Snapshot().Messages[1].Content)
		})
	}
}

func TestToolCallDoesNotChangeState(t *testing.T) {
	agent := &mockAgent{script: blockAfter(stream.Content{Text: "a"}, stream.ToolCall{ToolName: "query_database"})}
	c := chat.New(agent, chat.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	turn, err := c.Submit(context.Background(), "x")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.Snapshot().Messages[1].Content == "a"
	}, 5*time.Second, 5*time.Millisecond)
	before := c.Snapshot()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, c.Snapshot())

	turn.Cancel()
	wait(t, turn)
}

func TestVisualizationAttachesChart(t *testing.T) {
	chart := models.Chart{Data: []byte(`[{"type":"bar"}]`), Layout: []byte(`{}`)}
	agent := &mockAgent{script: replay(
		stream.Content{Text: "Here it is"},
		stream.Visualization{Chart: chart},
		stream.Complete{},
	)}
	c := chat.New(agent)

	turn, err := c.Submit(context.Background(), "plot")
	require.NoError(t, err)
	wait(t, turn)

	reply := c.Snapshot().Messages[1]
	require.NotNil(t, reply.Chart)
	assert.Equal(t, chart, *reply.Chart)
	assert.Equal(t, "Here it is", reply.Content)
}

func TestStreamEndingWithoutCompleteFinishes(t *testing.T) {
	c := chat.New(&mockAgent{script: replay(stream.Content{Text: "cut"})})

	turn, err := c.Submit(context.Background(), "x")
	require.NoError(t, err)
	wait(t, turn)

	s := c.Snapshot()
	assert.False(t, s.Busy)
	assert.False(t, s.Messages[1].Streaming)
	assert.Equal(t, "cut", s.Messages[1].Content)
	assert.Equal(t, chat.OutcomeCompleted, turn.Outcome())
}

func TestObserverSeesUpdatesInOrder(t *testing.T) {
	agent := &mockAgent{script: replay(
		stream.Content{Text: "a"},
		stream.Content{Text: "b"},
		stream.Complete{},
	)}
	var updates []chat.Update
	c := chat.New(agent, chat.WithObserver(func(u chat.Update) {
		updates = append(updates, u)
	}))

	turn, err := c.Submit(context.Background(), "x")
	require.NoError(t, err)
	wait(t, turn)

	require.Len(t, updates, 5)
	assert.Equal(t, models.KindUser, updates[0].Message.Kind)
	assert.True(t, updates[1].Message.Streaming)
	assert.Equal(t, "a", updates[2].Message.Content)
	assert.Equal(t, "ab", updates[3].Message.Content)
	assert.True(t, updates[4].Done)
	assert.False(t, updates[4].Message.Streaming)
}

func TestSingleStreamingMessage(t *testing.T) {
	agent := &mockAgent{script: blockAfter()}
	c := chat.New(agent)

	for i := 0; i < 3; i++ {
		turn, err := c.Submit(context.Background(), "x")
		require.NoError(t, err)
		turn.Cancel()
		wait(t, turn)
	}

	streaming := 0
	for _, m := range c.Snapshot().Messages {
		if m.Streaming {
			streaming++
		}
	}
	assert.Zero(t, streaming)
	assert.Len(t, c.Snapshot().Messages, 6)
}

func TestMalformedRecordTolerance(t *testing.T) {
	valid := []string{
		`{"type":"thread_id","thread_id":"t1"}`,
		`{"type":"content","content":"Hi"}`,
		`{"type":"content","content":" there"}`,
		`{"type":"complete"}`,
	}

	run := func(records []string) models.ConversationState {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, r := range records {
				fmt.Fprintf(w, "data: %s\n\n", r)
			}
		}))
		defer srv.Close()

		scout := services.NewScout(srv.URL, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
		c := chat.New(scout)
		turn, err := c.Submit(context.Background(), "hello")
		require.NoError(t, err)
		wait(t, turn)
		return c.Snapshot()
	}

	clean := run(valid)
	dirty := run([]string{valid[0], valid[1], `{"type":"content","content":`, valid[2], valid[3]})

	assert.Equal(t, "Hi there", clean.Messages[1].Content)
	assert.Equal(t, clean.Messages[1].Content, dirty.Messages[1].Content)
	assert.Empty(t, dirty.LastError)
	assert.Equal(t, "t1", dirty.ThreadID)
}

func TestUnterminatedLastRecord(t *testing.T) {
	run := func(body string) (models.ConversationState, chat.Outcome) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, body)
		}))
		defer srv.Close()

		scout := services.NewScout(srv.URL, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
		c := chat.New(scout)
		turn, err := c.Submit(context.Background(), "hello")
		require.NoError(t, err)
		wait(t, turn)
		return c.Snapshot(), turn.Outcome()
	}

	content := "data: {\"type\":\"content\",\"content\":\"Hi\"}\n\n"

	tests := []struct {
		name string
		body string
	}{
		{name: "Complete without newline", body: content + `data: {"type":"complete"}`},
		{name: "Truncated record", body: content + `data: {"type":"cont`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, outcome := run(tt.body)

			require.Len(t, s.Messages, 2)
			assert.Equal(t, models.KindAssistant, s.Messages[1].Kind)
			assert.Equal(t, "Hi", s.Messages[1].Content)
			assert.False(t, s.Messages[1].Streaming)
			assert.Empty(t, s.LastError)
			assert.False(t, s.Busy)
			assert.Equal(t, chat.OutcomeCompleted, outcome)
		})
	}
}

func TestNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Scout agent not initialized", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	scout := services.NewScout(srv.URL, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	c := chat.New(scout)
	turn, err := c.Submit(context.Background(), "hello")
	require.NoError(t, err)
	wait(t, turn)

	s := c.Snapshot()
	assert.Equal(t, "HTTP error! status: 503: Scout agent not initialized", s.LastError)
	assert.Equal(t, models.KindError, s.Messages[1].Kind)
	assert.False(t, s.Busy)
}
