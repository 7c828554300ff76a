package proxy_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/MegaGrindStone/scout-web-ui/internal/models"
	"github.com/MegaGrindStone/scout-web-ui/internal/proxy"
	"github.com/MegaGrindStone/scout-web-ui/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	chunks []string
	err    error

	mu   sync.Mutex
	seen [][]models.Message
}

type mockStore struct {
	mu       sync.Mutex
	threads  map[string]models.Thread
	messages map[string][]models.Message
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newMockStore() *mockStore {
	return &mockStore{
		threads:  map[string]models.Thread{},
		messages: map[string][]models.Message{},
	}
}

func postChat(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, []stream.Event) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var events []stream.Event
	if w.Code != http.StatusOK {
		return w, nil
	}
	for ev, err := range stream.Read(w.Body, func(record string, err error) {
		t.Errorf("malformed record %q: %v", record, err)
	}) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return w, events
}

func TestHandleChat(t *testing.T) {
	llm := &mockLLM{chunks: []string{"Hi", " there", "\n\n< TOOL CALL: query_database >\n\n", "Done."}}
	store := newMockStore()
	srv := proxy.NewServer(llm, store, discardLogger)

	w, events := postChat(t, srv.Handler(), `{"message":"hello"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.GreaterOrEqual(t, len(events), 2)

	tid, ok := events[0].(stream.ThreadID)
	require.True(t, ok, "first event must carry the thread id, got %#v", events[0])
	assert.NotEmpty(t, tid.ID)
	assert.Equal(t, stream.Complete{}, events[len(events)-1])
	assert.Contains(t, events, stream.Event(stream.ToolCall{ToolName: "query_database"}))

	var content strings.Builder
	for _, ev := range events {
		if c, ok := ev.(stream.Content); ok {
			content.WriteString(c.Text)
		}
	}
	assert.Equal(t, "Hi thereDone.", content.String())

	msgs := store.messages[tid.ID]
	require.Len(t, msgs, 2)
	assert.Equal(t, models.KindUser, msgs[0].Kind)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "Hi thereDone.", msgs[1].Content)
	assert.Equal(t, "hello", store.threads[tid.ID].Title)
}

func TestHandleChatContinuesThread(t *testing.T) {
	llm := &mockLLM{chunks: []string{"ok"}}
	store := newMockStore()
	store.threads["t1"] = models.Thread{ID: "t1", Title: "Earlier"}
	store.messages["t1"] = []models.Message{
		{ID: "1", Kind: models.KindUser, Content: "first"},
		{ID: "2", Kind: models.KindAssistant, Content: "answer"},
	}
	srv := proxy.NewServer(llm, store, discardLogger)

	_, events := postChat(t, srv.Handler(), `{"message":"second","thread_id":"t1"}`)

	require.NotEmpty(t, events)
	assert.Equal(t, stream.ThreadID{ID: "t1"}, events[0])
	require.Len(t, llm.seen, 1)
	require.Len(t, llm.seen[0], 3)
	assert.Equal(t, "second", llm.seen[0][2].Content)
	assert.Len(t, store.messages["t1"], 4)
	assert.Equal(t, "Earlier", store.threads["t1"].Title)
}

func TestHandleChatProviderError(t *testing.T) {
	llm := &mockLLM{chunks: []string{"par"}, err: errors.New("rate limited")}
	store := newMockStore()
	srv := proxy.NewServer(llm, store, discardLogger)

	_, events := postChat(t, srv.Handler(), `{"message":"x"}`)

	require.NotEmpty(t, events)
	assert.Equal(t, stream.Error{Message: "Error processing request: rate limited"}, events[len(events)-1])
	assert.NotContains(t, events, stream.Event(stream.Complete{}))
}

func TestHandleChatInlineChart(t *testing.T) {
	chart := `{"data":[{"type":"pie"}],"layout":{}}`
	llm := &mockLLM{chunks: []string{"Chart: ", chart[:10], chart[10:]}}
	store := newMockStore()
	srv := proxy.NewServer(llm, store, discardLogger)

	_, events := postChat(t, srv.Handler(), `{"message":"plot"}`)

	var found bool
	for _, ev := range events {
		if v, ok := ev.(stream.Visualization); ok {
			found = true
			assert.JSONEq(t, `[{"type":"pie"}]`, string(v.Chart.Data))
		}
	}
	assert.True(t, found, "expected a visualization event in %#v", events)
	for _, msgs := range store.messages {
		require.Len(t, msgs, 2)
		assert.NotNil(t, msgs[1].Chart)
		assert.Equal(t, "Chart: ", msgs[1].Content)
	}
}

func TestHandleChatBadRequests(t *testing.T) {
	tests := []struct {
		name       string
		llm        proxy.LLM
		body       string
		wantStatus int
	}{
		{
			name:       "Invalid JSON",
			llm:        &mockLLM{},
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Empty message",
			llm:        &mockLLM{},
			body:       `{"message":"   "}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Agent not initialized",
			llm:        nil,
			body:       `{"message":"hello"}`,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := proxy.NewServer(tt.llm, newMockStore(), discardLogger)
			w, _ := postChat(t, srv.Handler(), tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name      string
		llm       proxy.LLM
		wantReady bool
	}{
		{name: "Ready", llm: &mockLLM{}, wantReady: true},
		{name: "Not ready", llm: nil, wantReady: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := proxy.NewServer(tt.llm, newMockStore(), discardLogger)
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, http.StatusOK, w.Code)
			var got map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, "healthy", got["status"])
			assert.Equal(t, tt.wantReady, got["agent_ready"])
		})
	}
}

func TestHandleConversation(t *testing.T) {
	store := newMockStore()
	store.threads["t1"] = models.Thread{ID: "t1", Title: "Sales"}
	store.messages["t1"] = []models.Message{{ID: "1", Kind: models.KindUser, Content: "hi"}}
	srv := proxy.NewServer(&mockLLM{}, store, discardLogger)

	tests := []struct {
		name      string
		url       string
		wantCount int
	}{
		{name: "Known thread", url: "/conversations/t1", wantCount: 1},
		{name: "Unknown thread", url: "/conversations/nope", wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.url, nil))

			require.Equal(t, http.StatusOK, w.Code)
			var got struct {
				ThreadID string           `json:"thread_id"`
				Messages []models.Message `json:"messages"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Len(t, got.Messages, tt.wantCount)
			assert.Equal(t, strings.TrimPrefix(tt.url, "/conversations/"), got.ThreadID)
		})
	}
}

func TestHandleConversations(t *testing.T) {
	store := newMockStore()
	srv := proxy.NewServer(&mockLLM{}, store, discardLogger)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conversations", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	store.threads["t1"] = models.Thread{ID: "t1", Title: "Sales"}

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conversations", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got []models.Thread
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Sales", got[0].Title)
}

func TestHandleChart(t *testing.T) {
	charts := proxy.NewChartFS(fstest.MapFS{
		"sales.json": {Data: []byte(`{"data":[],"layout":{"title":"Sales"}}`)},
		"notes.json": {Data: []byte(`{"text":"no chart"}`)},
	})
	srv := proxy.NewServer(&mockLLM{}, newMockStore(), discardLogger, proxy.WithCharts(charts))

	tests := []struct {
		name       string
		url        string
		wantStatus int
	}{
		{name: "Existing chart", url: "/charts/sales", wantStatus: http.StatusOK},
		{name: "Missing chart", url: "/charts/missing", wantStatus: http.StatusNotFound},
		{name: "Hidden name", url: "/charts/..secret", wantStatus: http.StatusBadRequest},
		{name: "Escaped separator", url: "/charts/a%2Fb", wantStatus: http.StatusBadRequest},
		{name: "Not a chart", url: "/charts/notes", wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.url, nil))
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestCORS(t *testing.T) {
	srv := proxy.NewServer(&mockLLM{}, newMockStore(), discardLogger,
		proxy.WithAllowedOrigins("http://localhost:3000"))

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func (m *mockLLM) Chat(_ context.Context, messages []models.Message) iter.Seq2[string, error] {
	m.mu.Lock()
	m.seen = append(m.seen, messages)
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, c := range m.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

func (m *mockStore) Threads(context.Context) ([]models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var threads []models.Thread
	for _, th := range m.threads {
		threads = append(threads, th)
	}
	return threads, nil
}

func (m *mockStore) Thread(_ context.Context, threadID string) (models.Thread, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	th, ok := m.threads[threadID]
	return th, ok, nil
}

func (m *mockStore) SaveThread(_ context.Context, thread models.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.threads[thread.ID] = thread
	return nil
}

func (m *mockStore) Messages(_ context.Context, threadID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]models.Message(nil), m.messages[threadID]...), nil
}

func (m *mockStore) AddMessages(_ context.Context, threadID string, messages ...models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages[threadID] = append(m.messages[threadID], messages...)
	return nil
}
