// Package proxy implements the agent API: it relays chat turns to a language model provider and
// streams the reply back as protocol events.
package proxy

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MegaGrindStone/scout-web-ui/internal/models"
)

// LLM represents a large language model that answers a conversation. It accepts a context and the
// conversation so far, returning an iterator that yields response chunks and potential errors. Tool
// invocations are announced in-band with "< TOOL CALL: name >" markers.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// TitleGenerator represents a service that provides a short title for a new thread.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Store defines the interface for persisting threads and their transcripts, so the model gets the
// earlier turns of a thread and clients can read them back.
type Store interface {
	Threads(ctx context.Context) ([]models.Thread, error)
	Thread(ctx context.Context, threadID string) (models.Thread, bool, error)
	SaveThread(ctx context.Context, thread models.Thread) error

	Messages(ctx context.Context, threadID string) ([]models.Message, error)
	AddMessages(ctx context.Context, threadID string, messages ...models.Message) error
}

// Server serves the agent API.
type Server struct {
	llm            LLM
	titleGenerator TitleGenerator
	store          Store
	charts         ChartLoader
	origins        []string

	logger *slog.Logger

	titles *sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

const errLoggerKey = "err"

// WithTitleGenerator sets the generator used to title new threads. Without it, threads are titled
// after their first message.
func WithTitleGenerator(tg TitleGenerator) Option {
	return func(s *Server) {
		s.titleGenerator = tg
	}
}

// WithCharts sets where chart references found in replies are resolved, and what the chart endpoint
// serves.
func WithCharts(charts ChartLoader) Option {
	return func(s *Server) {
		s.charts = charts
	}
}

// WithAllowedOrigins sets the browser origins allowed to call the API.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// NewServer creates a new Server answering with llm and keeping transcripts in store. A nil llm
// makes the chat endpoint report the agent as unavailable.
func NewServer(llm LLM, store Store, logger *slog.Logger, opts ...Option) Server {
	s := Server{
		llm:    llm,
		store:  store,
		logger: logger.With(slog.String("module", "proxy")),
		titles: &sync.WaitGroup{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Handler returns the routes of the agent API.
func (s Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("POST /chat", s.HandleChat)
	mux.HandleFunc("GET /conversations", s.HandleConversations)
	mux.HandleFunc("GET /conversations/{thread_id}", s.HandleConversation)
	mux.HandleFunc("GET /charts/{name}", s.HandleChart)

	return cors(s.origins, mux)
}

// Shutdown waits for background title generation to finish, or for ctx to be done.
func (s Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.titles.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
