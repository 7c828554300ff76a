package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	scoutwebui "github.com/MegaGrindStone/scout-web-ui"
	"github.com/MegaGrindStone/scout-web-ui/internal/chat"
	"github.com/MegaGrindStone/scout-web-ui/internal/models"
	"github.com/MegaGrindStone/scout-web-ui/internal/services"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Agent represents the Scout agent API as seen by the web interface. Besides streaming replies, it
// serves stored charts and the transcripts of earlier conversations.
type Agent interface {
	chat.Agent

	Chart(ctx context.Context, name string) (models.Chart, error)
	Conversation(ctx context.Context, threadID string) (services.Conversation, error)
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and the conversations of the browser sessions.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	agent    Agent
	sessions *sessions

	// ctx bounds every turn started from the web interface; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger
}

// Option configures Main.
type Option func(*Main)

const (
	sessionCookie = "scout_session"
	errLoggerKey  = "err"
)

// WithSessionIdleTimeout sets how long a browser session keeps its conversation without any request.
// Sessions with a reply in flight are kept regardless. Zero or less keeps sessions forever.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(m *Main) {
		m.sessions.idleTimeout = d
	}
}

// NewMain creates a new Main instance talking to agent. It initializes the SSE server and parses the
// HTML templates from the embedded filesystem. Browsers subscribe to the topic of their session, and
// optionally to the topic of a single message.
func NewMain(agent Agent, logger *slog.Logger, opts ...Option) (Main, error) {
	tmpl, err := template.ParseFS(
		scoutwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)

	ctx, cancel := context.WithCancel(context.Background())

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				if c, err := s.Req.Cookie(sessionCookie); err == nil && c.Value != "" {
					topics = append(topics, sessionTopic(c.Value))
				}
				if messageID := s.Req.URL.Query().Get("message_id"); messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		markdown:  md,
		agent:     agent,
		sessions:  newSessions(defaultSessionIdleTimeout),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("module", "handlers")),
	}
	for _, opt := range opts {
		opt(&m)
	}

	return m, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE subscribes the browser to the updates of its session.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown aborts the turns in flight and gracefully terminates the SSE server. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	m.cancel()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// SSE requires data on every event.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway.
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
