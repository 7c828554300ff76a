package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/scout-web-ui/internal/chat"
	"github.com/MegaGrindStone/scout-web-ui/internal/models"
	"github.com/MegaGrindStone/scout-web-ui/internal/services"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID        string
	Kind      string
	Text      string
	HTML      template.HTML
	Timestamp time.Time
	ChartJSON string

	StreamingState string
}

type chartPayload struct {
	ID     string          `json:"id"`
	Data   json.RawMessage `json:"data"`
	Layout json.RawMessage `json:"layout"`
}

const (
	streamingStateLoading   = "loading"
	streamingStateStreaming = "streaming"
	streamingStateEnded     = "ended"
)

// SSE event types for real-time updates.
var (
	messagesSSEType     = sse.Type("messages")
	chartSSEType        = sse.Type("chart")
	closeMessageSSEType = sse.Type("closeMessage")
)

// HandleChats submits the "message" form field to the conversation of the browser session. It renders
// the user message and the placeholder of the reply; the reply itself arrives through the SSE
// stream of the session.
//
// A blank message is rejected with 400, and a message sent while the previous reply is still
// streaming is rejected with 409.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	text := r.FormValue("message")
	if strings.TrimSpace(text) == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	sessionID := m.sessionID(w, r)
	conv := m.conversation(sessionID)

	turn, err := conv.Submit(m.ctx, text)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	case errors.Is(err, chat.ErrBusy):
		http.Error(w, "A reply is still streaming", http.StatusConflict)
		return
	case err != nil:
		m.logger.Error("Failed to submit message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	replyID := turn.ReplyID()
	state := conv.Snapshot()
	for i, msg := range state.Messages {
		if msg.ID != replyID || i == 0 {
			continue
		}
		// The reply may already have moved on; the SSE stream catches the browser up.
		for _, mm := range state.Messages[i-1 : i+1] {
			if err := m.templates.ExecuteTemplate(w, "message", m.message(mm)); err != nil {
				m.logger.Error("Failed to render message",
					slog.String("messageID", mm.ID),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		return
	}
}

// HandleCancel aborts the reply streaming in the browser session, if any.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if conv, ok := m.sessions.lookup(c.Value); ok {
			conv.Cancel()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleChart relays a stored chart from the agent.
func (m Main) HandleChart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	chart, err := m.agent.Chart(r.Context(), name)
	if err != nil {
		var se *services.StatusError
		if errors.As(err, &se) {
			http.Error(w, se.Body, se.StatusCode)
			return
		}
		m.logger.Error("Failed to get chart",
			slog.String("name", name),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(chart); err != nil {
		m.logger.Error("Failed to encode chart", slog.String(errLoggerKey, err.Error()))
	}
}

// publish pushes a message update to the session and message topics: the rendered message, its
// chart when it changed, and a close event once the message stopped streaming.
func (m Main) publish(sessionID string, u chat.Update, charts map[string]string) {
	topics := []string{sessionTopic(sessionID), messageIDTopic(u.Message.ID)}
	view := m.message(u.Message)

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "message", view); err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", u.Message.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg, topics...); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", u.Message.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if view.ChartJSON != "" && charts[u.Message.ID] != view.ChartJSON {
		charts[u.Message.ID] = view.ChartJSON
		msg := sse.Message{Type: chartSSEType}
		msg.AppendData(view.ChartJSON)
		if err := m.sseSrv.Publish(&msg, topics...); err != nil {
			m.logger.Error("Failed to publish chart",
				slog.String("messageID", u.Message.ID),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	if u.Done {
		delete(charts, u.Message.ID)
		msg := sse.Message{Type: closeMessageSSEType}
		msg.AppendData(u.Message.ID)
		_ = m.sseSrv.Publish(&msg, topics...)
	}
}

// message prepares a message for the templates. Assistant replies are rendered from markdown, other
// messages are shown as plain text.
func (m Main) message(msg models.Message) message {
	view := message{
		ID:             msg.ID,
		Kind:           string(msg.Kind),
		Timestamp:      msg.Timestamp,
		StreamingState: streamingStateEnded,
	}
	if msg.Streaming {
		view.StreamingState = streamingStateStreaming
		if msg.Content == "" && msg.Chart == nil {
			view.StreamingState = streamingStateLoading
		}
	}

	switch msg.Kind {
	case models.KindAssistant:
		var buf bytes.Buffer
		if err := m.markdown.Convert([]byte(msg.Content), &buf); err != nil {
			m.logger.Warn("Failed to render markdown",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			view.Text = msg.Content
			break
		}
		// goldmark escapes raw HTML unless told otherwise.
		view.HTML = template.HTML(buf.String())
	default:
		view.Text = msg.Content
	}

	if msg.Chart != nil {
		b, err := json.Marshal(chartPayload{ID: msg.ID, Data: msg.Chart.Data, Layout: msg.Chart.Layout})
		if err != nil {
			m.logger.Error("Failed to marshal chart",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
		} else {
			view.ChartJSON = string(b)
		}
	}

	return view
}
