package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/scout-web-ui/internal/chat"
	"github.com/MegaGrindStone/scout-web-ui/internal/models"
)

type homePageData struct {
	ThreadID  string
	Busy      bool
	LastError string
	Messages  []message
}

// HandleHome renders the chat page with the conversation of the browser session, or an empty page
// when the session has none yet. With a "thread_id" query parameter, the session switches to that
// stored conversation, read back from the agent.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	sessionID := m.sessionID(w, r)

	var state models.ConversationState
	if threadID := r.URL.Query().Get("thread_id"); threadID != "" {
		transcript, err := m.agent.Conversation(r.Context(), threadID)
		if err != nil {
			m.logger.Error("Failed to get conversation",
				slog.String("threadID", threadID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		conv := m.replaceConversation(sessionID,
			chat.WithThreadID(threadID),
			chat.WithHistory(transcript.Messages))
		state = conv.Snapshot()
	} else if conv, ok := m.sessions.lookup(sessionID); ok {
		state = conv.Snapshot()
	}

	msgs := make([]message, len(state.Messages))
	for i, msg := range state.Messages {
		msgs[i] = m.message(msg)
	}

	data := homePageData{
		ThreadID:  state.ThreadID,
		Busy:      state.Busy,
		LastError: state.LastError,
		Messages:  msgs,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
