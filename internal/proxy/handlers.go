package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/scout-web-ui/internal/models"
)

type healthResponse struct {
	Status     string `json:"status"`
	AgentReady bool   `json:"agent_ready"`
}

type conversationResponse struct {
	ThreadID string           `json:"thread_id"`
	Title    string           `json:"title,omitempty"`
	Messages []models.Message `json:"messages"`
}

// HandleHealth reports that the API is up and whether a model is configured.
func (s Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, healthResponse{
		Status:     "healthy",
		AgentReady: s.llm != nil,
	})
}

// HandleConversations lists the stored threads, most recently updated first.
func (s Server) HandleConversations(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.Threads(r.Context())
	if err != nil {
		s.logger.Error("Failed to get threads", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if threads == nil {
		threads = []models.Thread{}
	}
	s.writeJSON(w, threads)
}

// HandleConversation returns the transcript of a thread. An unknown thread has an empty transcript.
func (s Server) HandleConversation(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	thread, _, err := s.store.Thread(r.Context(), threadID)
	if err != nil {
		s.logger.Error("Failed to get thread",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	messages, err := s.store.Messages(r.Context(), threadID)
	if err != nil {
		s.logger.Error("Failed to get messages",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	s.writeJSON(w, conversationResponse{
		ThreadID: threadID,
		Title:    thread.Title,
		Messages: messages,
	})
}

// HandleChart serves a stored chart document by name.
func (s Server) HandleChart(w http.ResponseWriter, r *http.Request) {
	if s.charts == nil {
		http.Error(w, "Charts are not configured", http.StatusNotFound)
		return
	}

	name := r.PathValue("name")
	chart, err := s.charts.Load(name)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidChartName):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrChartNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	default:
		s.logger.Error("Failed to load chart",
			slog.String("name", name),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, chart)
}

func (s Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
