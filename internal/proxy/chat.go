package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/scout-web-ui/internal/models"
	"github.com/MegaGrindStone/scout-web-ui/internal/stream"
	"github.com/google/uuid"
)

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

const (
	titleTimeout   = 30 * time.Second
	fallbackTitleN = 60
)

// HandleChat answers one chat turn. It accepts a JSON body with a "message" field and an optional
// "thread_id" field; a new thread id is assigned when the latter is absent. The reply is streamed as
// protocol events: the thread id first, then the content, tool call and visualization events, and
// finally either a complete or an error event.
//
// Request problems are reported with plain HTTP errors before the stream starts. Once streaming,
// failures are reported in-band with an error event.
func (s Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error("Failed to decode chat request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		s.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	if s.llm == nil {
		http.Error(w, "Scout agent not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	thread, found, err := s.store.Thread(ctx, threadID)
	if err != nil {
		s.logger.Error("Failed to get thread",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	messages, err := s.store.Messages(ctx, threadID)
	if err != nil {
		s.logger.Error("Failed to get messages",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	um := models.Message{
		ID:        uuid.New().String(),
		Kind:      models.KindUser,
		Content:   msg,
		Timestamp: time.Now(),
	}
	am := models.Message{
		ID:        uuid.New().String(),
		Kind:      models.KindAssistant,
		Timestamp: time.Now(),
	}

	sw := stream.NewWriter(w)
	am = s.stream(ctx, sw, threadID, append(messages, um), am)

	// The transcript is saved even when the client went away mid-reply.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if !found {
		thread = models.Thread{
			ID:    threadID,
			Title: fallbackTitle(msg),
		}
	}
	thread.UpdatedAt = time.Now()
	if err := s.store.SaveThread(saveCtx, thread); err != nil {
		s.logger.Error("Failed to save thread",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := s.store.AddMessages(saveCtx, threadID, um, am); err != nil {
		s.logger.Error("Failed to save messages",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if !found && s.titleGenerator != nil {
		s.titles.Add(1)
		go s.generateThreadTitle(thread, msg)
	}
}

// stream writes the reply of the model into sw and returns the assistant message as it should be
// stored.
func (s Server) stream(
	ctx context.Context,
	sw *stream.Writer,
	threadID string,
	messages []models.Message,
	am models.Message,
) models.Message {
	if err := sw.Write(stream.ThreadID{ID: threadID}); err != nil {
		s.logger.Warn("Client went away", slog.String(errLoggerKey, err.Error()))
		return am
	}

	var reply strings.Builder
	emit := func(events []stream.Event) bool {
		for _, ev := range events {
			switch e := ev.(type) {
			case stream.Content:
				reply.WriteString(e.Text)
			case stream.Visualization:
				chart := e.Chart
				am.Chart = &chart
			case stream.ToolCall:
				s.logger.Info("Tool call", slog.String("threadID", threadID), slog.String("toolName", e.ToolName))
			}
			if err := sw.Write(ev); err != nil {
				s.logger.Warn("Client went away", slog.String(errLoggerKey, err.Error()))
				return false
			}
		}
		return true
	}
	fail := func(err error) models.Message {
		s.logger.Error("Error from llm provider",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		desc := fmt.Sprintf("Error processing request: %s", err)
		_ = sw.Write(stream.Error{Message: desc})
		am.Kind = models.KindError
		am.Content = desc
		return am
	}

	x := newExtractor(s.charts)
	for chunk, err := range s.llm.Chat(ctx, messages) {
		if err != nil {
			return fail(err)
		}
		if !emit(x.Feed(chunk)) {
			am.Content = reply.String()
			return am
		}
	}
	if err := ctx.Err(); err != nil {
		am.Content = reply.String()
		return am
	}
	if !emit(x.Flush()) {
		am.Content = reply.String()
		return am
	}

	_ = sw.Write(stream.Complete{})
	am.Content = reply.String()
	return am
}

func (s Server) generateThreadTitle(thread models.Thread, message string) {
	defer s.titles.Done()

	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title, err := s.titleGenerator.GenerateTitle(ctx, message)
	if err != nil {
		s.logger.Error("Error generating thread title",
			slog.String("threadID", thread.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	title = strings.Trim(strings.TrimSpace(title), `"`)
	if title == "" {
		return
	}

	current, found, err := s.store.Thread(ctx, thread.ID)
	if err != nil || !found {
		return
	}
	current.Title = title
	if err := s.store.SaveThread(ctx, current); err != nil {
		s.logger.Error("Failed to update thread title",
			slog.String("threadID", thread.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func fallbackTitle(message string) string {
	if utf8.RuneCountInString(message) <= fallbackTitleN {
		return message
	}
	return string([]rune(message)[:fallbackTitleN]) + "…"
}
