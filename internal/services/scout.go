package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/scout-web-ui/internal/models"
	"github.com/MegaGrindStone/scout-web-ui/internal/stream"
)

// Scout is a client of the agent API. It implements the chat.Agent interface by opening the chat
// endpoint and decoding its event stream, and offers the read-only endpoints the UI needs.
type Scout struct {
	baseURL string

	client *http.Client

	logger *slog.Logger
}

// StatusError is returned when the agent API answers with a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

// Health is the readiness report of the agent API.
type Health struct {
	Status     string `json:"status"`
	AgentReady bool   `json:"agent_ready"`
}

// Conversation is a stored transcript returned by the agent API.
type Conversation struct {
	ThreadID string           `json:"thread_id"`
	Messages []models.Message `json:"messages"`
}

type scoutChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

// ErrNoBody is returned when the chat endpoint answers without a response body to stream from.
var ErrNoBody = errors.New("response body is absent")

// NewScout creates a new Scout client for the agent API at baseURL. A nil client means
// http.DefaultClient. The client must not carry a timeout shorter than the longest expected reply,
// since the chat response is streamed over a single request.
func NewScout(baseURL string, client *http.Client, logger *slog.Logger) Scout {
	if client == nil {
		client = http.DefaultClient
	}
	return Scout{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("module", "scout")),
	}
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP error! status: %d: %s", e.StatusCode, e.Body)
}

// Chat sends message to the chat endpoint, together with threadID unless it is empty, and yields the
// events of the streamed reply in arrival order. Transport failures are yielded as errors, after
// which the sequence stops. Records that fail to decode are skipped. When ctx is cancelled the
// sequence ends without yielding an error.
func (s Scout) Chat(ctx context.Context, message, threadID string) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		jsonBody, err := json.Marshal(scoutChatRequest{
			Message:  message,
			ThreadID: threadID,
		})
		if err != nil {
			yield(nil, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(nil, fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			yield(nil, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			yield(nil, statusError(resp))
			return
		}
		if resp.Body == http.NoBody || resp.StatusCode == http.StatusNoContent {
			yield(nil, ErrNoBody)
			return
		}

		onMalformed := func(record string, err error) {
			s.logger.Debug("Skipping malformed record",
				slog.String("record", record),
				slog.String(errLoggerKey, err.Error()))
		}
		for ev, err := range stream.Read(resp.Body, onMalformed) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(nil, fmt.Errorf("error reading response: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Chart fetches the chart stored under name.
func (s Scout) Chart(ctx context.Context, name string) (models.Chart, error) {
	body, err := s.get(ctx, "/charts/"+url.PathEscape(name))
	if err != nil {
		return models.Chart{}, err
	}
	return models.ParseChart(body)
}

// Health reports whether the agent API is up and its agent initialized.
func (s Scout) Health(ctx context.Context) (Health, error) {
	body, err := s.get(ctx, "/health")
	if err != nil {
		return Health{}, err
	}
	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return Health{}, fmt.Errorf("error unmarshaling health: %w", err)
	}
	return h, nil
}

// Conversation fetches the stored transcript of threadID.
func (s Scout) Conversation(ctx context.Context, threadID string) (Conversation, error) {
	body, err := s.get(ctx, "/conversations/"+url.PathEscape(threadID))
	if err != nil {
		return Conversation{}, err
	}
	var c Conversation
	if err := json.Unmarshal(body, &c); err != nil {
		return Conversation{}, fmt.Errorf("error unmarshaling conversation: %w", err)
	}
	return c, nil
}

func (s Scout) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	return body, nil
}

func statusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
