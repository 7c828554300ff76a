// Package stream implements the event protocol spoken between the agent API and its clients. Every
// event travels as one SSE data record holding a JSON object whose type field tells the variant.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/scout-web-ui/internal/models"
)

// Event is one decoded record of the stream. The concrete type is one of ThreadID, Content, ToolCall,
// Visualization, Complete or Error.
type Event interface {
	eventType() string
}

// ThreadID carries the conversation identifier assigned by the agent.
type ThreadID struct {
	ID string
}

// Content carries a fragment of the assistant reply. Fragments are meant to be concatenated in
// arrival order.
type Content struct {
	Text string
}

// ToolCall notifies that the agent is invoking a tool.
type ToolCall struct {
	ToolName string
}

// Visualization carries a chart produced while answering.
type Visualization struct {
	Chart models.Chart
}

// Complete marks the successful end of a reply.
type Complete struct{}

// Error marks the failed end of a reply.
type Error struct {
	Message string
}

const (
	typeThreadID      = "thread_id"
	typeContent       = "content"
	typeToolCall      = "tool_call"
	typeVisualization = "visualization"
	typeComplete      = "complete"
	typeError         = "error"
)

func (ThreadID) eventType() string      { return typeThreadID }
func (Content) eventType() string       { return typeContent }
func (ToolCall) eventType() string      { return typeToolCall }
func (Visualization) eventType() string { return typeVisualization }
func (Complete) eventType() string      { return typeComplete }
func (Error) eventType() string         { return typeError }

var (
	// ErrUnknownType is returned by Parse when the type discriminator names no known event.
	ErrUnknownType = errors.New("unknown event type")
	// ErrMissingField is returned by Parse when a field the event type requires is absent.
	ErrMissingField = errors.New("missing event field")
)

type record struct {
	Type              string          `json:"type"`
	ThreadID          string          `json:"thread_id,omitempty"`
	Content           string          `json:"content,omitempty"`
	ToolName          string          `json:"tool_name,omitempty"`
	VisualizationData json.RawMessage `json:"visualization_data,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// Parse decodes a single JSON record into its Event variant.
func Parse(b []byte) (Event, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	switch r.Type {
	case typeThreadID:
		if r.ThreadID == "" {
			return nil, fmt.Errorf("%w: thread_id", ErrMissingField)
		}
		return ThreadID{ID: r.ThreadID}, nil
	case typeContent:
		return Content{Text: r.Content}, nil
	case typeToolCall:
		return ToolCall{ToolName: r.ToolName}, nil
	case typeVisualization:
		if len(r.VisualizationData) == 0 {
			return nil, fmt.Errorf("%w: visualization_data", ErrMissingField)
		}
		c, err := models.ParseChart(r.VisualizationData)
		if err != nil {
			return nil, fmt.Errorf("invalid visualization_data: %w", err)
		}
		return Visualization{Chart: c}, nil
	case typeComplete:
		return Complete{}, nil
	case typeError:
		return Error{Message: r.Error}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
}

// Marshal encodes an event into its JSON record.
func Marshal(e Event) ([]byte, error) {
	r := record{Type: e.eventType()}
	switch ev := e.(type) {
	case ThreadID:
		r.ThreadID = ev.ID
	case Content:
		r.Content = ev.Text
	case ToolCall:
		r.ToolName = ev.ToolName
	case Visualization:
		v, err := json.Marshal(ev.Chart)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal chart: %w", err)
		}
		r.VisualizationData = v
	case Error:
		r.Error = ev.Message
	}
	return json.Marshal(r)
}
