package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message represents an individual entry within a conversation. Content of an assistant message grows
// while Streaming is set, and is frozen once the stream that fills it reaches a terminal state.
type Message struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	Streaming bool `json:"streaming,omitempty"`

	// Chart would be filled if the agent produced a visualization while answering.
	Chart *Chart `json:"chart,omitempty"`
}

// Kind represents the kind of a message, which decides how the message is displayed.
type Kind string

const (
	// KindUser represents a message typed by the user. It is immutable once created.
	KindUser Kind = "user"
	// KindAssistant represents a reply of the agent.
	KindAssistant Kind = "assistant"
	// KindTool represents a tool invocation notice.
	KindTool Kind = "tool"
	// KindError represents a failed reply. The content holds a human-readable description of the failure.
	KindError Kind = "error"
)

// Chart is a plotting-library-shaped figure. Both fields are kept as raw JSON, since the figure is
// only relayed to the browser and never interpreted on this side.
type Chart struct {
	Data   json.RawMessage `json:"data"`
	Layout json.RawMessage `json:"layout"`
}

// ErrNotChart is returned by ParseChart when a JSON document lacks the data or layout field.
var ErrNotChart = errors.New("document is not a chart")

// ParseChart parses a JSON document into a Chart. The document must be an object holding both the
// data and the layout fields, otherwise ErrNotChart is returned.
func ParseChart(b []byte) (Chart, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return Chart{}, fmt.Errorf("failed to unmarshal chart: %w", err)
	}
	data, ok := fields["data"]
	if !ok || isNull(data) {
		return Chart{}, ErrNotChart
	}
	layout, ok := fields["layout"]
	if !ok || isNull(layout) {
		return Chart{}, ErrNotChart
	}
	return Chart{Data: data, Layout: layout}, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Clone returns a deep copy of the message, so the copy can be handed to readers while the original
// keeps being mutated.
func (m Message) Clone() Message {
	if m.Chart != nil {
		c := Chart{
			Data:   append(json.RawMessage(nil), m.Chart.Data...),
			Layout: append(json.RawMessage(nil), m.Chart.Layout...),
		}
		m.Chart = &c
	}
	return m
}
