package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/MegaGrindStone/scout-web-ui/internal/models"
	"github.com/MegaGrindStone/scout-web-ui/internal/stream"
)

const (
	toolCallPrefix = "< TOOL CALL:"

	// maxHeldJSON bounds how much text is held back while waiting for a JSON object to close.
	maxHeldJSON = 1 << 20
	// refWindow is how much already emitted text is rescanned for chart references split across chunks.
	refWindow = 256
)

var chartRefPattern = regexp.MustCompile(`output/([^\s"'()<>/\\]+)\.json`)

// extractor turns the raw text chunks of a provider into stream events. Tool call markers become
// ToolCall events, inline chart objects are lifted out of the text into Visualization events, and
// references to stored charts are resolved into Visualization events as well.
type extractor struct {
	charts ChartLoader

	held string
	tail string
	seen map[string]bool
}

func newExtractor(charts ChartLoader) *extractor {
	return &extractor{
		charts: charts,
		seen:   make(map[string]bool),
	}
}

// Feed processes one chunk and returns the events it completes. Text that may still turn out to be
// part of a chart object is held back until a later chunk or Flush decides.
func (x *extractor) Feed(chunk string) []stream.Event {
	var out []stream.Event
	for {
		start := strings.Index(chunk, toolCallPrefix)
		if start < 0 {
			break
		}
		end := strings.Index(chunk[start+len(toolCallPrefix):], ">")
		if end < 0 {
			break
		}
		end += start + len(toolCallPrefix)

		name := strings.TrimSpace(chunk[start+len(toolCallPrefix) : end])
		if before := chunk[:start]; strings.TrimSpace(before) != "" {
			out = append(out, x.text(before)...)
		}
		if name != "" {
			out = append(out, x.flushHeld()...)
			out = append(out, stream.ToolCall{ToolName: name})
		}
		chunk = chunk[end+1:]
		if strings.TrimSpace(chunk) == "" {
			return out
		}
	}
	return append(out, x.text(chunk)...)
}

// Flush releases any held back text. It is called once the provider finished.
func (x *extractor) Flush() []stream.Event {
	return x.flushHeld()
}

func (x *extractor) flushHeld() []stream.Event {
	if x.held == "" {
		return nil
	}
	held := x.held
	x.held = ""
	return x.content(nil, held)
}

func (x *extractor) text(s string) []stream.Event {
	var out []stream.Event
	x.held += s
	for x.held != "" {
		i := strings.IndexByte(x.held, '{')
		if i < 0 {
			out = x.content(out, x.held)
			x.held = ""
			break
		}
		if i > 0 {
			out = x.content(out, x.held[:i])
			x.held = x.held[i:]
		}

		dec := json.NewDecoder(strings.NewReader(x.held))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) && len(x.held) < maxHeldJSON {
				break
			}
			out = x.content(out, "{")
			x.held = x.held[1:]
			continue
		}

		end := int(dec.InputOffset())
		if chart, err := models.ParseChart(raw); err == nil {
			out = append(out, stream.Visualization{Chart: chart})
		} else {
			out = x.content(out, x.held[:end])
		}
		x.held = x.held[end:]
	}
	return out
}

// content emits s as a Content event, followed by the charts it references.
func (x *extractor) content(out []stream.Event, s string) []stream.Event {
	if s == "" {
		return out
	}
	out = append(out, stream.Content{Text: s})
	if x.charts == nil {
		return out
	}

	scan := x.tail + s
	for _, m := range chartRefPattern.FindAllStringSubmatch(scan, -1) {
		name := m[1]
		if x.seen[name] {
			continue
		}
		chart, err := x.charts.Load(name)
		if err != nil {
			continue
		}
		x.seen[name] = true
		out = append(out, stream.Visualization{Chart: chart})
	}
	if len(scan) > refWindow {
		scan = scan[len(scan)-refWindow:]
	}
	x.tail = scan
	return out
}
