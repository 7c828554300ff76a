package stream

import (
	"fmt"
	"io"
	"net/http"

	"github.com/tmaxmax/go-sse"
)

// Writer emits events as SSE records into an HTTP response, flushing after each one so the client
// sees every fragment as soon as it is produced.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for streaming: it sets the event-stream headers and returns a Writer bound
// to it. Headers must not have been written yet.
func NewWriter(w http.ResponseWriter) *Writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// Write encodes e and writes it as a single SSE message.
func (w *Writer) Write(e Event) error {
	b, err := Marshal(e)
	if err != nil {
		return err
	}

	msg := &sse.Message{}
	msg.AppendData(string(b))
	if _, err := msg.WriteTo(w.w); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
