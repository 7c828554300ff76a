package stream

import (
	"io"
	"iter"
	"strings"

	"github.com/tmaxmax/go-sse"
)

// maxRecordSize bounds a single SSE event. Charts are relayed inline, so the go-sse default of 64KB
// is too small.
const maxRecordSize = 16 << 20

// Read decodes the SSE stream in r into events. Every data line is decoded as one record, so records
// that were not separated by a blank line are still told apart.
//
// A record that fails to decode is handed to onMalformed, which may be nil, and skipped; the
// following records are still decoded. The returned sequence only yields an error when reading r
// fails, and it stops right after.
//
// The last record is dispatched even when the body ends without a blank line. A record cut off
// mid-line is then handed to onMalformed like any other.
func Read(r io.Reader, onMalformed func(record string, err error)) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		body := io.MultiReader(r, strings.NewReader("\n\n"))
		for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxRecordSize}) {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, line := range strings.Split(ev.Data, "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				e, err := Parse([]byte(line))
				if err != nil {
					if onMalformed != nil {
						onMalformed(line, err)
					}
					continue
				}
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}
