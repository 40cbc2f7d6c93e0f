package transport

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event decoded off a text/event-stream body.
type sseEvent struct {
	name string
	data string
}

// scanSSE reads server-sent events from r and invokes fn for each one
// until the stream ends. Comment lines and unknown fields are ignored per
// the SSE format; multi-line data fields are joined with newlines.
func scanSSE(r io.Reader, fn func(sseEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), stdioScanBufferSize)

	var name string
	var data []string

	flush := func() {
		if len(data) == 0 {
			// An event with no data field is not dispatched.
			name = ""
			return
		}
		evt := sseEvent{name: name, data: strings.Join(data, "\n")}
		if evt.name == "" {
			evt.name = "message"
		}
		fn(evt)
		name = ""
		data = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	return scanner.Err()
}
