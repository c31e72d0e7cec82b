package ai

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent-event frame
type sseEvent struct {
	event string
	data  string
}

// readSSE parses a server-sent-event stream, delivering one event per
// blank-line-delimited frame. CRLF and LF delimiters are both accepted.
// Multiple data: lines within a frame are joined with newlines.
func readSSE(r io.Reader, onEvent func(sseEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var event string
	var dataLines []string
	flush := func() {
		if len(dataLines) > 0 {
			onEvent(sseEvent{event: event, data: strings.Join(dataLines, "\n")})
		}
		event = ""
		dataLines = nil
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(line[len("event:"):])
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	return scanner.Err()
}
