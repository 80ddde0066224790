// SPDX-License-Identifier: AGPL-3.0-or-later
package broker

import (
	"bufio"
	"io"
	"strings"
)

// Stream event names.
const (
	StreamMatchtag = "matchtag"
	StreamResponse = "response"
	StreamError    = "error"
)

// sseEvent is one server-sent event frame.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// sseReader decodes a text/event-stream body.
type sseReader struct {
	sc *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	return &sseReader{sc: sc}
}

// Next returns the next complete event, skipping comments and keep-alives.
func (s *sseReader) Next() (sseEvent, error) {
	var ev sseEvent
	var data []string
	seen := false
	for s.sc.Scan() {
		line := s.sc.Text()
		if line == "" {
			if seen {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
			seen = true
		case "event":
			ev.Event = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}
	if err := s.sc.Err(); err != nil {
		return sseEvent{}, err
	}
	if seen {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return sseEvent{}, io.EOF
}
