package providers

import (
	"bufio"
	"bytes"
	"io"
)

const maxSSELine = 1 << 20

// sseEvent is one dispatched server-sent event
type sseEvent struct {
	Event string
	Data  []byte
}

// sseReader splits a text/event-stream body into events
type sseReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
}

func newSSEReader(r io.ReadCloser) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSELine)
	return &sseReader{scanner: scanner, closer: r}
}

// Next returns the next event with a data field. io.EOF ends the stream.
func (s *sseReader) Next() (sseEvent, error) {
	var ev sseEvent
	var data [][]byte

	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		if len(line) == 0 {
			if len(data) > 0 {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			ev = sseEvent{}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			ev.Event = string(value)
		case "data":
			data = append(data, append([]byte(nil), value...))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	// a final event without the trailing blank line
	if len(data) > 0 {
		ev.Data = bytes.Join(data, []byte("\n"))
		return ev, nil
	}
	return sseEvent{}, io.EOF
}

func (s *sseReader) Close() error {
	return s.closer.Close()
}
