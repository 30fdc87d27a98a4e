package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// maxSSEEvent bounds one line and the data of one event.
const maxSSEEvent = 1 << 20

var errSSETooLong = errors.New("sse event too long")

// sseEvent is one dispatched Server-Sent Event.
type sseEvent struct {
	Type string
	Data string
}

// sseScanner reads events from a text/event-stream body. Data lines are
// joined with newlines; a blank line ends an event. Comment lines (":")
// are reported through onComment so callers can count keepalives.
type sseScanner struct {
	reader    *bufio.Reader
	current   sseEvent
	err       error
	limit     int
	onComment func(string)
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024), limit: maxSSEEvent}
}

// Next advances to the next event with at least one data line. It returns
// false at EOF or on a read error; Err distinguishes the two.
func (s *sseScanner) Next() bool {
	s.current = sseEvent{}
	if s.err != nil {
		return false
	}

	var dataLines []string
	var eventType string
	hasData := false
	size := 0

	for {
		line, err := s.readLine()
		if errors.Is(err, errSSETooLong) {
			s.err = err
			return false
		}
		if err != nil && line == "" {
			if err == io.EOF && hasData {
				s.current = sseEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				s.current = sseEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}
				return true
			}
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			if s.onComment != nil {
				s.onComment(strings.TrimSpace(line[1:]))
			}
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			field, value = line, ""
		} else {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			size += len(value) + 1
			if size > s.limit {
				s.err = errSSETooLong
				return false
			}
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		}
	}
}

// readLine is ReadString('\n') that gives up once the line passes the
// scanner's limit.
func (s *sseScanner) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(buf)+len(chunk) > s.limit {
			return "", errSSETooLong
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(buf), err
	}
}

func (s *sseScanner) Event() sseEvent {
	return s.current
}

// Err returns the read error that stopped the scanner, or io.EOF when the
// server closed the stream.
func (s *sseScanner) Err() error {
	return s.err
}
