package sseclient

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one server-sent event.
type Frame struct {
	Event string
	Data  string
}

// scanner splits an event stream into frames. Comment lines and unknown
// fields are skipped; multiple data lines are joined with newlines.
type scanner struct {
	reader  *bufio.Reader
	current Frame
	err     error
}

func newScanner(r io.Reader) *scanner {
	return &scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *scanner) Next() bool {
	s.current = Frame{}

	var (
		event   string
		data    []string
		hasData bool
	)

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && hasData {
				s.current = Frame{Event: event, Data: strings.Join(data, "\n")}
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				s.current = Frame{Event: event, Data: strings.Join(data, "\n")}
				return true
			}
			event = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
}

func (s *scanner) Frame() Frame {
	return s.current
}

// Err returns nil when the stream ended cleanly.
func (s *scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
