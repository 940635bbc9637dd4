// Package sse decodes server-sent event streams the way vendor streaming
// endpoints emit them: event/data lines separated by blank lines, with
// multi-line data payloads joined by newlines.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Event is one decoded server-sent event. Name is the value of the event
// field, empty when the server sent none.
type Event struct {
	Name string
	Data []byte
}

// Decoder reads events off a stream. It is not safe for concurrent use.
type Decoder struct {
	scanner *bufio.Scanner
}

const maxEventSize = 1 << 20

// NewDecoder wraps a response body.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next event. It returns io.EOF when the stream ends cleanly
// and the underlying read error otherwise. A final event unterminated by a
// blank line is still delivered before io.EOF.
func (d *Decoder) Next() (Event, error) {
	var (
		name    string
		data    [][]byte
		pending bool
	)
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		line = bytes.TrimSuffix(line, []byte("\r"))

		if len(line) == 0 {
			if pending {
				return Event{Name: name, Data: bytes.Join(data, []byte("\n"))}, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			name = value
			pending = true
		case "data":
			data = append(data, []byte(value))
			pending = true
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	if pending {
		return Event{Name: name, Data: bytes.Join(data, []byte("\n"))}, nil
	}
	return Event{}, io.EOF
}

func splitField(line []byte) (string, string) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return string(line), ""
	}
	field := string(line[:idx])
	value := string(line[idx+1:])
	value = strings.TrimPrefix(value, " ")
	return field, value
}
