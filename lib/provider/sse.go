// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// SSEEvent is one Server-Sent Event.
type SSEEvent struct {
	// Type is the value of the "event:" field, empty when the stream
	// uses only the default event type.
	Type string

	// Data is the payload, multiple "data:" lines joined with
	// newlines per the SSE specification. The slice is freshly
	// allocated for each event, so callers may retain it.
	Data []byte
}

// SSEScanner reads Server-Sent Events from an [io.Reader].
//
// Events are delimited by blank lines. "data:" lines carry the
// payload and "event:" lines the type; comment lines (leading ":")
// and unrecognized fields are skipped. A final event cut off by EOF
// before its blank-line terminator is still delivered, so a provider
// that closes the connection right after its last payload loses
// nothing.
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
}

// NewSSEScanner wraps reader for event-by-event scanning.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReaderSize(reader, 64*1024)}
}

// Next advances to the next event, returning false at end of stream
// or on a read error. Call [SSEScanner.Err] afterwards to tell the
// two apart.
func (s *SSEScanner) Next() bool {
	if s.err != nil {
		return false
	}

	var dataLines [][]byte
	var eventType string

	flush := func() bool {
		if dataLines == nil {
			return false
		}
		s.current = SSEEvent{Type: eventType, Data: bytes.Join(dataLines, []byte("\n"))}
		return true
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.err = err
			// A partial trailing line still counts: fold it in, then
			// emit whatever accumulated.
			if field, value, ok := cutSSEField(strings.TrimRight(line, "\r\n")); ok && field == "data" {
				dataLines = append(dataLines, []byte(value))
			}
			return flush() && err == io.EOF
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if flush() {
				return true
			}
			// Stray blank line before any data: reset and keep going.
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := cutSSEField(line)
		switch field {
		case "data":
			dataLines = append(dataLines, []byte(value))
		case "event":
			eventType = value
		}
	}
}

// cutSSEField splits "field: value", trimming the single optional
// space after the colon. A line without a colon is a bare field name.
// ok is false for empty lines.
func cutSSEField(line string) (field, value string, ok bool) {
	if line == "" {
		return "", "", false
	}
	field, value, hasColon := strings.Cut(line, ":")
	if hasColon {
		value = strings.TrimPrefix(value, " ")
	}
	return field, value, true
}

// Event returns the event produced by the last successful call to
// [SSEScanner.Next].
func (s *SSEScanner) Event() SSEEvent {
	return s.current
}

// Err returns the read error that ended scanning, or nil after a
// clean EOF.
func (s *SSEScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
