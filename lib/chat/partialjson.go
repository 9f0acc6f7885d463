// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"strings"
)

// completePartialJSON turns a prefix of a JSON document into a valid
// document, so that tool input can be parsed optimistically while it
// is still streaming. Open strings and containers are closed; a
// trailing incomplete literal is completed; a trailing incomplete
// token that cannot be completed (a dangling key, a lone minus sign)
// is dropped along with anything after the last complete value.
//
// Returns false when no valid document can be produced, which callers
// treat as "no preview yet", not as an error.
func completePartialJSON(partial string) (json.RawMessage, bool) {
	s := strings.TrimSpace(partial)
	if s == "" {
		return nil, false
	}

	var (
		stack   []byte // open containers, '{' or '['
		keyNext []byte // per-depth, object only: 1 when the next string is a key

		inString  bool
		isKey     bool // current string is an object key
		escStart  = -1 // index of an escape sequence still in progress
		hexNeeded int  // remaining \uXXXX hex digits

		inNumber    bool
		numberStart int

		literalStart  = -1
		literalTarget string

		// Longest prefix that, with goodStack's closers appended,
		// forms a valid document.
		goodEnd   int
		goodStack string

		malformed bool
	)

	snapshot := func(end int) {
		goodEnd = end
		goodStack = string(stack)
	}

	topIsObject := func() bool {
		return len(stack) > 0 && stack[len(stack)-1] == '{'
	}

	// endNumber validates the number token ending at position end.
	endNumber := func(end int) bool {
		token := s[numberStart:end]
		inNumber = false
		if !json.Valid([]byte(token)) {
			return false
		}
		snapshot(end)
		return true
	}

scan:
	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case hexNeeded > 0:
				hexNeeded--
				if hexNeeded == 0 {
					escStart = -1
				}
			case escStart == i-1 && escStart >= 0:
				if c == 'u' {
					hexNeeded = 4
				} else {
					escStart = -1
				}
			case c == '\\':
				escStart = i
			case c == '"':
				inString = false
				if isKey {
					setKeyNext(keyNext, false)
				} else {
					snapshot(i + 1)
				}
			}
			continue
		}

		if literalStart >= 0 {
			offset := i - literalStart
			if offset < len(literalTarget) && c == literalTarget[offset] {
				if offset == len(literalTarget)-1 {
					snapshot(i + 1)
					literalStart = -1
				}
				continue
			}
			malformed = true
			break scan
		}

		if inNumber {
			if isNumberChar(c) {
				continue
			}
			if !endNumber(i) {
				malformed = true
				break scan
			}
			// Fall through: the delimiter that ended the number still
			// needs normal handling.
		}

		switch c {
		case ' ', '\t', '\n', '\r':
		case '{':
			stack = append(stack, '{')
			keyNext = append(keyNext, 1)
			snapshot(i + 1)
		case '[':
			stack = append(stack, '[')
			keyNext = append(keyNext, 0)
			snapshot(i + 1)
		case '}', ']':
			if len(stack) == 0 {
				malformed = true
				break scan
			}
			stack = stack[:len(stack)-1]
			keyNext = keyNext[:len(keyNext)-1]
			snapshot(i + 1)
		case '"':
			inString = true
			isKey = topIsObject() && keyNext[len(keyNext)-1] == 1
			escStart = -1
			hexNeeded = 0
		case ',':
			setKeyNext(keyNext, true)
		case ':':
		case 't':
			literalStart, literalTarget = i, "true"
		case 'f':
			literalStart, literalTarget = i, "false"
		case 'n':
			literalStart, literalTarget = i, "null"
		default:
			if isNumberChar(c) {
				inNumber = true
				numberStart = i
			} else {
				malformed = true
				break scan
			}
		}
	}

	// Optimistic completion of whatever token was open at the cut,
	// unless the input went structurally wrong before the end.
	if !malformed {
		if candidate, ok := completeTail(s, stack,
			inString, isKey, escStart,
			inNumber, numberStart,
			literalStart, literalTarget); ok {
			return candidate, true
		}
	}

	// Fall back to the last complete value.
	candidate := s[:goodEnd] + closers(goodStack)
	if goodEnd > 0 && json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), true
	}
	return nil, false
}

// completeTail builds a candidate document by finishing the token that
// was in progress when the input ended.
func completeTail(s string, stack []byte,
	inString, isKey bool, escStart int,
	inNumber bool, numberStart int,
	literalStart int, literalTarget string) (json.RawMessage, bool) {

	var candidate string

	switch {
	case inString && isKey:
		// A dangling key has no value to pair with; dropping it is
		// the only completion that does not invent content.
		return nil, false
	case inString:
		end := len(s)
		if escStart >= 0 {
			end = escStart
		}
		candidate = s[:end] + `"` + closers(string(stack))
	case inNumber:
		if !json.Valid([]byte(s[numberStart:])) {
			return nil, false
		}
		candidate = s + closers(string(stack))
	case literalStart >= 0:
		candidate = s[:literalStart] + literalTarget + closers(string(stack))
	default:
		candidate = s + closers(string(stack))
	}

	if !json.Valid([]byte(candidate)) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}

// closers returns the closing brackets for a stack of open containers,
// innermost first.
func closers(stack string) string {
	if stack == "" {
		return ""
	}
	out := make([]byte, len(stack))
	for i := 0; i < len(stack); i++ {
		switch stack[len(stack)-1-i] {
		case '{':
			out[i] = '}'
		default:
			out[i] = ']'
		}
	}
	return string(out)
}

// setKeyNext updates the key/value alternation flag for the innermost
// object, if the innermost container is an object.
func setKeyNext(keyNext []byte, key bool) {
	if len(keyNext) == 0 {
		return
	}
	if key {
		keyNext[len(keyNext)-1] = 1
	} else {
		keyNext[len(keyNext)-1] = 0
	}
}

func isNumberChar(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}
