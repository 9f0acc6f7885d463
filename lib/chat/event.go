// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType classifies protocol events. The set is closed: the parser
// rejects types outside it, except for the open data-* family of
// provider-defined payloads.
type EventType string

const (
	// EventStart opens a response message. MessageID, when present,
	// names the message the provider is generating.
	EventStart EventType = "start"

	// EventStartStep and EventFinishStep bracket one generation step.
	// Part ids may be reused across steps.
	EventStartStep  EventType = "start-step"
	EventFinishStep EventType = "finish-step"

	// Text streaming: start opens a part keyed by ID, delta appends,
	// end finalizes.
	EventTextStart EventType = "text-start"
	EventTextDelta EventType = "text-delta"
	EventTextEnd   EventType = "text-end"

	// Reasoning streaming, same pattern as text.
	EventReasoningStart EventType = "reasoning-start"
	EventReasoningDelta EventType = "reasoning-delta"
	EventReasoningEnd   EventType = "reasoning-end"

	// Tool call lifecycle. Input streams as partial JSON text, then
	// finalizes; output events may target a call in an earlier
	// message.
	EventToolInputStart      EventType = "tool-input-start"
	EventToolInputDelta      EventType = "tool-input-delta"
	EventToolInputAvailable  EventType = "tool-input-available"
	EventToolApprovalRequest EventType = "tool-approval-request"
	EventToolOutputAvailable EventType = "tool-output-available"
	EventToolOutputError     EventType = "tool-output-error"

	// Attachments and citations.
	EventFile           EventType = "file"
	EventSourceURL      EventType = "source-url"
	EventSourceDocument EventType = "source-document"

	// EventFinish closes the response. EventError reports a provider
	// failure mid-stream.
	EventFinish EventType = "finish"
	EventError  EventType = "error"
)

// dataEventPrefix marks provider-defined custom events. The suffix
// after the prefix names the data kind.
const dataEventPrefix = "data-"

// Event is one protocol event from the provider stream, decoded from
// its JSON wire form. All fields except Type are optional; which ones
// are meaningful depends on the type.
type Event struct {
	Type EventType `json:"type"`

	// ID keys streamed parts (text, reasoning, data) so deltas find
	// their target.
	ID string `json:"id,omitempty"`

	// MessageID is set on start events.
	MessageID string `json:"messageId,omitempty"`

	// Delta is the text increment for text-delta and reasoning-delta.
	Delta string `json:"delta,omitempty"`

	// Tool call fields.
	ToolCallID     string          `json:"toolCallId,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	Dynamic        bool            `json:"dynamic,omitempty"`
	InputTextDelta string          `json:"inputTextDelta,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	ApprovalID     string          `json:"approvalId,omitempty"`

	// ErrorText carries the failure description for tool-output-error
	// and error events.
	ErrorText string `json:"errorText,omitempty"`

	// File and source fields.
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
	SourceID  string `json:"sourceId,omitempty"`
	Title     string `json:"title,omitempty"`
	Filename  string `json:"filename,omitempty"`

	// Data is the payload of data-* events.
	Data json.RawMessage `json:"data,omitempty"`
}

// IsData reports whether the event is a provider-defined data-* event.
func (e *Event) IsData() bool {
	return strings.HasPrefix(string(e.Type), dataEventPrefix)
}

// DataName returns the data kind of a data-* event: "data-weather"
// yields "weather". Empty for other event types.
func (e *Event) DataName() string {
	if !e.IsData() {
		return ""
	}
	return strings.TrimPrefix(string(e.Type), dataEventPrefix)
}

// knownEventType reports whether the type is in the closed set.
func knownEventType(t EventType) bool {
	switch t {
	case EventStart, EventStartStep, EventFinishStep,
		EventTextStart, EventTextDelta, EventTextEnd,
		EventReasoningStart, EventReasoningDelta, EventReasoningEnd,
		EventToolInputStart, EventToolInputDelta, EventToolInputAvailable,
		EventToolApprovalRequest, EventToolOutputAvailable, EventToolOutputError,
		EventFile, EventSourceURL, EventSourceDocument,
		EventFinish, EventError:
		return true
	}
	return strings.HasPrefix(string(t), dataEventPrefix)
}

// ParseEvent decodes one protocol event from its JSON wire form. An
// unknown event type is an error: the event set is closed, and a type
// outside it means the provider and this process disagree about the
// protocol.
func ParseEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("chat: parse event: %w", err)
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("chat: parse event: missing type")
	}
	if !knownEventType(event.Type) {
		return Event{}, fmt.Errorf("chat: parse event: unknown type %q", event.Type)
	}
	return event, nil
}
