// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"errors"
	"log/slog"
)

// ErrUnknownToolCall is returned by Builder.Apply when a tool output
// event names a call id with no part in the message under
// construction. The call belongs to an earlier message — an approval
// continuation finishing a tool from a previous turn — and the caller
// should hand the event to the Merger instead.
var ErrUnknownToolCall = errors.New("chat: tool call not in current message")

// Builder folds a stream of protocol events into one message's parts.
// It is not safe for concurrent use; the engine applies events in
// stream order under its own lock.
//
// Malformed sequences (a delta without a start, a backward tool state
// transition) are logged and skipped rather than failing the stream:
// one bad event should cost its own content, not the response.
type Builder struct {
	message *Message
	logger  *slog.Logger

	// Open streamed parts by event id. Ids may be reused across step
	// boundaries, so finish-step resets both maps.
	openText      map[string]int
	openReasoning map[string]int
}

// NewBuilder creates a builder that mutates the given message in
// place. The message must be non-nil.
func NewBuilder(message *Message, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{
		message:       message,
		logger:        logger,
		openText:      make(map[string]int),
		openReasoning: make(map[string]int),
	}
}

// Message returns the message under construction.
func (b *Builder) Message() *Message {
	return b.message
}

// Apply folds one event into the message. The only error it returns
// is ErrUnknownToolCall; everything else it can recover from locally.
func (b *Builder) Apply(event Event) error {
	switch event.Type {
	case EventStart:
		// The message keeps the id it was created with. Provider
		// message ids vary across continuations of the same message,
		// so they are never adopted as identity.

	case EventStartStep:
		b.appendPart(Part{Type: PartStepStart, StepStart: &StepStartPart{}})

	case EventFinishStep:
		clear(b.openText)
		clear(b.openReasoning)

	case EventTextStart:
		index := b.appendPart(Part{
			Type: PartText,
			Text: &TextPart{State: TextStreaming},
		})
		b.openText[event.ID] = index

	case EventTextDelta:
		index, ok := b.openText[event.ID]
		if !ok {
			b.logger.Warn("text delta without open part", "part_id", event.ID)
			return nil
		}
		b.message.Parts[index].Text.Text += event.Delta

	case EventTextEnd:
		index, ok := b.openText[event.ID]
		if !ok {
			b.logger.Warn("text end without open part", "part_id", event.ID)
			return nil
		}
		b.message.Parts[index].Text.State = TextDone
		delete(b.openText, event.ID)

	case EventReasoningStart:
		index := b.appendPart(Part{
			Type:      PartReasoning,
			Reasoning: &ReasoningPart{State: TextStreaming},
		})
		b.openReasoning[event.ID] = index

	case EventReasoningDelta:
		index, ok := b.openReasoning[event.ID]
		if !ok {
			b.logger.Warn("reasoning delta without open part", "part_id", event.ID)
			return nil
		}
		b.message.Parts[index].Reasoning.Text += event.Delta

	case EventReasoningEnd:
		index, ok := b.openReasoning[event.ID]
		if !ok {
			b.logger.Warn("reasoning end without open part", "part_id", event.ID)
			return nil
		}
		b.message.Parts[index].Reasoning.State = TextDone
		delete(b.openReasoning, event.ID)

	case EventToolInputStart:
		if existing := b.message.FindToolPart(event.ToolCallID); existing != nil {
			b.logger.Warn("tool input start for existing call",
				"tool_call_id", event.ToolCallID, "state", string(existing.State))
			return nil
		}
		partType := PartTool
		if event.Dynamic {
			partType = PartDynamicTool
		}
		b.appendPart(Part{
			Type: partType,
			Tool: &ToolPart{
				ToolCallID: event.ToolCallID,
				ToolName:   event.ToolName,
				State:      ToolInputStreaming,
			},
		})

	case EventToolInputDelta:
		tool := b.message.FindToolPart(event.ToolCallID)
		if tool == nil {
			b.logger.Warn("tool input delta without call", "tool_call_id", event.ToolCallID)
			return nil
		}
		if tool.State != ToolInputStreaming {
			b.logger.Warn("tool input delta in wrong state",
				"tool_call_id", event.ToolCallID, "state", string(tool.State))
			return nil
		}
		tool.RawInput += event.InputTextDelta
		// Optimistic parse: show as much of the input as the partial
		// JSON already pins down. Unparseable prefixes just wait for
		// the next delta.
		if input, ok := completePartialJSON(tool.RawInput); ok {
			tool.Input = input
		}

	case EventToolInputAvailable:
		tool := b.message.FindToolPart(event.ToolCallID)
		if tool == nil {
			// Providers may emit the finalized input without a
			// start/delta prelude.
			partType := PartTool
			if event.Dynamic {
				partType = PartDynamicTool
			}
			index := b.appendPart(Part{
				Type: partType,
				Tool: &ToolPart{
					ToolCallID: event.ToolCallID,
					ToolName:   event.ToolName,
					State:      ToolInputStreaming,
				},
			})
			tool = b.message.Parts[index].Tool
		}
		if !tool.State.CanTransitionTo(ToolInputAvailable) {
			b.logger.Warn("skipping tool input in wrong state",
				"tool_call_id", event.ToolCallID, "state", string(tool.State))
			return nil
		}
		if tool.ToolName == "" {
			tool.ToolName = event.ToolName
		}
		tool.Input = event.Input
		tool.State = ToolInputAvailable

	case EventToolApprovalRequest:
		tool := b.message.FindToolPart(event.ToolCallID)
		if tool == nil {
			b.logger.Warn("approval request without call", "tool_call_id", event.ToolCallID)
			return nil
		}
		if !tool.State.CanTransitionTo(ToolApprovalRequested) {
			b.logger.Warn("skipping approval request in wrong state",
				"tool_call_id", event.ToolCallID, "state", string(tool.State))
			return nil
		}
		tool.Approval = &Approval{ID: event.ApprovalID}
		tool.State = ToolApprovalRequested

	case EventToolOutputAvailable:
		tool := b.message.FindToolPart(event.ToolCallID)
		if tool == nil {
			return ErrUnknownToolCall
		}
		if !tool.State.CanTransitionTo(ToolOutputAvailable) {
			b.logger.Warn("skipping tool output in wrong state",
				"tool_call_id", event.ToolCallID, "state", string(tool.State))
			return nil
		}
		tool.Output = event.Output
		tool.ErrorText = ""
		tool.State = ToolOutputAvailable

	case EventToolOutputError:
		tool := b.message.FindToolPart(event.ToolCallID)
		if tool == nil {
			return ErrUnknownToolCall
		}
		if !tool.State.CanTransitionTo(ToolOutputError) {
			b.logger.Warn("skipping tool error in wrong state",
				"tool_call_id", event.ToolCallID, "state", string(tool.State))
			return nil
		}
		tool.ErrorText = event.ErrorText
		tool.State = ToolOutputError

	case EventFile:
		b.appendPart(Part{
			Type: PartFile,
			File: &FilePart{MediaType: event.MediaType, URL: event.URL},
		})

	case EventSourceURL:
		b.appendPart(Part{
			Type: PartSourceURL,
			SourceURL: &SourceURLPart{
				SourceID: event.SourceID,
				URL:      event.URL,
				Title:    event.Title,
			},
		})

	case EventSourceDocument:
		b.appendPart(Part{
			Type: PartSourceDocument,
			SourceDocument: &SourceDocumentPart{
				SourceID:  event.SourceID,
				MediaType: event.MediaType,
				Title:     event.Title,
				Filename:  event.Filename,
			},
		})

	case EventFinish, EventError:
		// Streams can end with parts still open — an abort mid-text,
		// a provider that never sends text-end. Close them so the
		// persisted message is not stuck streaming.
		b.closeOpenParts()

	default:
		if event.IsData() {
			b.applyData(event)
			return nil
		}
		b.logger.Warn("skipping unknown event", "type", string(event.Type))
	}
	return nil
}

// applyData appends a data part, or replaces the payload of an
// existing one when the event carries an id: providers reuse a
// (name, id) pair to progressively update one logical datum.
func (b *Builder) applyData(event Event) {
	name := event.DataName()
	if event.ID != "" {
		for i := range b.message.Parts {
			data := b.message.Parts[i].Data
			if data != nil && data.Name == name && data.ID == event.ID {
				data.Payload = event.Data
				return
			}
		}
	}
	b.appendPart(Part{
		Type: PartData,
		Data: &DataPart{Name: name, ID: event.ID, Payload: event.Data},
	})
}

func (b *Builder) closeOpenParts() {
	for _, index := range b.openText {
		b.message.Parts[index].Text.State = TextDone
	}
	for _, index := range b.openReasoning {
		b.message.Parts[index].Reasoning.State = TextDone
	}
	clear(b.openText)
	clear(b.openReasoning)
}

func (b *Builder) appendPart(part Part) int {
	b.message.Parts = append(b.message.Parts, part)
	return len(b.message.Parts) - 1
}
