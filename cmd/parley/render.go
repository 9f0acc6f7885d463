// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/parley-foundation/parley/lib/chat"
)

// maxInlineInput bounds how much tool input is echoed to the terminal.
const maxInlineInput = 400

// renderer folds the provider event stream into terminal output. Text
// deltas stream to out verbatim and nothing else does, so a redirected
// stdout captures exactly the reply. Everything about the machinery —
// tool calls, sources, errors — becomes bracketed status lines on
// status, which is the terminal's stderr.
//
// The renderer also records the tool interactions that need an answer
// from the user once the stream settles: approval requests and
// completed tool inputs, in arrival order.
type renderer struct {
	out    io.Writer
	status io.Writer

	toolNames map[string]string
	printed   bool // at least one text delta reached out
	lineOpen  bool // the last text delta did not end in a newline

	approvals []chat.Event
	toolCalls []chat.Event
}

// pendingWork is what a finished stream left for the user to answer.
type pendingWork struct {
	approvals []chat.Event
	toolCalls []chat.Event
}

func (w pendingWork) empty() bool {
	return len(w.approvals) == 0 && len(w.toolCalls) == 0
}

func newRenderer(out, status io.Writer) *renderer {
	return &renderer{out: out, status: status, toolNames: make(map[string]string)}
}

// handleEvent renders one provider event. Types with no terminal
// representation are dropped.
func (r *renderer) handleEvent(event chat.Event) {
	if event.IsData() {
		r.statusf("data %s", event.DataName())
		return
	}

	switch event.Type {
	case chat.EventTextDelta:
		fmt.Fprint(r.out, event.Delta)
		r.printed = true
		if n := len(event.Delta); n > 0 {
			r.lineOpen = event.Delta[n-1] != '\n'
		}

	case chat.EventReasoningStart:
		r.statusf("reasoning")

	case chat.EventToolInputStart:
		r.recordName(event.ToolCallID, event.ToolName)

	case chat.EventToolInputAvailable:
		r.recordName(event.ToolCallID, event.ToolName)
		r.toolCalls = append(r.toolCalls, event)
		input := truncate(string(event.Input), maxInlineInput)
		if input == "" {
			r.statusf("tool %s requested", r.toolName(event.ToolCallID))
		} else {
			r.statusf("tool %s requested: %s", r.toolName(event.ToolCallID), input)
		}

	case chat.EventToolApprovalRequest:
		r.approvals = append(r.approvals, event)
		r.statusf("tool %s awaits approval", r.toolName(event.ToolCallID))

	case chat.EventToolOutputAvailable:
		r.statusf("tool %s completed", r.toolName(event.ToolCallID))

	case chat.EventToolOutputError:
		r.statusf("tool %s failed: %s", r.toolName(event.ToolCallID), event.ErrorText)

	case chat.EventFile:
		name := event.Filename
		if name == "" {
			name = event.URL
		}
		r.statusf("file %s", name)

	case chat.EventSourceURL:
		if event.Title != "" {
			r.statusf("source %s (%s)", event.Title, event.URL)
		} else {
			r.statusf("source %s", event.URL)
		}

	case chat.EventSourceDocument:
		r.statusf("source %s", event.Title)

	case chat.EventError:
		r.statusf("stream error: %s", event.ErrorText)

	case chat.EventFinish:
		r.ensureNewline()
	}
}

// ensureNewline closes the current output line so status lines and the
// shell prompt do not glue onto streamed text. Safe to call more than
// once.
func (r *renderer) ensureNewline() {
	if r.printed && r.lineOpen {
		fmt.Fprintln(r.out)
		r.lineOpen = false
	}
}

// takePending returns the recorded approval requests and tool calls
// and resets the collection for the next stream.
func (r *renderer) takePending() pendingWork {
	work := pendingWork{approvals: r.approvals, toolCalls: r.toolCalls}
	r.approvals = nil
	r.toolCalls = nil
	return work
}

func (r *renderer) recordName(toolCallID, toolName string) {
	if toolCallID != "" && toolName != "" {
		r.toolNames[toolCallID] = toolName
	}
}

// toolName resolves a tool call id to its tool name, falling back to
// the id itself for calls whose start event was never seen (output
// events may target calls from earlier messages).
func (r *renderer) toolName(toolCallID string) string {
	if name, ok := r.toolNames[toolCallID]; ok {
		return name
	}
	return toolCallID
}

func (r *renderer) statusf(format string, args ...any) {
	fmt.Fprintf(r.status, "["+format+"]\n", args...)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
