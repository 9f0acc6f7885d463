// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PartType classifies message parts.
type PartType string

const (
	// PartText is assistant or user prose.
	PartText PartType = "text"

	// PartReasoning is the model's reasoning trace, streamed separately
	// from the visible reply.
	PartReasoning PartType = "reasoning"

	// PartTool is a tool invocation declared in the provider's tool
	// catalog.
	PartTool PartType = "tool"

	// PartDynamicTool is a tool invocation whose name was not in the
	// catalog at request time. Shares the tool payload and state
	// machine; only the classification differs.
	PartDynamicTool PartType = "dynamic-tool"

	// PartFile is a generated or referenced file.
	PartFile PartType = "file"

	// PartSourceURL is a web citation.
	PartSourceURL PartType = "source-url"

	// PartSourceDocument is a document citation.
	PartSourceDocument PartType = "source-document"

	// PartStepStart marks a generation step boundary. Part ids may be
	// reused across steps.
	PartStepStart PartType = "step-start"

	// PartData is a provider-defined custom payload. The concrete kind
	// lives in DataPart.Name.
	PartData PartType = "data"
)

// TextState tracks whether a text or reasoning part is still receiving
// deltas.
type TextState string

const (
	// TextStreaming means more deltas may arrive for this part.
	TextStreaming TextState = "streaming"

	// TextDone means the part's text is final.
	TextDone TextState = "done"
)

// ToolState is the lifecycle state of a tool part. States only move
// forward; an update against the wrong predecessor state is rejected.
type ToolState string

const (
	// ToolInputStreaming means the call's input JSON is still being
	// generated.
	ToolInputStreaming ToolState = "input-streaming"

	// ToolInputAvailable means the input is complete and the call is
	// ready to execute (or to be approved).
	ToolInputAvailable ToolState = "input-available"

	// ToolApprovalRequested means execution is paused awaiting a human
	// decision.
	ToolApprovalRequested ToolState = "approval-requested"

	// ToolApprovalResponded means the decision arrived; an approved
	// call proceeds to execution, a denied one to output-error.
	ToolApprovalResponded ToolState = "approval-responded"

	// ToolOutputAvailable is the terminal success state.
	ToolOutputAvailable ToolState = "output-available"

	// ToolOutputError is the terminal failure state.
	ToolOutputError ToolState = "output-error"
)

// Terminal reports whether the state admits no further transitions.
func (s ToolState) Terminal() bool {
	return s == ToolOutputAvailable || s == ToolOutputError
}

// CanTransitionTo reports whether next is a valid successor state.
// There are no backward transitions.
func (s ToolState) CanTransitionTo(next ToolState) bool {
	switch s {
	case ToolInputStreaming:
		return next == ToolInputAvailable
	case ToolInputAvailable:
		return next == ToolOutputAvailable || next == ToolOutputError ||
			next == ToolApprovalRequested
	case ToolApprovalRequested:
		return next == ToolApprovalResponded
	case ToolApprovalResponded:
		return next == ToolOutputAvailable || next == ToolOutputError
	default:
		return false
	}
}

// Part is a tagged union: Type selects which payload pointer is set,
// and exactly one must be set. dynamic-tool parts share the Tool
// payload with tool parts.
type Part struct {
	// Type classifies the part and selects the payload field.
	Type PartType `json:"type"`

	// Text is set for PartText parts.
	Text *TextPart `json:"text,omitempty"`

	// Reasoning is set for PartReasoning parts.
	Reasoning *ReasoningPart `json:"reasoning,omitempty"`

	// Tool is set for PartTool and PartDynamicTool parts.
	Tool *ToolPart `json:"tool,omitempty"`

	// File is set for PartFile parts.
	File *FilePart `json:"file,omitempty"`

	// SourceURL is set for PartSourceURL parts.
	SourceURL *SourceURLPart `json:"source_url,omitempty"`

	// SourceDocument is set for PartSourceDocument parts.
	SourceDocument *SourceDocumentPart `json:"source_document,omitempty"`

	// StepStart is set for PartStepStart parts.
	StepStart *StepStartPart `json:"step_start,omitempty"`

	// Data is set for PartData parts.
	Data *DataPart `json:"data,omitempty"`
}

// TextPart holds streamed prose.
type TextPart struct {
	// Text is the accumulated content.
	Text string `json:"text"`

	// State is streaming while deltas may still arrive.
	State TextState `json:"state"`
}

// ReasoningPart holds a streamed reasoning trace.
type ReasoningPart struct {
	// Text is the accumulated reasoning content.
	Text string `json:"text"`

	// State is streaming while deltas may still arrive.
	State TextState `json:"state"`
}

// ToolPart holds one tool invocation. ToolCallID is the only key used
// to locate the part, including across message boundaries: an
// asynchronous result may target a call living in an earlier,
// already-persisted message.
type ToolPart struct {
	// ToolCallID identifies the invocation. Unique within a message.
	ToolCallID string `json:"tool_call_id"`

	// ToolName is the tool being invoked.
	ToolName string `json:"tool_name"`

	// State is the lifecycle state. See ToolState.
	State ToolState `json:"state"`

	// RawInput accumulates the input JSON text while it streams. Empty
	// once the input is finalized.
	RawInput string `json:"raw_input,omitempty"`

	// Input is the call input as JSON. While RawInput streams this is
	// an optimistic parse of the incomplete text; after
	// input-available it is the provider's final value.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the call result as JSON. Set in output-available.
	Output json.RawMessage `json:"output,omitempty"`

	// ErrorText describes the failure. Set in output-error.
	ErrorText string `json:"error_text,omitempty"`

	// Approval records the human decision for gated calls.
	Approval *Approval `json:"approval,omitempty"`
}

// Approval records a human decision on a gated tool call.
type Approval struct {
	// ID is the provider's approval request identifier, when it sent
	// one.
	ID string `json:"id,omitempty"`

	// Approved is the decision. A denial moves the part to
	// output-error without executing the tool.
	Approved bool `json:"approved"`
}

// FilePart references a generated or attached file.
type FilePart struct {
	// MediaType is the MIME type.
	MediaType string `json:"media_type"`

	// URL locates the content.
	URL string `json:"url"`
}

// SourceURLPart is a web citation.
type SourceURLPart struct {
	// SourceID is the provider's citation identifier.
	SourceID string `json:"source_id,omitempty"`

	// URL is the cited address.
	URL string `json:"url"`

	// Title is the page title, when known.
	Title string `json:"title,omitempty"`
}

// SourceDocumentPart is a document citation.
type SourceDocumentPart struct {
	// SourceID is the provider's citation identifier.
	SourceID string `json:"source_id,omitempty"`

	// MediaType is the MIME type of the cited document.
	MediaType string `json:"media_type,omitempty"`

	// Title is the document title.
	Title string `json:"title,omitempty"`

	// Filename is the original file name, when known.
	Filename string `json:"filename,omitempty"`
}

// StepStartPart marks a generation step boundary. It carries no data;
// its position in the parts slice is the information.
type StepStartPart struct{}

// DataPart is a provider-defined custom payload.
type DataPart struct {
	// Name is the data kind, the suffix of the data-* event type that
	// produced it.
	Name string `json:"name"`

	// ID, when set, makes the part addressable for progressive
	// updates: a later event with the same (Name, ID) replaces the
	// payload instead of appending a new part.
	ID string `json:"id,omitempty"`

	// Payload is the provider's JSON value, stored verbatim.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate reports whether the part's payload matches its type and no
// stray payloads are set.
func (p *Part) Validate() error {
	payloads := 0
	if p.Text != nil {
		payloads++
	}
	if p.Reasoning != nil {
		payloads++
	}
	if p.Tool != nil {
		payloads++
	}
	if p.File != nil {
		payloads++
	}
	if p.SourceURL != nil {
		payloads++
	}
	if p.SourceDocument != nil {
		payloads++
	}
	if p.StepStart != nil {
		payloads++
	}
	if p.Data != nil {
		payloads++
	}
	if payloads != 1 {
		return fmt.Errorf("part %q has %d payloads, want exactly 1", p.Type, payloads)
	}

	var ok bool
	switch p.Type {
	case PartText:
		ok = p.Text != nil
	case PartReasoning:
		ok = p.Reasoning != nil
	case PartTool, PartDynamicTool:
		ok = p.Tool != nil
	case PartFile:
		ok = p.File != nil
	case PartSourceURL:
		ok = p.SourceURL != nil
	case PartSourceDocument:
		ok = p.SourceDocument != nil
	case PartStepStart:
		ok = p.StepStart != nil
	case PartData:
		ok = p.Data != nil
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
	if !ok {
		return fmt.Errorf("part %q payload does not match its type", p.Type)
	}

	if p.Tool != nil && p.Tool.ToolCallID == "" {
		return errors.New("tool part missing tool_call_id")
	}

	return nil
}

// clone returns a deep copy of the part.
func (p Part) clone() Part {
	out := Part{Type: p.Type}

	if p.Text != nil {
		text := *p.Text
		out.Text = &text
	}
	if p.Reasoning != nil {
		reasoning := *p.Reasoning
		out.Reasoning = &reasoning
	}
	if p.Tool != nil {
		tool := *p.Tool
		tool.Input = cloneRaw(p.Tool.Input)
		tool.Output = cloneRaw(p.Tool.Output)
		if p.Tool.Approval != nil {
			approval := *p.Tool.Approval
			tool.Approval = &approval
		}
		out.Tool = &tool
	}
	if p.File != nil {
		file := *p.File
		out.File = &file
	}
	if p.SourceURL != nil {
		source := *p.SourceURL
		out.SourceURL = &source
	}
	if p.SourceDocument != nil {
		source := *p.SourceDocument
		out.SourceDocument = &source
	}
	if p.StepStart != nil {
		step := *p.StepStart
		out.StepStart = &step
	}
	if p.Data != nil {
		data := *p.Data
		data.Payload = cloneRaw(p.Data.Payload)
		out.Data = &data
	}

	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
