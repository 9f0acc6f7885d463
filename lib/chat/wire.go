// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parley-foundation/parley/lib/codec"
)

// FrameKind identifies the payload carried by a Frame.
type FrameKind string

// Client-to-service frame kinds.
const (
	// FrameChatRequest starts a new response stream for a conversation
	// snapshot carried in the request body.
	FrameChatRequest FrameKind = "chat_request"

	// FrameMessagesSync replaces the persisted conversation with the
	// frame's message list. Sent by clients after local edits, and by
	// the service to every newly attached client.
	FrameMessagesSync FrameKind = "messages_sync"

	// FrameChatClear deletes the conversation, all stored stream
	// state, and aborts any in-flight request.
	FrameChatClear FrameKind = "chat_clear"

	// FrameRequestCancel aborts one in-flight request by id. Chunks
	// already persisted for the aborted stream are kept.
	FrameRequestCancel FrameKind = "request_cancel"

	// FrameResumeRequest asks whether a stream is active; the service
	// answers with stream_resuming when one is.
	FrameResumeRequest FrameKind = "resume_request"

	// FrameResumeAck accepts a stream_resuming offer. The service
	// replays every persisted chunk of the named stream to the sender
	// and only then resumes live delivery.
	FrameResumeAck FrameKind = "resume_ack"

	// FrameToolResult reports the output of a client-executed tool
	// call, to be merged into the owning message wherever it lives.
	FrameToolResult FrameKind = "tool_result"

	// FrameToolApproval answers a tool approval request.
	FrameToolApproval FrameKind = "tool_approval"
)

// Service-to-client frame kinds.
const (
	// FrameChunk delivers one verbatim provider event. Body bytes are
	// identical between live delivery and replay.
	FrameChunk FrameKind = "chunk"

	// FrameStreamResuming tells a client that a stream is active and
	// chunks are being withheld until the client acks.
	FrameStreamResuming FrameKind = "stream_resuming"

	// FrameMessageUpdated pushes a persisted message that changed
	// outside any live stream, typically by a tool result merge.
	FrameMessageUpdated FrameKind = "message_updated"

	// FrameCleared confirms that the conversation was cleared.
	FrameCleared FrameKind = "cleared"

	// FrameHeartbeat keeps an attached connection warm. No payload,
	// no reply expected.
	FrameHeartbeat FrameKind = "heartbeat"
)

// Frame is the unit of exchange on an attached chat connection.
// Exactly the payload named by Kind is set; kinds without a payload
// struct carry none.
type Frame struct {
	Kind FrameKind `cbor:"kind"`

	ChatRequest    *ChatRequest    `cbor:"chat_request,omitempty"`
	MessagesSync   *MessagesSync   `cbor:"messages_sync,omitempty"`
	RequestCancel  *RequestCancel  `cbor:"request_cancel,omitempty"`
	ResumeAck      *ResumeAck      `cbor:"resume_ack,omitempty"`
	ToolResult     *ToolResult     `cbor:"tool_result,omitempty"`
	ToolApproval   *ToolApproval   `cbor:"tool_approval,omitempty"`
	Chunk          *ResponseChunk  `cbor:"chunk,omitempty"`
	StreamResuming *StreamResuming `cbor:"stream_resuming,omitempty"`
	MessageUpdated *MessageUpdated `cbor:"message_updated,omitempty"`
}

// ChatRequest carries a request id chosen by the client and the
// request body. The body is kept verbatim so a continuation after a
// tool result can replay it with only the message list swapped.
type ChatRequest struct {
	ID   string           `cbor:"id"`
	Body codec.RawMessage `cbor:"body"`
}

// ChatRequestBody is the decoded form of ChatRequest.Body. Fields the
// service does not interpret ride in Options and are passed through to
// the provider untouched.
type ChatRequestBody struct {
	Messages    []*Message     `json:"messages"`
	ClientTools []ToolSchema   `json:"client_tools,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// ToolSchema describes one client-executed tool offered to the model.
type ToolSchema struct {
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
	NeedsApproval bool           `json:"needs_approval,omitempty"`
}

// MessagesSync carries a full conversation snapshot.
type MessagesSync struct {
	Messages []*Message `cbor:"messages"`
}

// RequestCancel names the in-flight request to abort.
type RequestCancel struct {
	ID string `cbor:"id"`
}

// ResumeAck accepts replay for the named request's stream.
type ResumeAck struct {
	ID string `cbor:"id"`
}

// ToolResult reports a successful client-side tool execution. Failed
// executions are reported as a result whose output encodes the
// failure; the tool part still reaches a terminal state either way.
// Output is JSON, byte-identical to what the provider will be shown.
type ToolResult struct {
	ToolCallID   string          `cbor:"tool_call_id"`
	ToolName     string          `cbor:"tool_name,omitempty"`
	Output       json.RawMessage `cbor:"output"`
	AutoContinue bool            `cbor:"auto_continue,omitempty"`
	ClientTools  []ToolSchema    `cbor:"client_tools,omitempty"`
}

// ToolApproval answers an approval request. A denial moves the tool
// call straight to its error state without execution.
type ToolApproval struct {
	ToolCallID   string `cbor:"tool_call_id"`
	ApprovalID   string `cbor:"approval_id"`
	Approved     bool   `cbor:"approved"`
	AutoContinue bool   `cbor:"auto_continue,omitempty"`
}

// ResponseChunk carries one provider event, verbatim. Done closes the
// request: Error is set when the stream failed, and Continuation marks
// chunks produced by an automatic continuation rather than the
// client's original request.
type ResponseChunk struct {
	ID           string `cbor:"id"`
	Body         []byte `cbor:"body,omitempty"`
	Done         bool   `cbor:"done,omitempty"`
	Error        string `cbor:"error,omitempty"`
	Continuation bool   `cbor:"continuation,omitempty"`
}

// StreamResuming names the request whose stream the client may ack.
type StreamResuming struct {
	ID string `cbor:"id"`
}

// MessageUpdated carries one changed persisted message.
type MessageUpdated struct {
	Message *Message `cbor:"message"`
}

// framePayload maps each kind to the name of its payload field, or ""
// for kinds that carry none.
var framePayload = map[FrameKind]FrameKind{
	FrameChatRequest:    FrameChatRequest,
	FrameMessagesSync:   FrameMessagesSync,
	FrameChatClear:      "",
	FrameRequestCancel:  FrameRequestCancel,
	FrameResumeRequest:  "",
	FrameResumeAck:      FrameResumeAck,
	FrameToolResult:     FrameToolResult,
	FrameToolApproval:   FrameToolApproval,
	FrameChunk:          FrameChunk,
	FrameStreamResuming: FrameStreamResuming,
	FrameMessageUpdated: FrameMessageUpdated,
	FrameCleared:        "",
	FrameHeartbeat:      "",
}

// Validate checks that the frame has a known kind and carries exactly
// the payload that kind requires.
func (f *Frame) Validate() error {
	want, known := framePayload[f.Kind]
	if !known {
		return fmt.Errorf("chat: unknown frame kind %q", f.Kind)
	}

	var set []string
	if f.ChatRequest != nil {
		set = append(set, string(FrameChatRequest))
	}
	if f.MessagesSync != nil {
		set = append(set, string(FrameMessagesSync))
	}
	if f.RequestCancel != nil {
		set = append(set, string(FrameRequestCancel))
	}
	if f.ResumeAck != nil {
		set = append(set, string(FrameResumeAck))
	}
	if f.ToolResult != nil {
		set = append(set, string(FrameToolResult))
	}
	if f.ToolApproval != nil {
		set = append(set, string(FrameToolApproval))
	}
	if f.Chunk != nil {
		set = append(set, string(FrameChunk))
	}
	if f.StreamResuming != nil {
		set = append(set, string(FrameStreamResuming))
	}
	if f.MessageUpdated != nil {
		set = append(set, string(FrameMessageUpdated))
	}

	if want == "" {
		if len(set) != 0 {
			return fmt.Errorf("chat: frame kind %q carries unexpected payload %s", f.Kind, strings.Join(set, ", "))
		}
		return nil
	}
	if len(set) != 1 || set[0] != string(want) {
		return fmt.Errorf("chat: frame kind %q requires exactly the %s payload, has [%s]", f.Kind, want, strings.Join(set, ", "))
	}
	return nil
}
