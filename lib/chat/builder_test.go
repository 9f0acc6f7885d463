// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"errors"
	"testing"
)

func newTestBuilder(t *testing.T) (*Builder, *Message) {
	t.Helper()
	message := &Message{ID: "msg-1", Role: RoleAssistant}
	return NewBuilder(message, testLogger(t)), message
}

func TestBuilderTextLifecycle(t *testing.T) {
	builder, message := newTestBuilder(t)

	events := []Event{
		{Type: EventStart, MessageID: "provider-internal-id"},
		{Type: EventTextStart, ID: "t1"},
		{Type: EventTextDelta, ID: "t1", Delta: "He"},
		{Type: EventTextDelta, ID: "t1", Delta: "llo"},
		{Type: EventTextEnd, ID: "t1"},
		{Type: EventFinish},
	}
	for _, event := range events {
		if err := builder.Apply(event); err != nil {
			t.Fatalf("Apply(%s): %v", event.Type, err)
		}
	}

	// The local id stays authoritative; provider message ids are not
	// stable across continuations.
	if message.ID != "msg-1" {
		t.Errorf("message id = %q, want msg-1", message.ID)
	}
	if len(message.Parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(message.Parts))
	}
	text := message.Parts[0].Text
	if text == nil || text.Text != "Hello" {
		t.Fatalf("text part = %+v, want Hello", message.Parts[0])
	}
	if text.State != TextDone {
		t.Errorf("text state = %q, want done", text.State)
	}
}

func TestBuilderReasoning(t *testing.T) {
	builder, message := newTestBuilder(t)

	for _, event := range []Event{
		{Type: EventReasoningStart, ID: "r1"},
		{Type: EventReasoningDelta, ID: "r1", Delta: "thinking"},
		{Type: EventReasoningEnd, ID: "r1"},
	} {
		if err := builder.Apply(event); err != nil {
			t.Fatalf("Apply(%s): %v", event.Type, err)
		}
	}

	if len(message.Parts) != 1 || message.Parts[0].Reasoning == nil {
		t.Fatalf("parts = %+v, want one reasoning part", message.Parts)
	}
	reasoning := message.Parts[0].Reasoning
	if reasoning.Text != "thinking" || reasoning.State != TextDone {
		t.Errorf("reasoning = %+v, want thinking/done", reasoning)
	}
}

func TestBuilderDeltaWithoutStartIsSkipped(t *testing.T) {
	builder, message := newTestBuilder(t)

	if err := builder.Apply(Event{Type: EventTextDelta, ID: "ghost", Delta: "x"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(message.Parts) != 0 {
		t.Errorf("orphan delta created %d parts", len(message.Parts))
	}
}

func TestBuilderToolLifecycle(t *testing.T) {
	builder, message := newTestBuilder(t)

	if err := builder.Apply(Event{
		Type: EventToolInputStart, ToolCallID: "c1", ToolName: "search",
	}); err != nil {
		t.Fatalf("Apply input-start: %v", err)
	}
	if err := builder.Apply(Event{
		Type: EventToolInputDelta, ToolCallID: "c1", InputTextDelta: `{"q": "go`,
	}); err != nil {
		t.Fatalf("Apply input-delta: %v", err)
	}

	tool := message.FindToolPart("c1")
	if tool == nil {
		t.Fatal("tool part missing")
	}
	if tool.State != ToolInputStreaming {
		t.Fatalf("state = %q, want input-streaming", tool.State)
	}
	// The preview closes the open string even though the input is
	// still incomplete.
	if string(tool.Input) != `{"q": "go"}` {
		t.Errorf("optimistic input = %s, want {\"q\": \"go\"}", tool.Input)
	}

	final := json.RawMessage(`{"q": "golang"}`)
	if err := builder.Apply(Event{
		Type: EventToolInputAvailable, ToolCallID: "c1", Input: final,
	}); err != nil {
		t.Fatalf("Apply input-available: %v", err)
	}
	if tool.State != ToolInputAvailable || string(tool.Input) != string(final) {
		t.Fatalf("after input-available: state %q input %s", tool.State, tool.Input)
	}

	if err := builder.Apply(Event{
		Type: EventToolOutputAvailable, ToolCallID: "c1",
		Output: json.RawMessage(`{"hits": 3}`),
	}); err != nil {
		t.Fatalf("Apply output-available: %v", err)
	}
	if tool.State != ToolOutputAvailable || string(tool.Output) != `{"hits": 3}` {
		t.Fatalf("after output: state %q output %s", tool.State, tool.Output)
	}

	// A second output must not regress the finished call.
	if err := builder.Apply(Event{
		Type: EventToolOutputAvailable, ToolCallID: "c1",
		Output: json.RawMessage(`{"hits": 9}`),
	}); err != nil {
		t.Fatalf("Apply duplicate output: %v", err)
	}
	if string(tool.Output) != `{"hits": 3}` {
		t.Errorf("duplicate output overwrote result: %s", tool.Output)
	}
}

func TestBuilderToolInputAvailableWithoutPrelude(t *testing.T) {
	builder, message := newTestBuilder(t)

	if err := builder.Apply(Event{
		Type: EventToolInputAvailable, ToolCallID: "c1", ToolName: "lookup",
		Input: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	tool := message.FindToolPart("c1")
	if tool == nil {
		t.Fatal("tool part missing")
	}
	if tool.ToolName != "lookup" || tool.State != ToolInputAvailable {
		t.Errorf("tool = %+v, want lookup/input-available", tool)
	}
}

func TestBuilderToolApproval(t *testing.T) {
	builder, message := newTestBuilder(t)

	for _, event := range []Event{
		{Type: EventToolInputAvailable, ToolCallID: "c1", ToolName: "delete_file",
			Input: json.RawMessage(`{"path": "/etc"}`)},
		{Type: EventToolApprovalRequest, ToolCallID: "c1", ApprovalID: "ap-1"},
	} {
		if err := builder.Apply(event); err != nil {
			t.Fatalf("Apply(%s): %v", event.Type, err)
		}
	}

	tool := message.FindToolPart("c1")
	if tool.State != ToolApprovalRequested {
		t.Fatalf("state = %q, want approval-requested", tool.State)
	}
	if tool.Approval == nil || tool.Approval.ID != "ap-1" {
		t.Errorf("approval = %+v, want id ap-1", tool.Approval)
	}
}

func TestBuilderUnknownToolCall(t *testing.T) {
	builder, _ := newTestBuilder(t)

	err := builder.Apply(Event{
		Type: EventToolOutputAvailable, ToolCallID: "absent",
		Output: json.RawMessage(`{}`),
	})
	if !errors.Is(err, ErrUnknownToolCall) {
		t.Errorf("err = %v, want ErrUnknownToolCall", err)
	}

	err = builder.Apply(Event{
		Type: EventToolOutputError, ToolCallID: "absent", ErrorText: "boom",
	})
	if !errors.Is(err, ErrUnknownToolCall) {
		t.Errorf("err = %v, want ErrUnknownToolCall", err)
	}
}

func TestBuilderDataParts(t *testing.T) {
	builder, message := newTestBuilder(t)

	// Same (name, id) pair: the payload is replaced in place.
	for _, payload := range []string{`{"pct": 10}`, `{"pct": 60}`} {
		if err := builder.Apply(Event{
			Type: "data-progress", ID: "p1", Data: json.RawMessage(payload),
		}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	if len(message.Parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(message.Parts))
	}
	data := message.Parts[0].Data
	if data.Name != "progress" || data.ID != "p1" {
		t.Errorf("data part = %+v, want progress/p1", data)
	}
	if string(data.Payload) != `{"pct": 60}` {
		t.Errorf("payload = %s, want the latest value", data.Payload)
	}

	// Without an id every event appends.
	for i := 0; i < 2; i++ {
		if err := builder.Apply(Event{
			Type: "data-note", Data: json.RawMessage(`"x"`),
		}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	if len(message.Parts) != 3 {
		t.Errorf("got %d parts, want 3", len(message.Parts))
	}
}

func TestBuilderFinishClosesOpenParts(t *testing.T) {
	builder, message := newTestBuilder(t)

	for _, event := range []Event{
		{Type: EventTextStart, ID: "t1"},
		{Type: EventTextDelta, ID: "t1", Delta: "cut off mid"},
		{Type: EventReasoningStart, ID: "r1"},
		{Type: EventFinish},
	} {
		if err := builder.Apply(event); err != nil {
			t.Fatalf("Apply(%s): %v", event.Type, err)
		}
	}

	if message.Parts[0].Text.State != TextDone {
		t.Errorf("text state = %q after finish, want done", message.Parts[0].Text.State)
	}
	if message.Parts[1].Reasoning.State != TextDone {
		t.Errorf("reasoning state = %q after finish, want done", message.Parts[1].Reasoning.State)
	}
}

func TestBuilderStepsAllowPartIDReuse(t *testing.T) {
	builder, message := newTestBuilder(t)

	for _, event := range []Event{
		{Type: EventStartStep},
		{Type: EventTextStart, ID: "t1"},
		{Type: EventTextDelta, ID: "t1", Delta: "first"},
		{Type: EventTextEnd, ID: "t1"},
		{Type: EventFinishStep},
		{Type: EventStartStep},
		{Type: EventTextStart, ID: "t1"},
		{Type: EventTextDelta, ID: "t1", Delta: "second"},
		{Type: EventTextEnd, ID: "t1"},
	} {
		if err := builder.Apply(event); err != nil {
			t.Fatalf("Apply(%s): %v", event.Type, err)
		}
	}

	var texts []string
	for _, part := range message.Parts {
		if part.Text != nil {
			texts = append(texts, part.Text.Text)
		}
	}
	if len(texts) != 2 || texts[0] != "first" || texts[1] != "second" {
		t.Errorf("texts = %v, want [first second]", texts)
	}
}
