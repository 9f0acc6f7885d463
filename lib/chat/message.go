// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"errors"
	"fmt"
)

// Role identifies who produced a message.
type Role string

const (
	// RoleUser is a message authored by the human (or calling client).
	RoleUser Role = "user"

	// RoleAssistant is a message generated by the model provider.
	RoleAssistant Role = "assistant"

	// RoleSystem is an instruction message injected by the client.
	RoleSystem Role = "system"
)

// Message is one entry in the conversation transcript. Identity is the
// ID: a message is mutable in place while in flight and
// immutable-by-replacement once persisted (updates are upserts keyed by
// ID). The Builder appends and transitions parts while the reply
// streams; the Merger rewrites tool parts when asynchronous results or
// approvals arrive, possibly long after the message was persisted.
type Message struct {
	// ID uniquely identifies the message across its whole lifetime,
	// including upsert rewrites.
	ID string `json:"id"`

	// Role identifies the author.
	Role Role `json:"role"`

	// Parts is the ordered content of the message.
	Parts []Part `json:"parts"`

	// Metadata holds auxiliary annotations, such as the records left
	// behind by compaction.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate reports whether the message is structurally sound. Load
// paths log and skip messages that fail validation rather than
// propagating the error.
func (m *Message) Validate() error {
	var errs []error

	if m.ID == "" {
		errs = append(errs, errors.New("message id is required"))
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid role: %q", m.Role))
	}
	if len(m.Parts) == 0 {
		errs = append(errs, errors.New("message has no parts"))
	}
	for i := range m.Parts {
		if err := m.Parts[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("part %d: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// FindToolPart returns the tool part with the given call id, or nil.
// Tool call ids are unique within a message, so the first match is the
// only match.
func (m *Message) FindToolPart(toolCallID string) *ToolPart {
	for i := range m.Parts {
		if tool := m.Parts[i].Tool; tool != nil && tool.ToolCallID == toolCallID {
			return tool
		}
	}
	return nil
}

// SetMetadata stores a metadata value, allocating the map on first use.
func (m *Message) SetMetadata(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// Clone returns a deep copy of the message. The Merger rewrites
// persisted messages copy-on-write: callers mutate the clone and upsert
// it, leaving the original untouched for any reader still holding it.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:   m.ID,
		Role: m.Role,
	}

	if m.Parts != nil {
		clone.Parts = make([]Part, len(m.Parts))
		for i := range m.Parts {
			clone.Parts[i] = m.Parts[i].clone()
		}
	}

	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for key, value := range m.Metadata {
			clone.Metadata[key] = value
		}
	}

	return clone
}
