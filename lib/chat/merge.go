// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/parley-foundation/parley/lib/clock"
)

const (
	// defaultMergeAttempts bounds how often the merger re-reads the
	// store looking for the owning message.
	defaultMergeAttempts = 5

	// defaultMergeBaseDelay is the first retry delay; it doubles per
	// attempt.
	defaultMergeBaseDelay = 50 * time.Millisecond
)

// Merger routes asynchronous tool call updates — results, approvals,
// denials — to whichever message owns the call id. The owning message
// is usually the one still streaming, but a result can also land after
// its message was persisted, or arrive just before the persist: hence
// the store retries with backoff.
//
// A merge never fails loudly. A result that finds no home, or finds
// its part in a state the update is not valid from, is logged and
// dropped; a missed tool result must not take the conversation down
// with it.
type Merger struct {
	store     *Store
	persister *Persister
	clock     clock.Clock
	logger    *slog.Logger
	attempts  int
	baseDelay time.Duration
}

// MergerConfig holds the parameters for creating a merger.
type MergerConfig struct {
	// Store is read to find persisted owning messages. Required.
	Store *Store

	// Persister writes rewritten messages back. Required.
	Persister *Persister

	// Clock paces the retry backoff. Required.
	Clock clock.Clock

	// Logger receives merge outcomes. If nil, logging is discarded.
	Logger *slog.Logger

	// Attempts bounds store lookups. Defaults to 5.
	Attempts int

	// BaseDelay is the first retry delay, doubling per attempt.
	// Defaults to 50ms.
	BaseDelay time.Duration
}

// NewMerger creates a merger.
func NewMerger(cfg MergerConfig) (*Merger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("merger: Store is required")
	}
	if cfg.Persister == nil {
		return nil, fmt.Errorf("merger: Persister is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("merger: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultMergeAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultMergeBaseDelay
	}
	return &Merger{
		store:     cfg.Store,
		persister: cfg.Persister,
		clock:     cfg.Clock,
		logger:    logger,
		attempts:  attempts,
		baseDelay: baseDelay,
	}, nil
}

// MergeResult reports where a persisted tool call update landed.
type MergeResult struct {
	// Applied is true when the update reached the owning part.
	Applied bool

	// Message is the rewritten copy of the owning message. Nil when
	// not applied. The caller's in-memory view of this message is now
	// stale, and clients should be told the message changed.
	Message *Message
}

// UpdateInflight applies update when the in-flight message owns
// toolCallID and its part is in an allowed state. found reports
// whether the message owns the call at all; applied reports whether
// the update ran. found-but-not-applied means the part was in a wrong
// state, and the caller should not fall through to the persisted
// search — the call's home is here.
//
// The caller must hold whatever lock guards the in-flight message;
// this method does no I/O and never blocks.
func (mg *Merger) UpdateInflight(inflight *Message, toolCallID string, allowed []ToolState, update func(*ToolPart)) (found, applied bool) {
	if inflight == nil {
		return false, false
	}
	tool := inflight.FindToolPart(toolCallID)
	if tool == nil {
		return false, false
	}
	if !slices.Contains(allowed, tool.State) {
		mg.logger.Warn("dropping tool update in wrong state",
			"tool_call_id", toolCallID,
			"state", string(tool.State),
			"message_id", inflight.ID)
		return true, false
	}
	update(tool)
	return true, true
}

// UpdatePersisted applies update to the persisted message owning
// toolCallID, retrying with exponential backoff: the result may arrive
// moments before the owning message finishes streaming and lands in
// the store. The matched message is rewritten copy-on-write, so
// readers of the old snapshot are never shown a half-applied update.
//
// This blocks across backoff waits and must not be called while
// holding the lock that the stream applies events under.
func (mg *Merger) UpdatePersisted(ctx context.Context, toolCallID string, allowed []ToolState, update func(*ToolPart)) MergeResult {
	for attempt := 0; attempt < mg.attempts; attempt++ {
		if attempt > 0 {
			delay := mg.baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				mg.logger.Warn("tool update cancelled while waiting for owning message",
					"tool_call_id", toolCallID, "error", ctx.Err())
				return MergeResult{}
			case <-mg.clock.After(delay):
			}
		}

		messages, err := mg.store.ListMessages(ctx)
		if err != nil {
			mg.logger.Warn("tool update could not read conversation",
				"tool_call_id", toolCallID, "attempt", attempt, "error", err)
			continue
		}

		// Newest first: the owning message is almost always the most
		// recently finished one.
		for i := len(messages) - 1; i >= 0; i-- {
			tool := messages[i].FindToolPart(toolCallID)
			if tool == nil {
				continue
			}
			if !slices.Contains(allowed, tool.State) {
				mg.logger.Warn("dropping tool update in wrong state",
					"tool_call_id", toolCallID,
					"state", string(tool.State),
					"message_id", messages[i].ID)
				return MergeResult{}
			}

			updated := messages[i].Clone()
			update(updated.FindToolPart(toolCallID))

			if _, err := mg.persister.Persist(ctx, updated); err != nil {
				mg.logger.Warn("tool update failed to persist",
					"tool_call_id", toolCallID,
					"message_id", updated.ID, "error", err)
				return MergeResult{}
			}
			return MergeResult{Applied: true, Message: updated}
		}
	}

	mg.logger.Warn("dropping tool update, owning message never found",
		"tool_call_id", toolCallID, "attempts", mg.attempts)
	return MergeResult{}
}
