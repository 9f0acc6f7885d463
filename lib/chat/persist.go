// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/parley-foundation/parley/lib/codec"
)

// Persister writes messages to the store only when their serialized
// form actually changed. It keeps a digest of the last-written bytes
// per message id; deterministic encoding makes the comparison exact —
// the same logical message always produces the same digest.
//
// Oversized messages are compacted before writing. Compaction mutates
// the message, so after a Persist the caller's message reflects what
// was stored.
type Persister struct {
	store      *Store
	logger     *slog.Logger
	compaction CompactionConfig

	// maxMessages bounds the stored conversation length when positive.
	// Enforced by EnforceLimit, not by Persist itself — updates to
	// existing messages never change the count.
	maxMessages int

	mu      sync.Mutex
	digests map[string][32]byte
}

// PersisterConfig holds the parameters for creating a persister.
type PersisterConfig struct {
	// Store is the chat store written to. Required.
	Store *Store

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger

	// MaxMessages caps the stored conversation length. Zero means
	// unlimited.
	MaxMessages int

	// Compaction bounds the serialized size of stored messages.
	Compaction CompactionConfig
}

// NewPersister creates a persister with an empty digest cache. Call
// Restore to warm the cache from previously stored rows.
func NewPersister(cfg PersisterConfig) (*Persister, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("persister: Store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Compaction.Logger == nil {
		cfg.Compaction.Logger = logger
	}
	return &Persister{
		store:       cfg.Store,
		logger:      logger,
		compaction:  cfg.Compaction.normalized(),
		maxMessages: cfg.MaxMessages,
		digests:     make(map[string][32]byte),
	}, nil
}

// Restore fills the digest cache from the stored rows so that the
// first persist after a restart still skips unchanged messages.
func (p *Persister) Restore(ctx context.Context) error {
	rows, err := p.store.ListMessageRows(ctx)
	if err != nil {
		return fmt.Errorf("persister: restore: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.digests)
	for _, row := range rows {
		p.digests[row.ID] = blake3.Sum256(row.Body)
	}
	return nil
}

// Persist writes the message if its serialized form differs from the
// last write. Returns whether a write happened.
func (p *Persister) Persist(ctx context.Context, m *Message) (bool, error) {
	if m.ID == "" {
		return false, fmt.Errorf("persister: message has no id")
	}
	if len(m.Parts) == 0 {
		// A stream that dies before producing anything leaves an
		// empty message; storing it would only be skipped on load.
		p.logger.Debug("skipping empty message", "message_id", m.ID)
		return false, nil
	}

	body, err := codec.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("persister: encode message %s: %w", m.ID, err)
	}
	if len(body) > p.compaction.MaxMessageBytes {
		if CompactMessage(m, p.compaction) {
			body, err = codec.Marshal(m)
			if err != nil {
				return false, fmt.Errorf("persister: encode compacted message %s: %w", m.ID, err)
			}
		}
	}

	digest := blake3.Sum256(body)

	p.mu.Lock()
	previous, known := p.digests[m.ID]
	p.mu.Unlock()
	if known && previous == digest {
		return false, nil
	}

	if err := p.store.UpsertMessage(ctx, m.ID, body); err != nil {
		return false, fmt.Errorf("persister: %w", err)
	}

	p.mu.Lock()
	p.digests[m.ID] = digest
	p.mu.Unlock()
	return true, nil
}

// EnforceLimit deletes the oldest messages until the stored count is
// within the configured maximum, returning the deleted ids so the
// caller can drop them from its in-memory view.
func (p *Persister) EnforceLimit(ctx context.Context) ([]string, error) {
	if p.maxMessages <= 0 {
		return nil, nil
	}

	count, err := p.store.MessageCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("persister: enforce limit: %w", err)
	}
	excess := int(count) - p.maxMessages
	if excess <= 0 {
		return nil, nil
	}

	ids, err := p.store.OldestMessageIDs(ctx, excess)
	if err != nil {
		return nil, fmt.Errorf("persister: enforce limit: %w", err)
	}
	if err := p.store.DeleteMessages(ctx, ids); err != nil {
		return nil, fmt.Errorf("persister: enforce limit: %w", err)
	}

	p.mu.Lock()
	for _, id := range ids {
		delete(p.digests, id)
	}
	p.mu.Unlock()

	p.logger.Info("evicted oldest messages", "count", len(ids))
	return ids, nil
}

// Forget drops one digest cache entry after its message was deleted
// outside the persister.
func (p *Persister) Forget(id string) {
	p.mu.Lock()
	delete(p.digests, id)
	p.mu.Unlock()
}

// Reset empties the digest cache. Used when the conversation is
// cleared.
func (p *Persister) Reset() {
	p.mu.Lock()
	clear(p.digests)
	p.mu.Unlock()
}
