// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"log/slog"
	"unicode/utf8"

	"github.com/parley-foundation/parley/lib/codec"
)

const (
	// defaultMaxMessageBytes is the serialized size past which a
	// message is compacted before persisting. Sized well under any
	// practical SQLite row limit.
	defaultMaxMessageBytes = 1 << 20

	// defaultToolOutputThreshold is the tool output size past which
	// the output is replaced by a summary in compaction pass 1.
	defaultToolOutputThreshold = 1 << 10

	// defaultToolOutputPreview is how much of a summarized tool
	// output survives as preview text.
	defaultToolOutputPreview = 256

	// defaultTextPreview is the length text parts are cut to in
	// compaction pass 2.
	defaultTextPreview = 512
)

// Message metadata keys recording what compaction removed. Clients use
// these to tell the user content was shortened; nothing reads them to
// reverse anything — compaction is lossy.
const (
	metaCompactedToolOutputs = "compactedToolOutputs"
	metaCompactedTextParts   = "compactedTextParts"
)

// CompactionConfig bounds how large a persisted message may grow and
// how aggressively it is shrunk.
type CompactionConfig struct {
	// MaxMessageBytes triggers compaction when the serialized message
	// exceeds it, and is the size compaction tries to get back under.
	MaxMessageBytes int

	// ToolOutputThreshold is the tool output size that pass 1
	// replaces with a summary.
	ToolOutputThreshold int

	// ToolOutputPreview is the preview length kept in a summary.
	ToolOutputPreview int

	// TextPreview is the length pass 2 truncates text parts to.
	TextPreview int

	// Logger receives compaction reports. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

func (c CompactionConfig) normalized() CompactionConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.ToolOutputThreshold <= 0 {
		c.ToolOutputThreshold = defaultToolOutputThreshold
	}
	if c.ToolOutputPreview <= 0 {
		c.ToolOutputPreview = defaultToolOutputPreview
	}
	if c.TextPreview <= 0 {
		c.TextPreview = defaultTextPreview
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// compactedOutput is the synthetic tool output left behind by pass 1.
// It is model-facing: the note tells the model why the real output is
// gone so it does not re-run the tool expecting different results.
type compactedOutput struct {
	Compacted     bool   `json:"compacted"`
	Preview       string `json:"preview"`
	OriginalBytes int    `json:"original_bytes"`
	Note          string `json:"note"`
}

const compactedOutputNote = "Tool output was too large to retain. Only a preview is kept."

// CompactMessage shrinks a message in place until its serialized form
// fits cfg.MaxMessageBytes, or until there is nothing left to shrink.
// Returns whether the message changed.
//
// Pass 1 (assistant messages only) replaces oversized tool outputs
// with previews. Pass 2 truncates text parts oldest-first, re-checking
// the size after each cut. What was removed is recorded in message
// metadata; the removal itself is irreversible.
func CompactMessage(m *Message, cfg CompactionConfig) bool {
	cfg = cfg.normalized()

	size, err := encodedSize(m)
	if err != nil {
		cfg.Logger.Warn("compaction skipped, message does not encode",
			"message_id", m.ID, "error", err)
		return false
	}
	if size <= cfg.MaxMessageBytes {
		return false
	}

	changed := false

	if m.Role == RoleAssistant {
		if compactToolOutputs(m, cfg) {
			changed = true
			size, err = encodedSize(m)
			if err != nil {
				cfg.Logger.Warn("compaction aborted, message does not encode",
					"message_id", m.ID, "error", err)
				return changed
			}
		}
	}

	if size > cfg.MaxMessageBytes {
		truncated, final := compactTextParts(m, cfg)
		changed = changed || truncated
		size = final
	}

	if size > cfg.MaxMessageBytes {
		cfg.Logger.Warn("message still oversized after compaction",
			"message_id", m.ID, "bytes", size, "limit", cfg.MaxMessageBytes)
	} else if changed {
		cfg.Logger.Info("message compacted",
			"message_id", m.ID, "bytes", size, "limit", cfg.MaxMessageBytes)
	}
	return changed
}

// compactToolOutputs replaces every terminal tool output larger than
// the threshold with a preview summary.
func compactToolOutputs(m *Message, cfg CompactionConfig) bool {
	var compacted []string
	for i := range m.Parts {
		tool := m.Parts[i].Tool
		if tool == nil || tool.State != ToolOutputAvailable {
			continue
		}
		if len(tool.Output) <= cfg.ToolOutputThreshold {
			continue
		}

		summary, err := json.Marshal(compactedOutput{
			Compacted:     true,
			Preview:       truncateUTF8(string(tool.Output), cfg.ToolOutputPreview),
			OriginalBytes: len(tool.Output),
			Note:          compactedOutputNote,
		})
		if err != nil {
			cfg.Logger.Warn("skipping uncompactable tool output",
				"message_id", m.ID, "tool_call_id", tool.ToolCallID, "error", err)
			continue
		}
		tool.Output = summary
		compacted = append(compacted, tool.ToolCallID)
	}
	if len(compacted) == 0 {
		return false
	}
	mergeMetadataStrings(m, metaCompactedToolOutputs, compacted)
	return true
}

// compactTextParts truncates text parts oldest-first until the message
// fits, returning whether anything was cut and the final size.
func compactTextParts(m *Message, cfg CompactionConfig) (bool, int) {
	size, err := encodedSize(m)
	if err != nil {
		return false, 0
	}

	var indices []int64
	for i := range m.Parts {
		if size <= cfg.MaxMessageBytes {
			break
		}
		text := m.Parts[i].Text
		if text == nil || len(text.Text) <= cfg.TextPreview {
			continue
		}

		text.Text = truncateUTF8(text.Text, cfg.TextPreview)
		indices = append(indices, int64(i))

		size, err = encodedSize(m)
		if err != nil {
			break
		}
	}
	if len(indices) == 0 {
		return false, size
	}

	existing, _ := m.Metadata[metaCompactedTextParts].([]any)
	for _, index := range indices {
		existing = append(existing, index)
	}
	m.SetMetadata(metaCompactedTextParts, existing)
	return true, size
}

// mergeMetadataStrings unions new values into a string-list metadata
// key, tolerating the []any shape the list takes after a decode
// round-trip.
func mergeMetadataStrings(m *Message, key string, values []string) {
	seen := make(map[string]bool)
	var merged []string

	switch existing := m.Metadata[key].(type) {
	case []string:
		for _, v := range existing {
			if !seen[v] {
				seen[v] = true
				merged = append(merged, v)
			}
		}
	case []any:
		for _, item := range existing {
			if v, ok := item.(string); ok && !seen[v] {
				seen[v] = true
				merged = append(merged, v)
			}
		}
	}
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			merged = append(merged, v)
		}
	}
	m.SetMetadata(key, merged)
}

func encodedSize(m *Message) (int, error) {
	body, err := codec.Marshal(m)
	if err != nil {
		return 0, err
	}
	return len(body), nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
