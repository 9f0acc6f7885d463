// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/parley-foundation/parley/lib/chat"
)

// loadToolSchemas reads the tool schema files named by --tools. Each
// file holds a single schema object or an array of them, as JSON
// extended with // line comments, /* block comments */, and trailing
// commas.
func loadToolSchemas(paths []string) ([]chat.ToolSchema, error) {
	var schemas []chat.ToolSchema
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading tool schema: %w", err)
		}
		loaded, err := parseToolSchemas(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		schemas = append(schemas, loaded...)
	}

	seen := make(map[string]bool)
	for _, schema := range schemas {
		if seen[schema.Name] {
			return nil, fmt.Errorf("duplicate tool %q", schema.Name)
		}
		seen[schema.Name] = true
	}
	return schemas, nil
}

func parseToolSchemas(data []byte) ([]chat.ToolSchema, error) {
	trimmed := bytes.TrimSpace(jsonc.ToJSON(data))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty tool schema file")
	}

	var schemas []chat.ToolSchema
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &schemas); err != nil {
			return nil, fmt.Errorf("parsing tool schemas: %w", err)
		}
	} else {
		var single chat.ToolSchema
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("parsing tool schema: %w", err)
		}
		schemas = []chat.ToolSchema{single}
	}

	for _, schema := range schemas {
		if schema.Name == "" {
			return nil, fmt.Errorf("tool schema missing name")
		}
	}
	return schemas, nil
}
