// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeToolFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadToolSchemas_SingleObjectWithComments(t *testing.T) {
	path := writeToolFile(t, "weather.jsonc", `
// Weather lookup for the demo client.
{
	"name": "get_weather",
	"description": "Current weather for a city",
	"input_schema": {
		"type": "object",
		"properties": {
			"city": {"type": "string"}, // trailing comma below
		},
	},
	"needs_approval": true,
}
`)

	schemas, err := loadToolSchemas([]string{path})
	if err != nil {
		t.Fatalf("loadToolSchemas: %v", err)
	}
	if len(schemas) != 1 {
		t.Fatalf("got %d schemas, want 1", len(schemas))
	}
	schema := schemas[0]
	if schema.Name != "get_weather" {
		t.Errorf("name = %q, want %q", schema.Name, "get_weather")
	}
	if schema.Description != "Current weather for a city" {
		t.Errorf("description = %q", schema.Description)
	}
	if !schema.NeedsApproval {
		t.Error("needs_approval not set")
	}
	if schema.InputSchema["type"] != "object" {
		t.Errorf("input schema type = %v, want object", schema.InputSchema["type"])
	}
}

func TestLoadToolSchemas_Array(t *testing.T) {
	path := writeToolFile(t, "tools.json", `[
	{"name": "search", "description": "Web search"},
	{"name": "calculator" /* no description */}
]`)

	schemas, err := loadToolSchemas([]string{path})
	if err != nil {
		t.Fatalf("loadToolSchemas: %v", err)
	}
	if len(schemas) != 2 {
		t.Fatalf("got %d schemas, want 2", len(schemas))
	}
	if schemas[0].Name != "search" || schemas[1].Name != "calculator" {
		t.Errorf("names = %q, %q", schemas[0].Name, schemas[1].Name)
	}
}

func TestLoadToolSchemas_MultipleFiles(t *testing.T) {
	first := writeToolFile(t, "a.json", `{"name": "alpha"}`)
	second := writeToolFile(t, "b.json", `[{"name": "beta"}, {"name": "gamma"}]`)

	schemas, err := loadToolSchemas([]string{first, second})
	if err != nil {
		t.Fatalf("loadToolSchemas: %v", err)
	}
	if len(schemas) != 3 {
		t.Fatalf("got %d schemas, want 3", len(schemas))
	}
}

func TestLoadToolSchemas_MissingName(t *testing.T) {
	path := writeToolFile(t, "bad.json", `{"description": "nameless"}`)

	_, err := loadToolSchemas([]string{path})
	if err == nil {
		t.Fatal("expected error for schema without a name")
	}
	if !strings.Contains(err.Error(), "missing name") {
		t.Errorf("error = %v, want mention of missing name", err)
	}
}

func TestLoadToolSchemas_DuplicateAcrossFiles(t *testing.T) {
	first := writeToolFile(t, "a.json", `{"name": "search"}`)
	second := writeToolFile(t, "b.json", `{"name": "search"}`)

	_, err := loadToolSchemas([]string{first, second})
	if err == nil {
		t.Fatal("expected error for duplicate tool name")
	}
	if !strings.Contains(err.Error(), `duplicate tool "search"`) {
		t.Errorf("error = %v, want duplicate tool complaint", err)
	}
}

func TestLoadToolSchemas_EmptyFile(t *testing.T) {
	path := writeToolFile(t, "empty.jsonc", "// nothing here\n")

	_, err := loadToolSchemas([]string{path})
	if err == nil {
		t.Fatal("expected error for empty schema file")
	}
}

func TestLoadToolSchemas_MissingFile(t *testing.T) {
	_, err := loadToolSchemas([]string{filepath.Join(t.TempDir(), "absent.json")})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadToolSchemas_NoPaths(t *testing.T) {
	schemas, err := loadToolSchemas(nil)
	if err != nil {
		t.Fatalf("loadToolSchemas: %v", err)
	}
	if schemas != nil {
		t.Errorf("schemas = %v, want nil", schemas)
	}
}
