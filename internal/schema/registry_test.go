package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const personSchema = `{
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "age": {"type": "integer", "minimum": 0}
  }
}`

func TestValidateAgainstRegisteredSchema(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Add("Person", []byte(personSchema)); err != nil {
		t.Fatalf("add schema: %v", err)
	}
	if !registry.Has("Person") {
		t.Fatalf("expected Person schema to be registered")
	}

	if err := registry.Validate("Person", map[string]any{"id": "P1-a", "name": "Ada", "age": 36}); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}
	err := registry.Validate("Person", map[string]any{"id": "P1-a", "age": -1})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestValidateUnknownTypeAccepts(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Validate("Anything", map[string]any{"x": 1}); err != nil {
		t.Fatalf("expected records without schema to pass, got %v", err)
	}
	var nilRegistry *Registry
	if err := nilRegistry.Validate("Person", nil); err != nil {
		t.Fatalf("expected nil registry to accept, got %v", err)
	}
}

func TestAddRejectsBadSchema(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Add("Broken", []byte(`{"type": `)); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := registry.Add("Broken", []byte(`{"type": "nope"}`)); err == nil {
		t.Fatalf("expected compile error")
	}
	if err := registry.Add("  ", []byte(personSchema)); err == nil {
		t.Fatalf("expected error for empty type")
	}
}

func TestAddFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "person.json")
	if err := os.WriteFile(path, []byte(personSchema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	registry := NewRegistry()
	if err := registry.AddFile("Person", path); err != nil {
		t.Fatalf("add file: %v", err)
	}
	if err := registry.Validate("Person", map[string]any{"id": "x"}); err == nil {
		t.Fatalf("expected missing name to fail")
	}
}
