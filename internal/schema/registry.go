package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidRecord = errors.New("invalid record")

// Registry holds one compiled JSON Schema per handle type. Types without a
// schema accept any record.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: map[string]*jsonschema.Schema{}}
}

// Add compiles document and registers it for typ, replacing any previous
// schema for that type.
func (r *Registry) Add(typ string, document []byte) error {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return fmt.Errorf("schema type is required")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(document))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", typ, err)
	}
	location := "mem://handlesync/schemas/" + url.PathEscape(typ) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", typ, err)
	}
	compiled, err := compiler.Compile(location)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", typ, err)
	}
	r.mu.Lock()
	r.schemas[typ] = compiled
	r.mu.Unlock()
	return nil
}

func (r *Registry) AddFile(typ, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return r.Add(typ, data)
}

func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[strings.TrimSpace(typ)]
	return ok
}

// Validate checks v against the schema registered for typ.
func (r *Registry) Validate(typ string, v any) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	compiled, ok := r.schemas[strings.TrimSpace(typ)]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, typ, err)
	}
	return nil
}
