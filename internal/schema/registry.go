// Package schema provides the schema registry: typed column definitions and
// the coercion of raw text fields into typed rows.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

// Handle is an immutable reference to a validated schema.
type Handle struct {
	name        string
	schema      types.Schema
	fingerprint string
}

// Name returns the name the schema was registered under. Anonymous handles
// created with NewHandle have an empty name.
func (h *Handle) Name() string { return h.name }

// Schema returns a copy of the validated schema.
func (h *Handle) Schema() types.Schema { return types.NewSchema(h.schema.Columns...) }

// Fingerprint returns the canonical JSON rendering of the schema. Two handles
// with the same fingerprint describe identical schemas.
func (h *Handle) Fingerprint() string { return h.fingerprint }

// Registry holds named schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Handle)}
}

// Define validates a schema and registers it under name. Redefining a name
// with an identical schema returns the existing handle; a different schema
// under the same name is rejected.
func (r *Registry) Define(name string, s types.Schema) (*Handle, error) {
	h, err := newHandle(name, s)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.schemas[name]; ok {
		if existing.fingerprint == h.fingerprint {
			return existing, nil
		}
		return nil, terrors.NewSchemaError(terrors.CodeInvalidSchema,
			fmt.Sprintf("schema %q is already defined with different columns", name)).
			WithDetail("schema", name)
	}
	r.schemas[name] = h
	return h, nil
}

// Lookup returns the handle registered under name.
func (r *Registry) Lookup(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.schemas[name]
	return h, ok
}

// Names returns the registered schema names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewHandle validates a schema without registering it.
func NewHandle(s types.Schema) (*Handle, error) {
	return newHandle("", s)
}

func newHandle(name string, s types.Schema) (*Handle, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	fp, err := json.Marshal(s)
	if err != nil {
		return nil, terrors.NewInternalError("marshal schema", err)
	}
	return &Handle{
		name:        name,
		schema:      types.NewSchema(s.Columns...),
		fingerprint: string(fp),
	}, nil
}

// Validate checks that a schema has at least one column, that every column
// has a non-empty unique name, and that every type is declarable.
func Validate(s types.Schema) error {
	if len(s.Columns) == 0 {
		return terrors.NewSchemaError(terrors.CodeInvalidSchema, "schema has no columns")
	}
	seen := make(map[string]bool, len(s.Columns))
	for i, col := range s.Columns {
		if col.Name == "" {
			return terrors.NewSchemaError(terrors.CodeInvalidSchema, "column name is empty").
				WithDetail("position", i)
		}
		if seen[col.Name] {
			return terrors.NewSchemaError(terrors.CodeDuplicateColumn,
				fmt.Sprintf("duplicate column %q", col.Name)).WithDetail("column", col.Name)
		}
		seen[col.Name] = true
		if !col.Type.Valid() {
			return terrors.NewSchemaError(terrors.CodeUnknownType,
				fmt.Sprintf("column %q has unknown type %q", col.Name, col.Type)).WithDetail("column", col.Name)
		}
	}
	return nil
}
