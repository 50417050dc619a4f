package txdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNotFound is returned by Registry.Get for unknown transaction types.
var ErrNotFound = errors.New("transaction type not registered")

// Registry is the immutable catalog of transaction definitions. All
// validation happens in NewRegistry; lookups never fail for reasons other
// than an unknown type.
type Registry struct {
	defs    map[string]*Definition
	schemas map[string]*compiledSchemas
}

type compiledSchemas struct {
	params           *jsonschema.Schema
	sideEffectParams *jsonschema.Schema
}

// NewRegistry validates every definition (structural checks plus schema
// compilation) and freezes the catalog. Duplicate tx types are rejected.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{
		defs:    make(map[string]*Definition, len(defs)),
		schemas: make(map[string]*compiledSchemas, len(defs)),
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.defs[d.TxType]; dup {
			return nil, fmt.Errorf("duplicate definition for tx type %q", d.TxType)
		}
		cs := &compiledSchemas{}
		var err error
		if cs.params, err = compileSchema(d.TxType, "params", d.Build.ParamsSchema); err != nil {
			return nil, err
		}
		if cs.sideEffectParams, err = compileSchema(d.TxType, "side_effect_params", d.Build.SideEffectParamsSchema); err != nil {
			return nil, err
		}
		r.defs[d.TxType] = d
		r.schemas[d.TxType] = cs
	}
	return r, nil
}

func compileSchema(txType, name string, raw map[string]any) (*jsonschema.Schema, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("definition %q: %s schema is not serializable: %w", txType, name, err)
	}
	sch, err := jsonschema.CompileString(txType+"/"+name+".json", string(data))
	if err != nil {
		return nil, fmt.Errorf("definition %q: %s schema does not compile: %w", txType, name, err)
	}
	return sch, nil
}

// Get returns the definition for txType or ErrNotFound.
func (r *Registry) Get(txType string) (*Definition, error) {
	d, ok := r.defs[txType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, txType)
	}
	return d, nil
}

// Types returns the registered transaction types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int { return len(r.defs) }

// ValidateParams checks build parameters against the definition's params
// schema. Definitions without a schema accept anything.
func (r *Registry) ValidateParams(txType string, params map[string]any) error {
	return r.validate(txType, params, func(cs *compiledSchemas) *jsonschema.Schema { return cs.params })
}

// ValidateSideEffectParams checks side-effect parameters against the
// definition's side-effect params schema.
func (r *Registry) ValidateSideEffectParams(txType string, params map[string]any) error {
	return r.validate(txType, params, func(cs *compiledSchemas) *jsonschema.Schema { return cs.sideEffectParams })
}

func (r *Registry) validate(txType string, params map[string]any, pick func(*compiledSchemas) *jsonschema.Schema) error {
	cs, ok := r.schemas[txType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, txType)
	}
	sch := pick(cs)
	if sch == nil {
		return nil
	}
	// jsonschema validates generic JSON values; normalize through a
	// marshal round trip so typed numbers compare correctly.
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("parameters for %q are not serializable: %w", txType, err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}
