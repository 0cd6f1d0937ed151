package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry is the in-memory, immutable catalog of tool contracts.
// It is built once by Load and never mutated afterward.
type Registry struct {
	version   string
	contracts map[string]*Contract
}

// Load reads a catalog document from path, validates every contract's
// shape, compiles its schemas, and returns a ready-to-use Registry. A
// malformed catalog is fatal; the caller should abort process start on
// error.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading catalog %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes builds a Registry from an in-memory catalog document.
// Exposed separately so tests and embedders don't need a filesystem.
func LoadFromBytes(data []byte) (*Registry, error) {
	var catalog Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("registry: malformed catalog: %w", err)
	}

	contracts := make(map[string]*Contract, len(catalog.Tools))
	for i := range catalog.Tools {
		c := &catalog.Tools[i]
		if err := validateContractShape(c); err != nil {
			return nil, fmt.Errorf("registry: contract %q: %w", c.Name, err)
		}
		if _, dup := contracts[c.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate tool name %q", c.Name)
		}

		compiledIn, err := compileSchema(schemaURL(c.Name, "input"), c.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("registry: contract %q: input_schema: %w", c.Name, err)
		}
		compiledOut, err := compileSchema(schemaURL(c.Name, "output"), c.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("registry: contract %q: output_schema: %w", c.Name, err)
		}
		c.compiledInput = compiledIn
		c.compiledOutput = compiledOut

		contracts[c.Name] = c
	}

	return &Registry{version: catalog.Version, contracts: contracts}, nil
}

// Version returns the catalog document's version string.
func (r *Registry) Version() string { return r.version }

// Get looks up a contract by name. Returns ErrNotFound if absent.
func (r *Registry) Get(name string) (*Contract, error) {
	c, ok := r.contracts[name]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// All returns every loaded contract, in no particular order.
func (r *Registry) All() []*Contract {
	out := make([]*Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	return out
}

// ValidateInput validates input against the contract's compiled input schema.
func (r *Registry) ValidateInput(c *Contract, input any) error {
	return validateAgainst(c.compiledInput, input)
}

// ValidateOutput validates output against the contract's compiled output schema.
func (r *Registry) ValidateOutput(c *Contract, output any) error {
	return validateAgainst(c.compiledOutput, output)
}

func validateAgainst(schema *jsonschema.Schema, doc any) error {
	if schema == nil {
		return nil
	}
	// jsonschema validates decoded JSON values (map[string]any, []any, etc).
	// Round-trip through JSON so callers can pass Go structs as well as maps.
	data, err := json.Marshal(doc)
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("value is not JSON-representable: %v", err)}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return &ValidationError{Message: fmt.Sprintf("value is not JSON-representable: %v", err)}
	}

	if err := schema.Validate(v); err != nil {
		return toValidationError(err)
	}
	return nil
}

// toValidationError flattens a jsonschema validation failure into our
// ValidationError, picking the deepest (most specific) cause so receipts
// report the actual offending field rather than the top-level summary.
func toValidationError(err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &ValidationError{Message: err.Error()}
	}
	leaf := deepestCause(ve)
	return &ValidationError{
		Path:    leaf.InstanceLocation,
		Message: leaf.Message,
	}
}

func deepestCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// schemaURL builds the synthetic resource id a contract's schema compiles
// under; the host never resolves, it just namespaces the compiler's cache.
func schemaURL(toolName, kind string) string {
	return fmt.Sprintf("https://toolrunner.schemas.local/%s.%s.schema.json", toolName, kind)
}

func compileSchema(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("schema is required")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(id, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	schema, err := c.Compile(id)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return schema, nil
}
