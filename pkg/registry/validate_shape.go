package registry

import (
	"encoding/json"
	"fmt"
)

// validateContractShape enforces a contract's static invariants:
// name format, schema presence, a single recognized idempotency mode, and
// (for keyed mode) that key_field is a declared property of input_schema.
func validateContractShape(c *Contract) error {
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("name %q does not match ^[a-z_]+(\\.[a-z_]+)+$", c.Name)
	}
	if len(c.InputSchema) == 0 {
		return fmt.Errorf("input_schema is required")
	}
	if len(c.OutputSchema) == 0 {
		return fmt.Errorf("output_schema is required")
	}
	for _, p := range c.Permissions {
		if !validPermissions[p] {
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	if c.TimeoutMS < 1000 || c.TimeoutMS > 300000 {
		return fmt.Errorf("timeout_ms %d out of range [1000, 300000]", c.TimeoutMS)
	}

	switch c.Idempotency.Mode {
	case IdempotencyNone, IdempotencySafeRetry:
		if c.Idempotency.KeyField != "" {
			return fmt.Errorf("key_field is only valid for idempotency mode %q", IdempotencyKeyed)
		}
	case IdempotencyKeyed:
		if c.Idempotency.KeyField == "" {
			return fmt.Errorf("idempotency mode %q requires key_field", IdempotencyKeyed)
		}
		declared, err := inputSchemaProperties(c.InputSchema)
		if err != nil {
			return fmt.Errorf("reading input_schema properties: %w", err)
		}
		if !declared[c.Idempotency.KeyField] {
			return fmt.Errorf("key_field %q is not a declared property of input_schema", c.Idempotency.KeyField)
		}
	default:
		return fmt.Errorf("unknown idempotency mode %q", c.Idempotency.Mode)
	}

	return nil
}

// inputSchemaProperties extracts the top-level property names of a JSON-Schema document.
func inputSchemaProperties(raw json.RawMessage) (map[string]bool, error) {
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(doc.Properties))
	for name := range doc.Properties {
		out[name] = true
	}
	return out, nil
}
