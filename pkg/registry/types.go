// Package registry loads, validates, and serves tool contracts.
//
// The registry is populated once at process start from a catalog document
// and is immutable thereafter: no component may mutate a contract after
// load, and runtime lookups never touch the filesystem or a database.
package registry

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Permission is a capability a tool declares it needs.
type Permission string

// Permissions a contract may declare. Unknown permissions are rejected at load.
const (
	PermReadDB      Permission = "read:db"
	PermWriteDB     Permission = "write:db"
	PermReadFiles   Permission = "read:files"
	PermWriteFiles  Permission = "write:files"
	PermSendComms   Permission = "send:comms"
	PermCallExternal Permission = "call:external"
)

var validPermissions = map[Permission]bool{
	PermReadDB: true, PermWriteDB: true, PermReadFiles: true,
	PermWriteFiles: true, PermSendComms: true, PermCallExternal: true,
}

// IdempotencyMode controls how the executor deduplicates repeated calls.
type IdempotencyMode string

const (
	IdempotencyNone      IdempotencyMode = "none"
	IdempotencySafeRetry IdempotencyMode = "safe-retry"
	IdempotencyKeyed     IdempotencyMode = "keyed"
)

// IdempotencyPolicy describes a contract's deduplication mode.
type IdempotencyPolicy struct {
	Mode     IdempotencyMode `json:"mode"`
	KeyField string          `json:"key_field,omitempty"`
}

// Contract is the static, load-time description of a tool.
//
// Name is a dotted "domain.method" identifier. InputSchema and OutputSchema
// are raw JSON-Schema documents (a constrained subset); they are
// compiled once at load time and cached on the Contract for reuse by every
// call the registry validates.
type Contract struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	InputSchema   json.RawMessage   `json:"input_schema"`
	OutputSchema  json.RawMessage   `json:"output_schema"`
	Permissions   []Permission      `json:"permissions"`
	Idempotency   IdempotencyPolicy `json:"idempotency"`
	TimeoutMS     int               `json:"timeout_ms"`
	ReceiptFields []string          `json:"receipt_fields"`

	compiledInput  *jsonschema.Schema
	compiledOutput *jsonschema.Schema
}

// Catalog is the on-disk shape read at startup: { version, tools: [...] }.
type Catalog struct {
	Version string     `json:"version"`
	Tools   []Contract `json:"tools"`
}

var namePattern = regexp.MustCompile(`^[a-z_]+(\.[a-z_]+)+$`)

// Domain returns the leading dotted segment of a tool name ("leads" for "leads.create").
func (c *Contract) Domain() string {
	return splitDomainMethod(c.Name)
}

func splitDomainMethod(name string) string {
	for i, r := range name {
		if r == '.' {
			return name[:i]
		}
	}
	return name
}

// ValidationError reports a single schema-validation failure, identifying
// the offending field so callers (and receipts) can surface it verbatim.
type ValidationError struct {
	Path     string
	Message  string
	Expected string
	Actual   string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ErrNotFound is returned by Get when no contract is registered under the given name.
var ErrNotFound = fmt.Errorf("tool not found in registry")
