package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `{
  "version": "1",
  "tools": [
    {
      "name": "leads.create",
      "description": "Create a lead",
      "input_schema": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "phone": {"type": "string"},
          "suburb": {"type": "string"},
          "source": {"type": "string", "enum": ["referral", "web", "phone"]}
        },
        "required": ["name", "phone"],
        "additionalProperties": false
      },
      "output_schema": {
        "type": "object",
        "properties": {"lead_id": {"type": "string", "format": "uuid"}},
        "required": ["lead_id"]
      },
      "permissions": ["read:db", "write:db"],
      "idempotency": {"mode": "keyed", "key_field": "phone"},
      "timeout_ms": 5000,
      "receipt_fields": ["lead_id"]
    }
  ]
}`

func TestLoadFromBytes(t *testing.T) {
	r, err := LoadFromBytes([]byte(sampleCatalog))
	require.NoError(t, err)
	assert.Equal(t, "1", r.Version())
	assert.Len(t, r.All(), 1)
}

func TestGetNotFound(t *testing.T) {
	r, err := LoadFromBytes([]byte(sampleCatalog))
	require.NoError(t, err)

	_, err = r.Get("nonexistent.fake")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateInputRejectsMissingRequired(t *testing.T) {
	r, err := LoadFromBytes([]byte(sampleCatalog))
	require.NoError(t, err)
	c, err := r.Get("leads.create")
	require.NoError(t, err)

	err = r.ValidateInput(c, map[string]any{"phone": "+61400000001"})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestValidateInputRejectsUnknownField(t *testing.T) {
	r, err := LoadFromBytes([]byte(sampleCatalog))
	require.NoError(t, err)
	c, err := r.Get("leads.create")
	require.NoError(t, err)

	err = r.ValidateInput(c, map[string]any{
		"name": "Sarah M", "phone": "+61400000001", "extra_field": "nope",
	})
	assert.Error(t, err)
}

func TestValidateInputAcceptsValidPayload(t *testing.T) {
	r, err := LoadFromBytes([]byte(sampleCatalog))
	require.NoError(t, err)
	c, err := r.Get("leads.create")
	require.NoError(t, err)

	err = r.ValidateInput(c, map[string]any{
		"name": "Sarah M", "phone": "+61400000001", "suburb": "Clayton", "source": "referral",
	})
	assert.NoError(t, err)
}

func TestLoadRejectsDuplicateName(t *testing.T) {
	catalog := `{"version":"1","tools":[
		{"name":"a.b","description":"x","input_schema":{"type":"object"},"output_schema":{"type":"object"},
		 "idempotency":{"mode":"none"},"timeout_ms":1000},
		{"name":"a.b","description":"y","input_schema":{"type":"object"},"output_schema":{"type":"object"},
		 "idempotency":{"mode":"none"},"timeout_ms":1000}
	]}`
	_, err := LoadFromBytes([]byte(catalog))
	assert.Error(t, err)
}

func TestLoadRejectsBadName(t *testing.T) {
	catalog := `{"version":"1","tools":[
		{"name":"BadName","description":"x","input_schema":{"type":"object"},"output_schema":{"type":"object"},
		 "idempotency":{"mode":"none"},"timeout_ms":1000}
	]}`
	_, err := LoadFromBytes([]byte(catalog))
	assert.Error(t, err)
}

func TestLoadRejectsKeyedWithoutDeclaredKeyField(t *testing.T) {
	catalog := `{"version":"1","tools":[
		{"name":"a.b","description":"x",
		 "input_schema":{"type":"object","properties":{"name":{"type":"string"}}},
		 "output_schema":{"type":"object"},
		 "idempotency":{"mode":"keyed","key_field":"phone"},"timeout_ms":1000}
	]}`
	_, err := LoadFromBytes([]byte(catalog))
	assert.Error(t, err)
}
