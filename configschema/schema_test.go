package configschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *Schema {
	return &Schema{
		Name: "test",
		Fields: []Field{
			{Name: "apiKey", Required: true, Format: FormatPassword, Sensitive: true},
			{Name: "teamId", Required: true, Format: FormatText},
			{Name: "scopes", Format: FormatCSV},
			{Name: "verbose", Format: FormatCheckbox},
			{Name: "extra", Format: FormatJSON},
		},
	}
}

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name     string
		payload  map[string]any
		valid    bool
		wantErrs []string
	}{
		{
			name:    "missing required field",
			payload: map[string]any{"teamId": "t1"},
			valid:   false,
			wantErrs: []string{
				"apiKey is required",
			},
		},
		{
			name:    "valid with optional fields",
			payload: map[string]any{"apiKey": "s", "teamId": "t1", "scopes": []any{"x"}},
			valid:   true,
		},
		{
			name:    "accumulates all violations",
			payload: map[string]any{"scopes": "not-an-array", "verbose": "yes", "extra": []any{}},
			valid:   false,
			wantErrs: []string{
				"apiKey is required",
				"teamId is required",
				"scopes must be an array",
				"verbose must be a boolean",
				"extra must be an object",
			},
		},
		{
			name:    "wrong scalar type",
			payload: map[string]any{"apiKey": true, "teamId": "t1"},
			valid:   false,
			wantErrs: []string{
				"apiKey must be a string",
			},
		},
		{
			name:    "nil value counts as absent",
			payload: map[string]any{"apiKey": nil, "teamId": "t1"},
			valid:   false,
			wantErrs: []string{
				"apiKey is required",
			},
		},
		{
			name:    "unknown keys are ignored",
			payload: map[string]any{"apiKey": "s", "teamId": "t1", "unknown": 42},
			valid:   true,
		},
		{
			name:    "string slice accepted for csv",
			payload: map[string]any{"apiKey": "s", "teamId": "t1", "scopes": []string{"a", "b"}},
			valid:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := testSchema().Validate(tt.payload)
			assert.Equal(t, tt.valid, got.Valid)
			assert.Equal(t, tt.wantErrs, got.Errors)
		})
	}
}

func TestSchemaSplitSecrets(t *testing.T) {
	payload := map[string]any{
		"apiKey":  "s3cret",
		"teamId":  "t1",
		"verbose": true,
		"unknown": "passes through",
	}

	public, secret := testSchema().SplitSecrets(payload)

	assert.Equal(t, map[string]any{"apiKey": "s3cret"}, secret)
	assert.Equal(t, map[string]any{
		"teamId":  "t1",
		"verbose": true,
		"unknown": "passes through",
	}, public)

	for k := range secret {
		_, dup := public[k]
		assert.False(t, dup, "key %q appears in both halves", k)
	}
}

func TestDefaultSchema(t *testing.T) {
	s := Default()
	require.NotEmpty(t, s.Fields)

	res := s.Validate(map[string]any{
		"googleClientId":     "client.apps.googleusercontent.com",
		"googleClientSecret": "shh",
	})
	assert.True(t, res.Valid)

	_, secret := s.SplitSecrets(map[string]any{
		"googleClientId":     "client.apps.googleusercontent.com",
		"googleClientSecret": "shh",
	})
	assert.Contains(t, secret, "googleClientSecret")
	assert.NotContains(t, secret, "googleClientId")
}
