// Package configschema declares the self-service enrollment form as an
// ordered field list and provides payload validation plus the public/secret
// partition applied before anything is persisted.
package configschema

import "fmt"

// Field formats. The format drives both rendering hints and validation.
const (
	FormatText     = "text"
	FormatPassword = "password"
	FormatCheckbox = "checkbox"
	FormatCSV      = "csv"
	FormatJSON     = "json"
)

// Field describes a single configuration input.
type Field struct {
	Name      string `json:"name"`
	Label     string `json:"label,omitempty"`
	Required  bool   `json:"required"`
	Format    string `json:"format"`
	Sensitive bool   `json:"sensitive"`
}

// Schema is a named, ordered list of fields.
type Schema struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Result carries every violation found in a payload, not just the first.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate checks required-field presence and per-format type conformance,
// accumulating all violations. Unknown payload keys are never an error.
func (s *Schema) Validate(payload map[string]any) Result {
	var errs []string

	for _, f := range s.Fields {
		value, present := payload[f.Name]
		if !present || value == nil {
			if f.Required {
				errs = append(errs, fmt.Sprintf("%s is required", f.Name))
			}
			continue
		}

		if msg := checkFormat(f, value); msg != "" {
			errs = append(errs, msg)
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func checkFormat(f Field, value any) string {
	switch f.Format {
	case FormatCheckbox:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("%s must be a boolean", f.Name)
		}
	case FormatCSV:
		if _, ok := value.([]any); ok {
			return ""
		}
		if _, ok := value.([]string); ok {
			return ""
		}
		return fmt.Sprintf("%s must be an array", f.Name)
	case FormatJSON:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("%s must be an object", f.Name)
		}
	default:
		// text and password are plain strings
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("%s must be a string", f.Name)
		}
	}
	return ""
}

// SplitSecrets partitions a payload by each field's Sensitive flag. Unknown
// keys pass through to the public half unexamined; this is forward
// compatibility, not a security boundary. No key appears in both halves.
func (s *Schema) SplitSecrets(payload map[string]any) (public, secret map[string]any) {
	public = make(map[string]any)
	secret = make(map[string]any)

	sensitive := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		sensitive[f.Name] = f.Sensitive
	}

	for k, v := range payload {
		if sensitive[k] {
			secret[k] = v
			continue
		}
		public[k] = v
	}
	return public, secret
}

// Default returns the active Workspace enrollment schema: the upstream OAuth
// client the user brings, the identity to act as, and which capability
// families the connection exposes.
func Default() *Schema {
	return &Schema{
		Name: "workspace",
		Fields: []Field{
			{Name: "name", Label: "Connection name", Format: FormatText},
			{Name: "googleClientId", Label: "Google OAuth client ID", Required: true, Format: FormatText},
			{Name: "googleClientSecret", Label: "Google OAuth client secret", Required: true, Format: FormatPassword, Sensitive: true},
			{Name: "subject", Label: "Impersonation subject", Format: FormatText},
			{Name: "capabilities", Label: "Enabled capabilities", Format: FormatCSV},
			{Name: "readOnly", Label: "Read-only access", Format: FormatCheckbox},
			{Name: "options", Label: "Extra options", Format: FormatJSON},
		},
	}
}
