// Package params validates run parameters against an agent blueprint's
// JSON Schema and resolves the placeholders embedded in blueprint fields.
//
// Resolution is split into two stages: the coordinator resolves everything it
// knows at run-creation time (stage 1), and the runner resolves its local
// values immediately before spawning the executor (stage 2).
package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/maestro-ai/maestro/pkg/models"
)

// AutonomousSchema is the implicit parameter schema for autonomous agents:
// a single required non-empty prompt.
var AutonomousSchema = models.JSONMap{
	"type":     "object",
	"required": []any{"prompt"},
	"properties": map[string]any{
		"prompt": map[string]any{"type": "string", "minLength": 1},
	},
}

// ErrorDetail is one schema violation, located both in the instance
// (Path, JSONPath-style) and in the schema (SchemaPath, JSON-pointer-style).
type ErrorDetail struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	SchemaPath string `json:"schema_path"`
}

// SchemaError reports parameter validation failure. It carries the full
// schema so callers (including AI callers) can self-correct.
type SchemaError struct {
	Schema models.JSONMap `json:"schema"`
	Errors []ErrorDetail  `json:"errors"`
}

func (e *SchemaError) Error() string {
	if len(e.Errors) == 0 {
		return "parameters do not match schema"
	}
	parts := make([]string, len(e.Errors))
	for i, d := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %s", d.Path, d.Message)
	}
	return "parameters do not match schema: " + strings.Join(parts, "; ")
}

// Validate checks params against a Draft-07 JSON Schema. A nil or empty
// schema accepts anything. Schema compilation problems are returned as
// plain errors; instance violations come back as *SchemaError.
func Validate(schema models.JSONMap, parameters models.JSONMap) error {
	if len(schema) == 0 {
		return nil
	}

	schemaDoc, err := reparse(schema)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft7)
	c.AssertFormat()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	instance, err := reparse(map[string]any(parameters))
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	if err := compiled.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &SchemaError{Schema: schema.Clone(), Errors: flatten(ve)}
		}
		return err
	}
	return nil
}

// reparse round-trips a value through JSON so numbers arrive the way the
// validator expects them.
func reparse(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

var errPrinter = message.NewPrinter(language.English)

// flatten collects the leaf causes of a validation error into per-path
// details.
func flatten(ve *jsonschema.ValidationError) []ErrorDetail {
	if len(ve.Causes) == 0 {
		return []ErrorDetail{{
			Path:       instancePath(ve.InstanceLocation),
			Message:    ve.ErrorKind.LocalizedString(errPrinter),
			SchemaPath: schemaPath(ve),
		}}
	}
	var out []ErrorDetail
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}

// instancePath renders instance location tokens as "$.a.b[0]".
func instancePath(tokens []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, tok := range tokens {
		if isIndex(tok) {
			fmt.Fprintf(&b, "[%s]", tok)
		} else {
			b.WriteString(".")
			b.WriteString(tok)
		}
	}
	return b.String()
}

func isIndex(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// schemaPath renders the failing keyword's location as a JSON pointer
// fragment, e.g. "#/properties/prompt/minLength".
func schemaPath(ve *jsonschema.ValidationError) string {
	frag := ""
	if i := strings.IndexByte(ve.SchemaURL, '#'); i >= 0 {
		frag = ve.SchemaURL[i+1:]
	}
	kp := ve.ErrorKind.KeywordPath()
	if len(kp) == 0 {
		return "#" + frag
	}
	return "#" + frag + "/" + strings.Join(kp, "/")
}
