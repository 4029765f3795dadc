// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extension

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id manifests can reference for editor tooling.
const SchemaID = "https://cradlehq.dev/schemas/extension.schema.json"

// GenerateSchema reflects the JSON Schema for extension.yaml from the
// Manifest struct, so the published schema can never drift from the
// parser.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&Manifest{})

	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Cradle Extension Manifest"
	schema.Description = "Schema for extension.yaml manifest files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}
	return data, nil
}

var compileManifestSchema = sync.OnceValues(func() (*jschema.Schema, error) {
	schemaBytes, err := GenerateSchema()
	if err != nil {
		return nil, err
	}

	doc, err := jschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing schema JSON: %w", err)
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	return c.Compile("schema.json")
})

// ValidateSchema validates raw extension.yaml bytes against the manifest
// schema. It catches shape errors (wrong types, unknown structure) that
// a lenient YAML decode would coerce away; ParseManifest still owns the
// semantic checks.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return &ManifestError{Err: fmt.Errorf("manifest is empty")}
	}

	var yamlData any
	if err := yaml.Unmarshal(data, &yamlData); err != nil {
		return &ManifestError{Err: fmt.Errorf("invalid YAML: %w", err)}
	}

	sch, err := compileManifestSchema()
	if err != nil {
		return fmt.Errorf("compiling manifest schema: %w", err)
	}

	if err := sch.Validate(convertToJSONTypes(yamlData)); err != nil {
		return &ManifestError{Err: fmt.Errorf("schema validation failed: %w", err)}
	}
	return nil
}

// CompileActionSchema compiles one action's input_schema document. The
// document travels through a JSON round-trip so the validator sees
// canonical JSON types regardless of the YAML decoder's choices.
func CompileActionSchema(doc map[string]any) (*jschema.Schema, error) {
	raw, err := json.Marshal(convertToJSONTypes(doc))
	if err != nil {
		return nil, fmt.Errorf("encoding input_schema: %w", err)
	}

	parsed, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing input_schema: %w", err)
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("input.json", parsed); err != nil {
		return nil, fmt.Errorf("adding input_schema resource: %w", err)
	}
	return c.Compile("input.json")
}

// ValidateActionInput checks a JSON input document against a compiled
// action schema. A nil schema accepts everything.
func ValidateActionInput(sch *jschema.Schema, input json.RawMessage) error {
	if sch == nil {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage(`null`)
	}

	doc, err := jschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return sch.Validate(doc)
}

// convertToJSONTypes rewrites a YAML-decoded value into JSON-compatible
// types so it can be handed to the JSON Schema validator.
func convertToJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			result[k] = convertToJSONTypes(item)
		}
		return result
	case map[any]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			result[fmt.Sprintf("%v", k)] = convertToJSONTypes(item)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = convertToJSONTypes(item)
		}
		return result
	case string, bool, nil, float64, int, int64:
		return val
	default:
		// Unusual scalar (e.g. time.Time from a YAML timestamp): JSON
		// round-trip it into something the validator understands.
		if b, err := json.Marshal(val); err == nil {
			var result any
			if err := json.Unmarshal(b, &result); err == nil {
				return result
			}
		}
		return val
	}
}

// FormatSchemaError trims validator prefixes for CLI display.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = strings.TrimPrefix(msg, "schema validation failed: ")
	return msg
}
