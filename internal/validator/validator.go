// Package validator checks workflow definitions and run requests before a
// run is admitted.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Validator validates definitions and run requests.
type Validator struct {
	definitionSchema *jsonschema.Schema
	requestSchema    *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err converts an invalid result into a validation error.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return flowerr.New(flowerr.CodeInvalidFormat, "invalid workflow definition: %s", strings.Join(msgs, "; "))
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("definition.json", strings.NewReader(definitionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add definition schema: %w", err)
	}
	if err := compiler.AddResource("request.json", strings.NewReader(requestSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add request schema: %w", err)
	}

	definitionSchema, err := compiler.Compile("definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	requestSchema, err := compiler.Compile("request.json")
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}

	return &Validator{
		definitionSchema: definitionSchema,
		requestSchema:    requestSchema,
	}, nil
}

// ValidateRequestJSON validates a JSON-encoded run request.
func (v *Validator) ValidateRequestJSON(data []byte) *ValidationResult {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)}},
		}
	}
	return v.validate(v.requestSchema, doc)
}

// ValidateDefinition checks a definition's shape against the schema and
// then its structure: self references, unknown source nodes and duplicate
// entrypoints.
func (v *Validator) ValidateDefinition(def *types.WorkflowDefinition) error {
	if def == nil {
		return flowerr.New(flowerr.CodeMissingParameter, "definition is required")
	}
	data, err := json.Marshal(def)
	if err != nil {
		return flowerr.Wrap(flowerr.CodeInvalidFormat, err, "encode definition")
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return flowerr.Wrap(flowerr.CodeInvalidFormat, err, "decode definition")
	}
	if err := v.validate(v.definitionSchema, doc).Err(); err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return flowerr.Wrap(flowerr.CodeInvalidFormat, err, "invalid workflow definition")
	}
	return nil
}

func (v *Validator) validate(schema *jsonschema.Schema, doc interface{}) *ValidationResult {
	err := schema.Validate(doc)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		result.Errors = extractErrors(verr)
	}
	if len(result.Errors) == 0 {
		result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
	}
	return result
}

// extractErrors flattens the leaf causes of a schema error.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		path := verr.InstanceLocation
		if path == "" {
			path = "$"
		}
		return []ValidationError{{Path: path, Message: verr.Message}}
	}
	var out []ValidationError
	for _, cause := range verr.Causes {
		out = append(out, extractErrors(cause)...)
	}
	return out
}

const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "definition.json",
  "title": "Workflow Definition",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "propertyNames": {"pattern": "^[A-Za-z0-9_-]+$"},
      "additionalProperties": {"$ref": "#/$defs/node"}
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1}
        }
      }
    },
    "metadata": {"type": "object"}
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "inputs": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "properties": {
              "source": {"type": "string", "pattern": "^[A-Za-z0-9_-]+(\\..+)?$"},
              "ioType": {"type": "string"},
              "required": {"type": "boolean"}
            }
          }
        },
        "outputs": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "properties": {
              "ioType": {"type": "string"},
              "resultKey": {"type": "string"}
            }
          }
        },
        "timeoutSeconds": {"type": "integer", "minimum": 0},
        "config": {"type": ["object", "null"]}
      }
    }
  }
}`

const requestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "request.json",
  "title": "Run Request",
  "type": "object",
  "required": ["workflowId", "triggerId", "definition"],
  "properties": {
    "workflowId": {"type": "string", "minLength": 1},
    "triggerId": {"type": "string", "minLength": 1},
    "sessionId": {"type": "string"},
    "projectId": {"type": "string"},
    "inputs": {"type": "object"},
    "definition": {"$ref": "definition.json"}
  }
}`
