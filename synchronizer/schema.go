package synchronizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// messageSchema describes a catalog broadcast on the wire
const messageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["action", "origin"],
  "properties": {
    "action": {"enum": ["advertise", "request"]},
    "origin": {"type": "string", "minLength": 1},
    "revision": {"type": "integer", "minimum": 0},
    "timestamp": {"type": "string"},
    "components": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "package": {"type": "string"},
          "executable": {"type": "string"},
          "reliability": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    },
    "pipes": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["category", "segments"],
        "properties": {
          "category": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "reliability": {"type": "number", "minimum": 0, "maximum": 1},
          "segments": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["type"],
              "properties": {
                "type": {"type": "string", "minLength": 1},
                "inputs": {"type": ["array", "null"], "items": {"type": "string"}},
                "outputs": {"type": ["array", "null"], "items": {"type": "string"}},
                "parameters": {"type": ["array", "null"], "items": {"type": "string"}}
              }
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(messageSchema))
	})
	return schema, schemaErr
}

// validateMessage checks raw against the broadcast schema
func validateMessage(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile message schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return fmt.Errorf("message does not match schema: %s", strings.Join(problems, "; "))
	}
	return nil
}
