package meta

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// variantSchemas validate the known source-variant shapes. Unknown top-level
// keys are deliberately allowed; only the keys the union owns are constrained.
var variantSchemas = map[string]string{
	"ticket": `{
		"type": "object",
		"properties": {
			"status": {"type": "string"},
			"priority": {"type": "string"},
			"assignee": {"type": "string"},
			"labels": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	"thread": `{
		"type": "object",
		"properties": {
			"channel": {"type": "string"},
			"message_count": {"type": "integer", "minimum": 0},
			"resolved": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	"meeting": `{
		"type": "object",
		"properties": {
			"attendees": {"type": "array", "items": {"type": "string"}},
			"date": {"type": "string"},
			"recording": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"file": `{
		"type": "object",
		"properties": {
			"repo": {"type": "string"},
			"path": {"type": "string"},
			"language": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"pr": `{
		"type": "object",
		"properties": {
			"repo": {"type": "string"},
			"number": {"type": "integer", "minimum": 1},
			"state": {"type": "string"},
			"author": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"doc": `{
		"type": "object",
		"properties": {
			"space": {"type": "string"},
			"version": {"type": "integer", "minimum": 0},
			"author": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"run": `{
		"type": "object",
		"properties": {
			"pipeline": {"type": "string"},
			"conclusion": {"type": "string"},
			"duration_ms": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`,
	"incident": `{
		"type": "object",
		"properties": {
			"severity": {"type": "string"},
			"status": {"type": "string"},
			"resolved_at": {"type": "string"}
		},
		"additionalProperties": false
	}`,
}

const linksSchema = `{
	"type": "object",
	"additionalProperties": {"type": "array", "items": {"type": "string"}}
}`

// ValidateBlob checks the known variant keys of a raw metadata blob against
// their schemas. Unknown keys are ignored; they belong to the extension map.
func ValidateBlob(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("metadata must be a JSON object: %w", err)
	}

	for key, sub := range raw {
		schemaSrc, ok := variantSchemas[key]
		if !ok {
			if key == "links" {
				schemaSrc = linksSchema
			} else {
				continue
			}
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaSrc))
		if err != nil {
			return err
		}
		res, err := schema.Validate(gojsonschema.NewBytesLoader(sub))
		if err != nil {
			return fmt.Errorf("validate %s metadata: %w", key, err)
		}
		if !res.Valid() {
			return fmt.Errorf("invalid %s metadata: %s", key, res.Errors()[0].String())
		}
	}

	return nil
}
