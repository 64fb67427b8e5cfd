package source

import (
	"bytes"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBase = "https://relaywatch.local/schemas/"

const (
	schemaWrites      = schemaBase + "writes.json"
	schemaPropagation = schemaBase + "propagation.json"
	schemaMetrics     = schemaBase + "metrics.json"
	schemaHistory     = schemaBase + "history.json"
)

const writesSchema = `{
  "type": "object",
  "required": ["writes"],
  "properties": {
    "writes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["subject", "predicate", "operation", "timestamp"],
        "properties": {
          "subject": {"type": "string"},
          "predicate": {"type": "string"},
          "operation": {"enum": ["Insert", "Update", "Delete"]},
          "timestamp": {"type": "integer"},
          "batchId": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

const propagationSchema = `{
  "type": "object",
  "required": ["events"],
  "properties": {
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["logicalTime", "indexName", "documentId", "operation", "wallTime"],
        "properties": {
          "logicalTime": {"type": "integer"},
          "indexName": {"type": "string"},
          "documentId": {"type": "string"},
          "operation": {"enum": ["Insert", "Update", "Delete"]},
          "wallTime": {"type": "integer"},
          "displayName": {"type": ["string", "null"]},
          "fieldChanges": {
            "type": ["object", "null"],
            "additionalProperties": {"type": "object"}
          }
        }
      }
    }
  }
}`

const statsSchema = `{
  "type": "object",
  "properties": {
    "median": {"type": "number"},
    "max": {"type": "number"},
    "p99": {"type": "number"}
  }
}`

const metricsSchema = `{
  "type": "object",
  "required": ["sources"],
  "properties": {
    "sources": {
      "type": "object",
      "propertyNames": {"enum": ["DirectQuery", "BatchCache", "IncrementalView"]},
      "additionalProperties": {
        "type": "object",
        "properties": {
          "response_time": ` + statsSchema + `,
          "reaction_time": ` + statsSchema + `,
          "sample_count": {"type": "integer"},
          "throughput": {"type": "number"}
        }
      }
    }
  }
}`

const pointsSchema = `{
  "type": ["array", "null"],
  "items": {
    "type": "object",
    "required": ["value", "timestamp"],
    "properties": {
      "value": {"type": "number"},
      "timestamp": {"type": "integer"}
    }
  }
}`

const historySchema = `{
  "type": "object",
  "required": ["sources"],
  "properties": {
    "sources": {
      "type": "object",
      "propertyNames": {"enum": ["DirectQuery", "BatchCache", "IncrementalView"]},
      "additionalProperties": {
        "type": "object",
        "properties": {
          "response_time": ` + pointsSchema + `,
          "reaction_time": ` + pointsSchema + `
        }
      }
    }
  }
}`

var responseSchemas = mustCompileSchemas(map[string]string{
	schemaWrites:      writesSchema,
	schemaPropagation: propagationSchema,
	schemaMetrics:     metricsSchema,
	schemaHistory:     historySchema,
})

func mustCompileSchemas(docs map[string]string) map[string]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	for name, text := range docs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			panic("source: invalid schema " + name + ": " + err.Error())
		}
		if err := compiler.AddResource(name, doc); err != nil {
			panic("source: add schema " + name + ": " + err.Error())
		}
	}
	out := make(map[string]*jsonschema.Schema, len(docs))
	for name := range docs {
		out[name] = compiler.MustCompile(name)
	}
	return out
}

// validatePayload checks a response body against a named schema.
func validatePayload(name string, payload []byte) error {
	schema, ok := responseSchemas[name]
	if !ok {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return malformed("%s: %v", name, err)
	}
	if err := schema.Validate(inst); err != nil {
		return malformed("%s: %v", name, err)
	}
	return nil
}
