package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "world": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "root": {"type": "string"},
        "name": {"type": "string"},
        "seed": {"type": "integer"},
        "height": {"type": "integer", "minimum": 1},
        "spawn_radius": {"type": "integer", "minimum": 0}
      }
    },
    "chunk": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "format": {"enum": ["linear", "anvil", "mca"]},
        "compression": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "algorithm": {"enum": ["gzip", "zlib", "none"]},
            "level": {"type": "integer"}
          }
        }
      }
    },
    "cache": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "generation_workers": {"type": "integer", "minimum": 0},
        "clean_memory_interval": {"type": "string"},
        "fetch_buffer": {"type": "integer", "minimum": 1},
        "region_parallelism": {"type": "integer", "minimum": 0}
      }
    },
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "addr": {"type": "string"},
        "fetch_rate": {"type": "number", "exclusiveMinimum": 0},
        "fetch_burst": {"type": "integer", "minimum": 1},
        "max_fetch": {"type": "integer", "minimum": 1}
      }
    },
    "index": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "backend": {"enum": ["sqlite", "none"]},
        "path": {"type": "string"}
      }
    },
    "journal": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "dir": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("config.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// validateSchema checks the raw YAML document, so unknown keys and wrong
// types are reported with their location before decoding.
func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// Round-trip through JSON to get the value shapes the validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	return s.Validate(v)
}
