package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed config.schema.json
var schemaJSON []byte

const schemaURL = "config.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// Schema returns the embedded JSON schema document.
func Schema() []byte {
	return bytes.Clone(schemaJSON)
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// validateSchema checks c against the embedded schema and returns one
// ValidationError per failing leaf.
func validateSchema(c *Config) ValidationErrors {
	s, err := compiledSchema()
	if err != nil {
		return ValidationErrors{{Field: "schema", Message: err.Error()}}
	}

	data, err := json.Marshal(c)
	if err != nil {
		return ValidationErrors{{Field: "schema", Message: err.Error()}}
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return ValidationErrors{{Field: "schema", Message: err.Error()}}
	}

	err = s.Validate(instance)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return ValidationErrors{{Field: "schema", Message: err.Error()}}
	}

	var errs ValidationErrors
	collectLeaves(ve, &errs)
	return errs
}

func collectLeaves(ve *jsonschema.ValidationError, out *ValidationErrors) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ValidationError{
			Field:   pointerToField(ve.InstanceLocation),
			Message: ve.Message,
		})
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, out)
	}
}

// pointerToField turns "/feeder/chunk_bytes" into "feeder.chunk_bytes".
func pointerToField(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return "(root)"
	}
	return strings.ReplaceAll(ptr, "/", ".")
}
