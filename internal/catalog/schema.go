package catalog

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed path.schema.json
var pathSchemaJSON string

var (
	pathSchema     *gojsonschema.Schema
	pathSchemaErr  error
	pathSchemaOnce sync.Once
)

func compiledSchema() (*gojsonschema.Schema, error) {
	pathSchemaOnce.Do(func() {
		pathSchema, pathSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(pathSchemaJSON))
	})
	return pathSchema, pathSchemaErr
}

// ValidateDocument checks a decoded YAML document against the path schema.
// It catches structural mistakes (typos in keys, wrong types) before the
// semantic checks in Path.Validate run.
func ValidateDocument(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile path schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate document: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation failed:\n  %s", strings.Join(msgs, "\n  "))
}
