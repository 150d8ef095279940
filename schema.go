package caravan

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCacheSize bounds the compiled-schema cache. Catalogs rarely
// exceed a few dozen tools; collisions just recompile.
const schemaCacheSize = 128

// schemaValidator compiles JSON Schemas and validates tool arguments
// against them. Compiled schemas are cached keyed by schema text, so
// repeated calls to the same tool validate without recompiling.
type schemaValidator struct {
	cache *lru.Cache[string, *jsonschema.Schema]
}

func newSchemaValidator() *schemaValidator {
	cache, err := lru.New[string, *jsonschema.Schema](schemaCacheSize)
	if err != nil {
		// lru.New only errors on a non-positive size.
		panic(err)
	}
	return &schemaValidator{cache: cache}
}

// validate checks args against schemaBytes. An absent schema accepts
// anything; empty args validate as an empty object.
func (v *schemaValidator) validate(schemaBytes, args json.RawMessage) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	schema, err := v.compiled(schemaBytes)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(payload)
}

func (v *schemaValidator) compiled(schemaBytes json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaBytes)
	if s, ok := v.cache.Get(key); ok {
		return s, nil
	}

	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	v.cache.Add(key, s)
	return s, nil
}
