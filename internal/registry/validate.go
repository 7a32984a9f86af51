package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomworks/loom/pkg/models"
)

// schemaCache compiles tool parameter schemas once per manifest version.
// The cache key is the tool name; the rendered schema JSON is kept alongside
// the compiled form so a changed manifest invalidates the entry.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*compiledSchema
}

type compiledSchema struct {
	source string
	schema *jsonschema.Schema
}

func (c *schemaCache) validate(def *models.ToolDefinition, args map[string]any) error {
	source, err := json.Marshal(def.ParametersSchema())
	if err != nil {
		return fmt.Errorf("registry: render schema for %s: %w", def.Name, err)
	}

	c.mu.Lock()
	if c.compiled == nil {
		c.compiled = make(map[string]*compiledSchema)
	}
	entry := c.compiled[def.Name]
	if entry == nil || entry.source != string(source) {
		schema, err := jsonschema.CompileString(def.Name+".schema.json", string(source))
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("registry: compile schema for %s: %w", def.Name, err)
		}
		entry = &compiledSchema{source: string(source), schema: schema}
		c.compiled[def.Name] = entry
	}
	c.mu.Unlock()

	// Round-trip through JSON so native Go values (int, typed slices)
	// become the plain decoded forms the validator expects.
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return &models.ValidationError{Field: "arguments", Reason: err.Error()}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return &models.ValidationError{Field: "arguments", Reason: err.Error()}
	}
	if err := entry.schema.Validate(decoded); err != nil {
		return &models.ValidationError{Field: "arguments", Reason: err.Error()}
	}
	return nil
}
