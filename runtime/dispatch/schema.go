package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/opforge/toolrun/runtime/tools"
)

// schemaCache compiles capability input schemas once and reuses them across
// dispatches. Entries key on the capability identifier plus a digest of the
// schema source so a capability sync with a changed schema recompiles.
type schemaCache struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
	printer  *message.Printer
}

func newSchemaCache() *schemaCache {
	return &schemaCache{
		compiled: make(map[string]*jsonschema.Schema),
		printer:  message.NewPrinter(language.English),
	}
}

// validate checks params against the capability's input schema. A nil or
// empty schema validates everything. Returns one string per violation.
func (c *schemaCache) validate(id tools.Ident, schema map[string]any, params map[string]any) ([]string, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	compiled, err := c.schema(id, schema)
	if err != nil {
		return nil, err
	}

	// Round-trip the parameters through JSON so numeric and nested types
	// match what the validator expects from decoded JSON.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}

	err = compiled.Validate(instance)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}, nil
	}
	var violations []string
	c.flatten(ve, &violations)
	return violations, nil
}

func (c *schemaCache) schema(id tools.Ident, schema map[string]any) (*jsonschema.Schema, error) {
	key := cacheKey(id, schema)
	c.mu.RLock()
	compiled, ok := c.compiled[key]
	c.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode input schema for %s: %w", id, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode input schema for %s: %w", id, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := "inline://" + id.String()
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("register input schema for %s: %w", id, err)
	}
	compiled, err = compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile input schema for %s: %w", id, err)
	}

	c.mu.Lock()
	c.compiled[key] = compiled
	c.mu.Unlock()
	return compiled, nil
}

// flatten collects leaf validation causes as "/path: message" strings.
func (c *schemaCache) flatten(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(c.printer)))
		return
	}
	for _, cause := range ve.Causes {
		c.flatten(cause, out)
	}
}

func cacheKey(id tools.Ident, schema map[string]any) string {
	raw, err := json.Marshal(schema)
	if err != nil {
		return id.String()
	}
	sum := sha256.Sum256(raw)
	return id.String() + ":" + hex.EncodeToString(sum[:8])
}
