// Package schema validates tool arguments against JSON-schema documents.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/i2y/toolgate/internal/domain"
)

// defaultOptions is built on first use and never modified afterwards.
var defaultOptions = sync.OnceValue(func() []openapi3.SchemaValidationOption {
	return []openapi3.SchemaValidationOption{
		openapi3.MultiErrors(),
		openapi3.VisitAsRequest(),
	}
})

// Keywords the schema engine does not model; they carry no validation meaning here.
var ignoredKeywords = []string{"$schema", "$id", "$comment"}

// Compiled is a schema ready for repeated validation.
type Compiled struct {
	schema *openapi3.Schema
}

// Compile parses and checks a schema document.
func Compile(doc domain.JSONSchema) (*Compiled, error) {
	if len(doc) == 0 {
		doc = domain.PassthroughSchema()
	}
	cleaned := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		cleaned[k] = v
	}
	for _, k := range ignoredKeywords {
		delete(cleaned, k)
	}

	raw, err := json.Marshal(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	s := openapi3.NewSchema()
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := s.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Compiled{schema: s}, nil
}

// Validate checks data and returns it normalized to plain JSON values.
// Every violation is reported in a single *domain.ValidationError.
func (c *Compiled) Validate(data interface{}) (interface{}, error) {
	value, err := normalize(data)
	if err != nil {
		return nil, &domain.ValidationError{Violations: []domain.Violation{{Message: err.Error()}}}
	}
	if err := c.schema.VisitJSON(value, defaultOptions()...); err != nil {
		var violations []domain.Violation
		collect(err, &violations)
		sort.SliceStable(violations, func(i, j int) bool { return violations[i].Path < violations[j].Path })
		return nil, &domain.ValidationError{Violations: violations}
	}
	return value, nil
}

// Validate compiles doc and validates data against it.
func Validate(doc domain.JSONSchema, data interface{}) (interface{}, error) {
	c, err := Compile(doc)
	if err != nil {
		return nil, err
	}
	return c.Validate(data)
}

func normalize(data interface{}) (interface{}, error) {
	var raw []byte
	switch v := data.(type) {
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("arguments are not JSON: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return value, nil
}

func collect(err error, out *[]domain.Violation) {
	switch e := err.(type) {
	case openapi3.MultiError:
		for _, inner := range e {
			collect(inner, out)
		}
	case *openapi3.SchemaError:
		if nested, ok := e.Origin.(openapi3.MultiError); ok && len(nested) > 0 {
			collect(nested, out)
			return
		}
		path := ""
		if ptr := e.JSONPointer(); len(ptr) > 0 {
			path = "/" + strings.Join(ptr, "/")
		}
		reason := e.Reason
		if reason == "" {
			reason = e.Error()
		}
		*out = append(*out, domain.Violation{Path: path, Message: reason})
	default:
		*out = append(*out, domain.Violation{Message: err.Error()})
	}
}

// Cache memoizes compiled schemas by key.
type Cache struct {
	mu    sync.RWMutex
	items map[string]*Compiled
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{items: make(map[string]*Compiled)}
}

// Get returns the compiled schema for key, compiling doc on a miss.
func (c *Cache) Get(key string, doc domain.JSONSchema) (*Compiled, error) {
	c.mu.RLock()
	compiled, ok := c.items[key]
	c.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := Compile(doc)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.items[key] = compiled
	c.mu.Unlock()
	return compiled, nil
}
