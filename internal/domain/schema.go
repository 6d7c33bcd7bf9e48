package domain

// JSONSchema is a JSON-schema document as decoded from configuration or
// derived from an origin. Keys follow JSON Schema / OpenAPI schema objects.
type JSONSchema map[string]interface{}

// PassthroughSchema returns an open object schema that accepts any properties.
func PassthroughSchema() JSONSchema {
	return JSONSchema{"type": "object"}
}

// APISchema represents a fetched origin description before conversion.
// It holds the raw data and metadata about where it came from.
type APISchema struct {
	// Source is the URL or file path the document was loaded from.
	Source string

	// Kind is the origin kind the document describes.
	Kind OriginKind

	// RawData holds the unprocessed document content.
	RawData []byte

	// ParsedData holds the library-specific parsed form, e.g. *openapi3.T.
	ParsedData interface{}
}
