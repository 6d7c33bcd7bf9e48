package openapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/i2y/toolgate/internal/adapter/outbound/httpinvoker"
	"github.com/i2y/toolgate/internal/domain"
)

// ErrDuplicateOperationID is returned when two operations share an operationId.
var ErrDuplicateOperationID = errors.New("duplicate operationId")

// maxSchemaDepth bounds recursive schema conversion.
const maxSchemaDepth = 32

// GeneratedTool pairs a derived tool with the route that invokes it.
type GeneratedTool struct {
	Tool  domain.ToolDescriptor
	Route httpinvoker.Route
}

// Generator derives tools from an OpenAPI document, one per operation.
type Generator struct {
	logger *slog.Logger
}

// NewGenerator creates a new OpenAPI Generator.
func NewGenerator(logger *slog.Logger) *Generator {
	return &Generator{
		logger: logger.With("component", "openapi_generator"),
	}
}

// Generate converts schema into tools. fallbackHost is used when the document
// has no usable servers entry.
func (g *Generator) Generate(schema domain.APISchema, fallbackHost string) ([]GeneratedTool, error) {
	log := g.logger.With(slog.String("source", schema.Source))

	doc, ok := schema.ParsedData.(*openapi3.T)
	if !ok || doc == nil {
		return nil, fmt.Errorf("invalid or missing parsed OpenAPI document in APISchema")
	}

	host, basePath, err := g.determineHostAndBasePath(schema.Source, doc.Servers)
	if err != nil {
		if fallbackHost == "" {
			return nil, fmt.Errorf("could not determine host/basePath from OpenAPI servers: %w", err)
		}
		u, perr := url.Parse(fallbackHost)
		if perr != nil {
			return nil, fmt.Errorf("invalid origin URL %s: %w", fallbackHost, perr)
		}
		host = u.Scheme + "://" + u.Host
		basePath = strings.TrimRight(u.Path, "/")
		log.Debug("Using origin URL as host", slog.String("host", host))
	}

	if doc.Paths == nil {
		return nil, nil
	}

	// Deterministic order so that names and errors are stable.
	paths := make([]string, 0, doc.Paths.Len())
	for p := range doc.Paths.Map() {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var generated []GeneratedTool
	seen := make(map[string]string)
	for _, p := range paths {
		pathItem := doc.Paths.Value(p)
		if pathItem == nil {
			continue
		}
		ops := pathItem.Operations()
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			op := ops[method]
			if op == nil {
				continue
			}
			name := toolName(p, method, op)
			where := strings.ToUpper(method) + " " + p
			if prev, dup := seen[name]; dup {
				return nil, fmt.Errorf("%w %q: %s and %s", ErrDuplicateOperationID, name, prev, where)
			}
			seen[name] = where

			params := mergeParameters(pathItem.Parameters, op.Parameters)
			input, err := inputSchema(params, op.RequestBody)
			if err != nil {
				return nil, fmt.Errorf("operation %s: %w", where, err)
			}

			description := op.Description
			if description == "" {
				description = op.Summary
			}
			if description == "" {
				description = fmt.Sprintf("Executes %s", where)
			}

			generated = append(generated, GeneratedTool{
				Tool: domain.ToolDescriptor{
					Name:         name,
					Description:  description,
					InputSchema:  input,
					OutputSchema: outputSchema(op.Responses),
				},
				Route: route(host, basePath, p, method, params, op),
			})
		}
	}

	log.Info("Generated tools from OpenAPI document", slog.Int("count", len(generated)))
	return generated, nil
}

// determineHostAndBasePath picks the first HTTP(S) server, resolving relative
// URLs against the document source.
func (g *Generator) determineHostAndBasePath(source string, servers openapi3.Servers) (string, string, error) {
	if len(servers) == 0 {
		return "", "", fmt.Errorf("no servers defined in OpenAPI document")
	}
	base, err := url.Parse(source)
	if err != nil {
		base = nil
	}

	for _, server := range servers {
		if server == nil || server.URL == "" {
			continue
		}
		raw := server.URL
		for name, v := range server.Variables {
			if v != nil {
				raw = strings.ReplaceAll(raw, "{"+name+"}", v.Default)
			}
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			g.logger.Warn("Could not parse server URL, skipping.", slog.String("url", raw), slog.Any("error", err))
			continue
		}
		resolved := parsed
		if !parsed.IsAbs() {
			if base == nil || !base.IsAbs() {
				continue
			}
			resolved = base.ResolveReference(parsed)
		}
		if (resolved.Scheme == "http" || resolved.Scheme == "https") && resolved.Host != "" {
			basePath := resolved.Path
			if len(basePath) > 1 && strings.HasSuffix(basePath, "/") {
				basePath = basePath[:len(basePath)-1]
			}
			return resolved.Scheme + "://" + resolved.Host, basePath, nil
		}
	}
	return "", "", fmt.Errorf("no suitable HTTP/HTTPS server URL found in OpenAPI document")
}

// toolName is the operationId, or method and static path segments when absent.
func toolName(path, method string, op *openapi3.Operation) string {
	if op.OperationID != "" {
		return op.OperationID
	}
	parts := []string{strings.ToLower(method)}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" || strings.HasPrefix(part, "{") {
			continue
		}
		parts = append(parts, sanitizeName(part))
	}
	return strings.Join(parts, "_")
}

// mergeParameters applies operation-level parameters over path-level ones.
func mergeParameters(pathParams, opParams openapi3.Parameters) []*openapi3.Parameter {
	type key struct{ in, name string }
	var order []key
	byKey := make(map[key]*openapi3.Parameter)
	for _, list := range []openapi3.Parameters{pathParams, opParams} {
		for _, ref := range list {
			if ref == nil || ref.Value == nil {
				continue
			}
			k := key{ref.Value.In, ref.Value.Name}
			if _, ok := byKey[k]; !ok {
				order = append(order, k)
			}
			byKey[k] = ref.Value
		}
	}
	out := make([]*openapi3.Parameter, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

// inputSchema combines path/query parameters and the JSON request body into one object schema.
func inputSchema(params []*openapi3.Parameter, body *openapi3.RequestBodyRef) (domain.JSONSchema, error) {
	props := make(map[string]interface{})
	var required []interface{}

	for _, p := range params {
		if p.In != openapi3.ParameterInPath && p.In != openapi3.ParameterInQuery {
			continue
		}
		s := convertSchemaRef(p.Schema, 0)
		if p.Description != "" {
			if _, has := s["description"]; !has {
				s["description"] = p.Description
			}
		}
		props[p.Name] = map[string]interface{}(s)
		if p.Required || p.In == openapi3.ParameterInPath {
			required = append(required, p.Name)
		}
	}

	if body != nil && body.Value != nil {
		if media := body.Value.Content.Get("application/json"); media != nil && media.Schema != nil && media.Schema.Value != nil {
			bodySchema := convertSchemaRef(media.Schema, 0)
			if bodySchema["type"] == "object" {
				if bodyProps, ok := bodySchema["properties"].(map[string]interface{}); ok {
					for name, prop := range bodyProps {
						if _, exists := props[name]; exists {
							return nil, fmt.Errorf("body field %q collides with a parameter", name)
						}
						props[name] = prop
					}
				}
				if req, ok := bodySchema["required"].([]interface{}); ok {
					required = append(required, req...)
				}
			} else {
				if _, exists := props["requestBody"]; exists {
					return nil, fmt.Errorf("cannot represent non-object request body when 'requestBody' is a parameter")
				}
				props["requestBody"] = map[string]interface{}(bodySchema)
				if body.Value.Required {
					required = append(required, "requestBody")
				}
			}
		}
	}

	s := domain.JSONSchema{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s, nil
}

// outputSchema converts the first 2xx JSON response schema, if any.
func outputSchema(responses *openapi3.Responses) domain.JSONSchema {
	if responses == nil {
		return nil
	}
	var resp *openapi3.ResponseRef
	for _, code := range []string{"200", "201"} {
		if r := responses.Value(code); r != nil {
			resp = r
			break
		}
	}
	if resp == nil {
		codes := make([]string, 0, responses.Len())
		for code := range responses.Map() {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			if strings.HasPrefix(code, "2") {
				resp = responses.Value(code)
				break
			}
		}
	}
	if resp == nil || resp.Value == nil {
		return nil
	}
	media := resp.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil || media.Schema.Value == nil {
		return nil
	}
	return convertSchemaRef(media.Schema, 0)
}

// convertSchemaRef converts a resolved schema into a plain JSON schema document.
func convertSchemaRef(ref *openapi3.SchemaRef, depth int) domain.JSONSchema {
	out := domain.JSONSchema{}
	if ref == nil || ref.Value == nil || depth > maxSchemaDepth {
		return out
	}
	s := ref.Value

	if s.Type != nil && len(*s.Type) > 0 {
		types := *s.Type
		if len(types) == 1 {
			out["type"] = types[0]
		} else {
			list := make([]interface{}, len(types))
			for i, t := range types {
				list[i] = t
			}
			out["type"] = list
		}
	}
	if s.Format != "" {
		out["format"] = s.Format
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Nullable {
		out["nullable"] = true
	}
	if s.Default != nil {
		out["default"] = s.Default
	}
	if s.Min != nil {
		out["minimum"] = *s.Min
	}
	if s.Max != nil {
		out["maximum"] = *s.Max
	}
	if s.MinLength != 0 {
		out["minLength"] = s.MinLength
	}
	if s.MaxLength != nil {
		out["maxLength"] = *s.MaxLength
	}
	if s.Pattern != "" {
		out["pattern"] = s.Pattern
	}

	if len(s.Properties) > 0 {
		props := make(map[string]interface{}, len(s.Properties))
		for name, prop := range s.Properties {
			props[name] = map[string]interface{}(convertSchemaRef(prop, depth+1))
		}
		out["properties"] = props
	}
	if len(s.Required) > 0 {
		req := make([]interface{}, len(s.Required))
		for i, r := range s.Required {
			req[i] = r
		}
		out["required"] = req
	}
	if s.Items != nil {
		out["items"] = map[string]interface{}(convertSchemaRef(s.Items, depth+1))
	}
	for key, refs := range map[string]openapi3.SchemaRefs{"anyOf": s.AnyOf, "oneOf": s.OneOf, "allOf": s.AllOf} {
		if len(refs) == 0 {
			continue
		}
		list := make([]interface{}, len(refs))
		for i, r := range refs {
			list[i] = map[string]interface{}(convertSchemaRef(r, depth+1))
		}
		out[key] = list
	}
	return out
}

// route creates the HTTP mapping used to invoke an operation.
func route(host, basePath, path, method string, params []*openapi3.Parameter, op *openapi3.Operation) httpinvoker.Route {
	r := httpinvoker.Route{
		Host:     host,
		BasePath: basePath,
		Method:   strings.ToUpper(method),
		Path:     path,
	}
	for _, p := range params {
		if p.In == openapi3.ParameterInQuery {
			r.QueryParams = append(r.QueryParams, p.Name)
		}
	}

	if op.RequestBody == nil || op.RequestBody.Value == nil || len(op.RequestBody.Value.Content) == 0 {
		return r
	}
	if media := op.RequestBody.Value.Content.Get("application/json"); media != nil && media.Schema != nil && media.Schema.Value != nil {
		r.ContentType = "application/json"
		if !media.Schema.Value.Type.Is("object") {
			r.BodyParam = "requestBody"
		}
		return r
	}
	types := make([]string, 0, len(op.RequestBody.Value.Content))
	for ct := range op.RequestBody.Value.Content {
		types = append(types, ct)
	}
	sort.Strings(types)
	r.ContentType = types[0]
	r.BodyParam = "requestBody"
	return r
}

// sanitizeName lowercases name and replaces separators with underscores.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	replacer := strings.NewReplacer(" ", "_", "-", "_", "/", "_", ".", "_")
	name = replacer.Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return strings.Trim(name, "_")
}
