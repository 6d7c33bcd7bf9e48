package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OriginKind selects the origin adapter variant.
type OriginKind string

const (
	OriginRaw     OriginKind = "raw"
	OriginOpenAPI OriginKind = "openapi"
	OriginMCP     OriginKind = "mcp"
)

// Valid reports whether k is a known origin kind.
func (k OriginKind) Valid() bool {
	switch k {
	case OriginRaw, OriginOpenAPI, OriginMCP:
		return true
	}
	return false
}

// Origin describes the upstream service of a deployment.
type Origin struct {
	Type OriginKind `json:"type"`

	// URL is the base URL (raw, openapi) or the MCP endpoint.
	URL string `json:"url"`

	// Spec is the OpenAPI document location (URL, file or github:// reference); auto-discovered from URL when empty.
	Spec string `json:"spec,omitempty"`

	// Transport is the MCP transport, "sse" or "http".
	Transport string            `json:"transport,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timeout   Duration          `json:"timeout,omitempty"`
}

// DeploymentConfig is the validated in-memory form of a project's configuration.
type DeploymentConfig struct {
	Name             string            `json:"name"`
	Slug             string            `json:"slug"`
	Description      string            `json:"description,omitempty"`
	Origin           Origin            `json:"origin"`
	ToolConfigs      []ToolConfig      `json:"toolConfigs,omitempty"`
	PricingPlans     []PricingPlan     `json:"pricingPlans,omitempty"`
	PricingIntervals []PricingInterval `json:"pricingIntervals,omitempty"`
}

// Deployment is an immutable snapshot of one project's configuration.
type Deployment struct {
	ID          string           `json:"id"`
	ProjectSlug string           `json:"projectSlug"`
	Version     int              `json:"version"`
	Hash        string           `json:"hash"`
	Config      DeploymentConfig `json:"config"`
	Tools       []ToolDescriptor `json:"tools"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Tool returns the resolved tool called name.
func (d *Deployment) Tool(name string) (*ToolDescriptor, bool) {
	for i := range d.Tools {
		if d.Tools[i].Name == name {
			return &d.Tools[i], true
		}
	}
	return nil, false
}

// Plan resolves the plan a consumer subscribes to. A plan without an interval
// matches every interval; otherwise the intervals must be equal. A consumer
// without an interval takes the first plan with the slug.
func (d *Deployment) Plan(slug string, interval PricingInterval) (*PricingPlan, bool) {
	var fallback *PricingPlan
	for i := range d.Config.PricingPlans {
		p := &d.Config.PricingPlans[i]
		if p.Slug != slug {
			continue
		}
		switch {
		case interval != "" && p.Interval == interval:
			return p, true
		case p.Interval == "":
			if fallback == nil || fallback.Interval != "" {
				fallback = p
			}
		case interval == "" && fallback == nil:
			fallback = p
		}
	}
	return fallback, fallback != nil
}

// RateLimitMode selects how strictly a rate limit is coordinated.
type RateLimitMode string

const (
	RateLimitStrict      RateLimitMode = "strict"
	RateLimitApproximate RateLimitMode = "approximate"
)

// RateLimit is a per-(consumer, tool) request budget over a window.
type RateLimit struct {
	Window Duration      `json:"window"`
	Limit  int           `json:"limit"`
	Mode   RateLimitMode `json:"mode,omitempty"`
}

// Duration decodes from "90s"-style strings or from a number of seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(s))
	}
	return d.UnmarshalText(data)
}
