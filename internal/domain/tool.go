package domain

import "net/http"

// Default cache directives applied at deployment build time.
const (
	DefaultPureCacheControl   = "public, max-age=31536000, s-maxage=31536000, stale-while-revalidate=3600"
	DefaultImpureCacheControl = "no-store"
)

// ToolConfig is a tool declaration as it appears in a deployment config.
// Optional fields are pointers so that defaults can be told apart from explicit values.
type ToolConfig struct {
	Name                string                    `json:"name"`
	Description         string                    `json:"description,omitempty"`
	Method              string                    `json:"method,omitempty"`
	Path                string                    `json:"path,omitempty"`
	InputSchema         JSONSchema                `json:"inputSchema,omitempty"`
	OutputSchema        JSONSchema                `json:"outputSchema,omitempty"`
	Example             map[string]interface{}    `json:"example,omitempty"`
	Pure                *bool                     `json:"pure,omitempty"`
	CacheControl        string                    `json:"cacheControl,omitempty"`
	RateLimit           *RateLimit                `json:"rateLimit,omitempty"`
	DisabledForFreePlan bool                      `json:"disabledForFreePlan,omitempty"`
	Enabled             *bool                     `json:"enabled,omitempty"`
	MeteredLineItems    []string                  `json:"meteredLineItems,omitempty"`
	PricingPlanConfig   map[string]ToolPlanConfig `json:"pricingPlanConfig,omitempty"`
}

// ToolPlanConfig overrides tool policy for consumers on one pricing plan.
type ToolPlanConfig struct {
	Enabled     *bool      `json:"enabled,omitempty"`
	ReportUsage *bool      `json:"reportUsage,omitempty"`
	RateLimit   *RateLimit `json:"rateLimit,omitempty"`
}

// ToolDescriptor is a fully resolved tool: every default has been applied.
type ToolDescriptor struct {
	Name                string                    `json:"name"`
	Description         string                    `json:"description,omitempty"`
	InputSchema         JSONSchema                `json:"inputSchema"`
	OutputSchema        JSONSchema                `json:"outputSchema,omitempty"`
	Pure                bool                      `json:"pure"`
	CacheControl        string                    `json:"cacheControl"`
	RateLimit           *RateLimit                `json:"rateLimit,omitempty"`
	DisabledForFreePlan bool                      `json:"disabledForFreePlan"`
	Enabled             bool                      `json:"enabled"`
	MeteredLineItems    []string                  `json:"meteredLineItems,omitempty"`
	PricingPlanConfig   map[string]ToolPlanConfig `json:"pricingPlanConfig,omitempty"`
}

// PlanConfig returns the override for planSlug, if any.
func (t *ToolDescriptor) PlanConfig(planSlug string) (ToolPlanConfig, bool) {
	cfg, ok := t.PricingPlanConfig[planSlug]
	return cfg, ok
}

// ToolCall is one invocation forwarded to an origin.
type ToolCall struct {
	Name    string
	Args    map[string]interface{}
	Headers http.Header
}

// OriginResult is the uniform result shape every origin adapter returns.
type OriginResult struct {
	// Body is a decoded JSON value (or a plain string for non-JSON responses).
	Body interface{}

	// StatusCode is the upstream status; zero for non-HTTP origins.
	StatusCode int

	// Quantity is the unit count reported by the origin; zero means one unit.
	Quantity int64
}

// Units returns the billable unit count of the result.
func (r *OriginResult) Units() int64 {
	if r == nil || r.Quantity <= 0 {
		return 1
	}
	return r.Quantity
}
