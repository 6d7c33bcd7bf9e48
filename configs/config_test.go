package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/toolgate/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "toolgate.yaml", `
deployments:
  - deployments/echo.yaml
  - /abs/weather.json
  - github://acme/tools/deploy/search.yaml@main
consumers:
  - id: c1
    project: echo
    plan: pro
    apiKey: secret
  - id: c2
    project: echo
    plan: free
    apiKey: other
    active: false
`)
	t.Setenv("GATEWAY_CONFIG_FILE", path)
	t.Setenv("GATEWAY_LISTEN_ADDR", ":9999")
	t.Setenv("GATEWAY_ORIGIN_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.OriginTimeout)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, []string{filepath.Join(dir, "deployments/echo.yaml"), "/abs/weather.json", "github://acme/tools/deploy/search.yaml@main"}, cfg.DeploymentFiles)

	consumers, keys := cfg.DomainConsumers()
	require.Len(t, consumers, 2)
	assert.True(t, consumers[0].Active)
	assert.False(t, consumers[1].Active)
	assert.Equal(t, "secret", keys["c1"])
}

func TestLoad_EnvDeploymentFilesWin(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "toolgate.yaml", "deployments: [a.yaml]\n")
	t.Setenv("GATEWAY_CONFIG_FILE", path)
	t.Setenv("GATEWAY_DEPLOYMENT_FILES", "x.json,y.toml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"x.json", "y.toml"}, cfg.DeploymentFiles)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		t.Setenv("GATEWAY_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load()
		assert.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("redis queue without redis", func(t *testing.T) {
		t.Setenv("GATEWAY_CONFIG_FILE", "")
		t.Setenv("GATEWAY_QUEUE_BACKEND", "redis")
		_, err := Load()
		assert.ErrorContains(t, err, "GATEWAY_REDIS_ADDR")
	})

	t.Run("incomplete consumer", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "c.yaml", "consumers:\n  - id: c1\n")
		t.Setenv("GATEWAY_CONFIG_FILE", path)
		_, err := Load()
		assert.ErrorContains(t, err, "consumers[0]")
	})
}

func TestParsedLogLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO"} {
		c := Config{LogLevel: in}
		assert.Equal(t, want, c.ParsedLogLevel().String(), in)
	}
}

const echoYAML = `
name: Echo
slug: echo
origin:
  type: raw
  url: http://localhost:9000
  timeout: 5s
toolConfigs:
  - name: echo
    pure: true
    cacheControl: max-age=60
    rateLimit: {window: 60, limit: 5, mode: strict}
    inputSchema:
      type: object
      properties:
        text: {type: string}
pricingPlans:
  - name: Pro
    slug: pro
    lineItems:
      - slug: requests
        usageType: metered
        billingScheme: per_unit
        unitAmount: "0.002"
`

const echoTOML = `
name = "Echo"
slug = "echo"

[origin]
type = "raw"
url = "http://localhost:9000"
timeout = "5s"

[[toolConfigs]]
name = "echo"
pure = true
cacheControl = "max-age=60"
rateLimit = { window = 60, limit = 5, mode = "strict" }

[toolConfigs.inputSchema]
type = "object"

[toolConfigs.inputSchema.properties.text]
type = "string"

[[pricingPlans]]
name = "Pro"
slug = "pro"

[[pricingPlans.lineItems]]
slug = "requests"
usageType = "metered"
billingScheme = "per_unit"
unitAmount = "0.002"
`

const echoJSON = `{
  "name": "Echo",
  "slug": "echo",
  "origin": {"type": "raw", "url": "http://localhost:9000", "timeout": "5s"},
  "toolConfigs": [{
    "name": "echo", "pure": true, "cacheControl": "max-age=60",
    "rateLimit": {"window": 60, "limit": 5, "mode": "strict"},
    "inputSchema": {"type": "object", "properties": {"text": {"type": "string"}}}
  }],
  "pricingPlans": [{"name": "Pro", "slug": "pro", "lineItems": [
    {"slug": "requests", "usageType": "metered", "billingScheme": "per_unit", "unitAmount": "0.002"}
  ]}]
}`

func TestLoadDeploymentFile_Formats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"echo.yaml": echoYAML,
		"echo.toml": echoTOML,
		"echo.json": echoJSON,
	}

	var parsed []*domain.DeploymentConfig
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			cfg, err := LoadDeploymentFile(writeFile(t, dir, name, content))
			require.NoError(t, err)

			assert.Equal(t, "echo", cfg.Slug)
			assert.Equal(t, domain.OriginRaw, cfg.Origin.Type)
			assert.Equal(t, 5*time.Second, cfg.Origin.Timeout.Std())
			require.Len(t, cfg.ToolConfigs, 1)
			tc := cfg.ToolConfigs[0]
			require.NotNil(t, tc.Pure)
			assert.True(t, *tc.Pure)
			require.NotNil(t, tc.RateLimit)
			assert.Equal(t, time.Minute, tc.RateLimit.Window.Std())
			assert.Equal(t, domain.RateLimitStrict, tc.RateLimit.Mode)
			assert.Equal(t, "object", tc.InputSchema["type"])
			require.NotNil(t, cfg.PricingPlans[0].LineItems[0].UnitAmount)
			assert.Equal(t, "0.002", cfg.PricingPlans[0].LineItems[0].UnitAmount.String())
			parsed = append(parsed, cfg)
		})
	}

	// Every format decodes to the same config.
	require.Len(t, parsed, 3)
	assert.Equal(t, parsed[0], parsed[1])
	assert.Equal(t, parsed[1], parsed[2])
}

func TestParseDeployment_Errors(t *testing.T) {
	_, err := ParseDeployment([]byte(`{"name":"x","slgu":"typo"}`), FormatJSON)
	assert.ErrorContains(t, err, "unknown field")

	_, err = ParseDeployment([]byte("name: [unclosed"), FormatYAML)
	assert.ErrorContains(t, err, "invalid YAML")

	_, err = ParseDeployment([]byte("name = "), FormatTOML)
	assert.ErrorContains(t, err, "invalid TOML")

	_, err = FormatOf("deploy.ini")
	assert.Error(t, err)

	format, err := FormatOf("github://acme/tools/deploy/search.toml@v1")
	require.NoError(t, err)
	assert.Equal(t, FormatTOML, format)
}
