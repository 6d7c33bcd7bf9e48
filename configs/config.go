package configs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/i2y/toolgate/internal/adapter/outbound/github"
	"github.com/i2y/toolgate/internal/domain"
)

const defaultConfigFile = "configs/toolgate.yaml"

// ConsumerConfig declares a consumer and its API key in the config file.
type ConsumerConfig struct {
	ID       string `yaml:"id"`
	Project  string `yaml:"project"`
	Plan     string `yaml:"plan"`
	Interval string `yaml:"interval,omitempty"`
	APIKey   string `yaml:"apiKey"`
	Active   *bool  `yaml:"active,omitempty"`
}

// FileConfig defines the structure loaded from the YAML configuration file.
type FileConfig struct {
	Deployments []string         `yaml:"deployments"`
	Consumers   []ConsumerConfig `yaml:"consumers"`
}

// Config holds the final gateway configuration, merged from file and environment variables.
// Fields are loaded from environment variables with the prefix "GATEWAY_", potentially overriding file settings.
type Config struct {
	ConfigFilePath string `envconfig:"CONFIG_FILE" default:"configs/toolgate.yaml"`

	// DeploymentFiles come from the file's deployments list unless GATEWAY_DEPLOYMENT_FILES is set.
	// Relative paths are resolved against the config file's directory; github:// references are kept.
	DeploymentFiles []string `envconfig:"DEPLOYMENT_FILES"`

	Consumers []ConsumerConfig `ignored:"true"`

	ListenAddr         string        `envconfig:"LISTEN_ADDR" default:":8080"`
	AdminToken         string        `envconfig:"ADMIN_TOKEN"`
	BaseDomain         string        `envconfig:"BASE_DOMAIN"`
	OriginTimeout      time.Duration `envconfig:"ORIGIN_TIMEOUT" default:"30s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	ServerReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	ServerWriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	ServerIdleTimeout  time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`

	// Redis backs rate limits, the cache and optionally the usage queue.
	// Everything stays in process when RedisAddr is empty.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// DatabaseDriver is sqlite, postgres, or empty to log usage instead of storing it.
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite"`
	DatabaseDSN    string `envconfig:"DATABASE_DSN" default:"toolgate.db"`

	QueueBackend             string        `envconfig:"QUEUE_BACKEND" default:"memory"`
	QueueCapacity            int           `envconfig:"QUEUE_CAPACITY" default:"10000"`
	CacheCapacity            int           `envconfig:"CACHE_CAPACITY" default:"10000"`
	CacheLeaseWait           time.Duration `envconfig:"CACHE_LEASE_WAIT" default:"2s"`
	ApproximateFlushInterval time.Duration `envconfig:"APPROXIMATE_FLUSH_INTERVAL" default:"1s"`
	MeteringBatchSize        int           `envconfig:"METERING_BATCH_SIZE" default:"100"`
	MeteringBatchTimeout     time.Duration `envconfig:"METERING_BATCH_TIMEOUT" default:"1s"`
	MeteringMaxRetries       int           `envconfig:"METERING_MAX_RETRIES" default:"3"`
	MeteringRetryBackoff     time.Duration `envconfig:"METERING_RETRY_BACKOFF" default:"200ms"`

	OtelExporterOtlpEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	LogLevel                 string `envconfig:"LOG_LEVEL" default:"info"`
}

// ParsedLogLevel returns the slog.Level based on the configured LogLevel string.
func (c *Config) ParsedLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		fallthrough
	default:
		return slog.LevelInfo
	}
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error
	switch c.QueueBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("GATEWAY_QUEUE_BACKEND=redis needs GATEWAY_REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.QueueBackend))
	}
	switch c.DatabaseDriver {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.DatabaseDriver))
	}
	if c.OriginTimeout <= 0 {
		errs = append(errs, errors.New("origin timeout must be positive"))
	}
	for i, cc := range c.Consumers {
		if cc.ID == "" || cc.Project == "" || cc.Plan == "" || cc.APIKey == "" {
			errs = append(errs, fmt.Errorf("consumers[%d]: id, project, plan and apiKey are required", i))
		}
	}
	return errors.Join(errs...)
}

// DomainConsumers converts the configured consumers. The map is keyed by consumer id
// and holds the plaintext API key.
func (c *Config) DomainConsumers() ([]*domain.Consumer, map[string]string) {
	consumers := make([]*domain.Consumer, 0, len(c.Consumers))
	keys := make(map[string]string, len(c.Consumers))
	for _, cc := range c.Consumers {
		consumers = append(consumers, &domain.Consumer{
			ID:          cc.ID,
			ProjectSlug: cc.Project,
			PlanSlug:    cc.Plan,
			Interval:    domain.PricingInterval(cc.Interval),
			Active:      cc.Active == nil || *cc.Active,
		})
		keys[cc.ID] = cc.APIKey
	}
	return consumers, keys
}

// Load loads configuration first from environment variables (to get file path),
// then from the YAML file named by GATEWAY_CONFIG_FILE, and finally merges/overrides with environment variables again.
func Load() (*Config, error) {
	var initialCfg Config
	if err := envconfig.Process("gateway", &initialCfg); err != nil {
		return nil, fmt.Errorf("failed to process initial environment variables: %w", err)
	}

	fileCfg := FileConfig{}
	if initialCfg.ConfigFilePath != "" {
		yamlFile, err := os.ReadFile(initialCfg.ConfigFilePath)
		switch {
		case errors.Is(err, os.ErrNotExist) && initialCfg.ConfigFilePath == defaultConfigFile:
			slog.Info("Default config file not found, using env vars only.", "path", initialCfg.ConfigFilePath)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file '%s': %w", initialCfg.ConfigFilePath, err)
		default:
			if err := yaml.Unmarshal(yamlFile, &fileCfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config file '%s': %w", initialCfg.ConfigFilePath, err)
			}
			slog.Info("Loaded configuration from file.", "path", initialCfg.ConfigFilePath)
		}
	} else {
		slog.Info("No config file path specified (GATEWAY_CONFIG_FILE), using defaults/env vars only.")
	}

	finalCfg := initialCfg
	finalCfg.Consumers = fileCfg.Consumers
	if len(finalCfg.DeploymentFiles) == 0 {
		base := filepath.Dir(initialCfg.ConfigFilePath)
		for _, p := range fileCfg.Deployments {
			if !filepath.IsAbs(p) && !github.IsRef(p) {
				p = filepath.Join(base, p)
			}
			finalCfg.DeploymentFiles = append(finalCfg.DeploymentFiles, p)
		}
	}

	if err := envconfig.Process("gateway", &finalCfg); err != nil {
		return nil, fmt.Errorf("failed to process overriding environment variables: %w", err)
	}
	if err := finalCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &finalCfg, nil
}
