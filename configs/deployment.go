package configs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/i2y/toolgate/internal/adapter/outbound/github"
	"github.com/i2y/toolgate/internal/domain"
)

// Deployment file formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// FormatOf infers a deployment file format from its extension. A github://
// reference may carry an @ref suffix.
func FormatOf(path string) (string, error) {
	if github.IsRef(path) {
		if i := strings.LastIndexByte(path, '@'); i >= 0 {
			path = path[:i]
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported deployment file extension %q", filepath.Ext(path))
	}
}

// LoadDeploymentFile reads one deployment config from a local path or a
// github://owner/repo/path[@ref] reference.
func LoadDeploymentFile(path string) (*domain.DeploymentConfig, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	var data []byte
	if github.IsRef(path) {
		data, err = github.NewClient(nil, slog.Default()).Read(context.Background(), path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment file '%s': %w", path, err)
	}
	cfg, err := ParseDeployment(data, format)
	if err != nil {
		return nil, fmt.Errorf("deployment file '%s': %w", path, err)
	}
	return cfg, nil
}

// LoadDeploymentFiles reads every file, stopping at the first failure.
func LoadDeploymentFiles(paths []string) ([]*domain.DeploymentConfig, error) {
	cfgs := make([]*domain.DeploymentConfig, 0, len(paths))
	for _, p := range paths {
		cfg, err := LoadDeploymentFile(p)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

// ParseDeployment decodes a deployment config. YAML and TOML documents are
// normalized to JSON first so every format shares the JSON field names.
// Unknown fields are rejected.
func ParseDeployment(data []byte, format string) (*domain.DeploymentConfig, error) {
	raw := data
	switch format {
	case FormatJSON:
	case FormatYAML:
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize YAML: %w", err)
		}
		raw = b
	case FormatTOML:
		var doc map[string]interface{}
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("invalid TOML: %w", err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize TOML: %w", err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("unsupported deployment format %q", format)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg domain.DeploymentConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid deployment config: %w", err)
	}
	return &cfg, nil
}
