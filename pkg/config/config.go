// Package config loads the aggregator's configuration from a YAML file
// with environment-variable overrides.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (MCP_AGGREGATOR_* overrides)
//  2. Config file
//  3. Default values
//
// The order of the upstreams list is load-bearing: when two targets
// declare the same capability name, the earlier-listed target wins the
// collision tie-break.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openserve-labs/mcp-aggregator/pkg/aggregator"
	"github.com/openserve-labs/mcp-aggregator/pkg/upstream"
)

var (
	// ErrNoUpstreams indicates the config declares no upstream targets.
	ErrNoUpstreams = errors.New("no upstream targets configured")

	// ErrMissingTargetID indicates an upstream entry without an id.
	ErrMissingTargetID = errors.New("upstream target id is required")

	// ErrDuplicateTarget indicates two upstream entries share an id.
	ErrDuplicateTarget = errors.New("duplicate upstream target id")

	// ErrAmbiguousTransport indicates an upstream entry that sets both
	// (or neither of) endpoint and command.
	ErrAmbiguousTransport = errors.New("upstream target needs exactly one of endpoint or command")
)

// UpstreamConfig is one entry of the ordered upstream targets list.
type UpstreamConfig struct {
	ID string `mapstructure:"id"`

	// Endpoint selects the HTTP transport (Streamable with SSE fallback).
	Endpoint   string            `mapstructure:"endpoint"`
	Headers    map[string]string `mapstructure:"headers"`
	MaxRetries int               `mapstructure:"max_retries"`
	PreferSSE  *bool             `mapstructure:"prefer_sse"`

	// Command selects the stdio transport.
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`

	Timeout time.Duration `mapstructure:"timeout"`
}

// Config is the full configuration surface of the proxy.
type Config struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`

	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`

	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Upstreams []UpstreamConfig `mapstructure:"upstreams"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("name", "mcp-aggregator")
	v.SetDefault("version", "1.0.0")
	v.SetDefault("listen", ":8700")
	v.SetDefault("path", "/mcp")
	v.SetDefault("default_timeout", 30*time.Second)
	v.SetDefault("reconcile_interval", 30*time.Second)

	v.SetConfigFile(path)
	v.SetEnvPrefix("MCP_AGGREGATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Upstreams) == 0 {
		return ErrNoUpstreams
	}
	seen := make(map[string]struct{}, len(c.Upstreams))
	for i, up := range c.Upstreams {
		if up.ID == "" {
			return fmt.Errorf("%w: upstreams[%d]", ErrMissingTargetID, i)
		}
		if _, dup := seen[up.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTarget, up.ID)
		}
		seen[up.ID] = struct{}{}
		hasEndpoint := up.Endpoint != ""
		hasCommand := up.Command != ""
		if hasEndpoint == hasCommand {
			return fmt.Errorf("%w: %q", ErrAmbiguousTransport, up.ID)
		}
	}
	return nil
}

// TargetSpecs converts the ordered upstream entries into aggregator
// target specs, preserving configuration order.
func (c *Config) TargetSpecs() []aggregator.TargetSpec {
	specs := make([]aggregator.TargetSpec, 0, len(c.Upstreams))
	for _, up := range c.Upstreams {
		base := upstream.BaseTargetConfig{Timeout: up.Timeout}
		var target upstream.TargetConfig
		if up.Command != "" {
			target = &upstream.StdioTargetConfig{
				BaseTargetConfig: base,
				Command:          up.Command,
				Args:             up.Args,
				Env:              up.Env,
			}
		} else {
			target = &upstream.HTTPTargetConfig{
				BaseTargetConfig: base,
				Endpoint:         up.Endpoint,
				Headers:          headerFromMap(up.Headers),
				MaxRetries:       up.MaxRetries,
				PreferSSE:        up.PreferSSE,
			}
		}
		specs = append(specs, aggregator.TargetSpec{ID: up.ID, Config: target})
	}
	return specs
}

func headerFromMap(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
