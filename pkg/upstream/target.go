package upstream

import (
	"net/http"
	"time"
)

// BaseTargetConfig captures settings shared by all transport types.
type BaseTargetConfig struct {
	// Timeout bounds connect, discovery, and invocation calls for this
	// target. Zero falls back to the connector option default.
	Timeout time.Duration
}

// StdioTargetConfig describes an upstream MCP server launched as a child
// process speaking stdio.
type StdioTargetConfig struct {
	BaseTargetConfig
	Command string
	Args    []string
	Env     map[string]string
}

func (c *StdioTargetConfig) base() *BaseTargetConfig { return &c.BaseTargetConfig }

// HTTPTargetConfig describes an upstream MCP server reachable over HTTP.
// The connector tries the Streamable transport first and falls back to
// SSE unless PreferSSE forces the order.
type HTTPTargetConfig struct {
	BaseTargetConfig
	Endpoint   string
	HTTPClient *http.Client
	Headers    http.Header
	MaxRetries int
	PreferSSE  *bool
}

func (c *HTTPTargetConfig) base() *BaseTargetConfig { return &c.BaseTargetConfig }

// TargetConfig is implemented by all transport-specific configurations.
type TargetConfig interface {
	base() *BaseTargetConfig
}
