package gateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe.
	// Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler under a specific HTTP path.
	// Defaults to "/mcp".
	Path string
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// CORS overrides the cross-origin policy applied to the endpoint.
	// Defaults to allowing any origin with the methods and headers the
	// Streamable transport needs.
	CORS *cors.Options
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-aggregator",
			Title:   "MCP Aggregator",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.CORS == nil {
		opts.CORS = &cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "Mcp-Session-Id", "Last-Event-ID"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
