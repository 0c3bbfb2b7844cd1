// Package gateway terminates the single external MCP endpoint of the
// aggregating proxy. It is a thin adapter: every inbound listing or
// invocation request maps one-to-one onto an aggregator call, and
// aggregator results flow back as protocol responses unmodified. The
// gateway holds no routing or retry logic of its own; it mirrors the
// current registry snapshot into the MCP server's advertised catalog
// whenever the aggregator publishes a new one.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/openserve-labs/mcp-aggregator/pkg/aggregator"
	"github.com/openserve-labs/mcp-aggregator/pkg/registry"
	"github.com/openserve-labs/mcp-aggregator/pkg/upstream"
)

// Gateway exposes the merged catalog of an Aggregator as one Streamable
// MCP server under a single HTTP endpoint.
type Gateway struct {
	agg  *aggregator.Aggregator
	opts Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	catalog *catalogMirror

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Gateway, mirrors the aggregator's current snapshot into
// the MCP server, and subscribes to future snapshot publications.
func New(agg *aggregator.Aggregator, opts *Options) (*Gateway, error) {
	if agg == nil {
		return nil, fmt.Errorf("gateway: aggregator is required")
	}
	options := opts.withDefaults()
	g := &Gateway{
		agg:  agg,
		opts: options,
	}
	g.catalog = newCatalogMirror()

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:           true,
		HasPrompts:         true,
		HasResources:       true,
		SubscribeHandler:   g.handleSubscribe,
		UnsubscribeHandler: g.handleUnsubscribe,
	})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	g.applySnapshot(agg.Snapshot())
	agg.OnSnapshot(g.applySnapshot)

	return g, nil
}

// Handler exposes the HTTP handler serving the Streamable endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ListenAndServe runs an HTTP server until the provided context is
// cancelled or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		srv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("gateway: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// applySnapshot mirrors one registry snapshot into the MCP server's
// advertised catalog, adding and removing registrations so connected
// sessions always list either the previous complete snapshot or the
// next one.
func (g *Gateway) applySnapshot(snap *registry.Snapshot) {
	changes := g.catalog.diff(snap)

	if len(changes.removedTools) > 0 {
		g.server.RemoveTools(changes.removedTools...)
	}
	if len(changes.removedPrompts) > 0 {
		g.server.RemovePrompts(changes.removedPrompts...)
	}
	if len(changes.removedResources) > 0 {
		g.server.RemoveResources(changes.removedResources...)
	}
	if len(changes.removedTemplates) > 0 {
		g.server.RemoveResourceTemplates(changes.removedTemplates...)
	}

	for _, desc := range changes.added {
		switch desc.Kind {
		case registry.KindTool:
			tool, ok := desc.Definition.(*mcp.Tool)
			if !ok {
				g.opts.Logger.Warn("skipping tool with unexpected definition", "name", desc.Name)
				continue
			}
			g.server.AddTool(tool, g.makeToolHandler(desc.Name))
		case registry.KindPrompt:
			prompt, ok := desc.Definition.(*mcp.Prompt)
			if !ok {
				g.opts.Logger.Warn("skipping prompt with unexpected definition", "name", desc.Name)
				continue
			}
			g.server.AddPrompt(prompt, g.makePromptHandler(desc.Name))
		case registry.KindResource:
			res, ok := desc.Definition.(*mcp.Resource)
			if !ok {
				g.opts.Logger.Warn("skipping resource with unexpected definition", "uri", desc.Name)
				continue
			}
			g.server.AddResource(res, g.makeResourceHandler(desc.Name))
		case registry.KindResourceTemplate:
			tpl, ok := desc.Definition.(*mcp.ResourceTemplate)
			if !ok {
				g.opts.Logger.Warn("skipping resource template with unexpected definition", "uri", desc.Name)
				continue
			}
			g.server.AddResourceTemplate(tpl, g.makeResourceTemplateHandler(desc.Name))
		}
	}

	g.opts.Logger.Info("catalog updated",
		"capabilities", snap.Len(),
		"targets", len(snap.Targets()))
}

func (g *Gateway) makeToolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any
		if req.Params != nil {
			args = req.Params.Arguments
		}
		result, err := g.agg.Invoke(ctx, registry.KindTool, name, args)
		if err != nil {
			return nil, err
		}
		res, ok := result.(*mcp.CallToolResult)
		if !ok {
			return nil, upstream.ProtocolFailure("", fmt.Errorf("unexpected tool result %T", result))
		}
		return res, nil
	}
}

func (g *Gateway) makePromptHandler(name string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		var args map[string]string
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		result, err := g.agg.Invoke(ctx, registry.KindPrompt, name, args)
		if err != nil {
			return nil, err
		}
		res, ok := result.(*mcp.GetPromptResult)
		if !ok {
			return nil, upstream.ProtocolFailure("", fmt.Errorf("unexpected prompt result %T", result))
		}
		return res, nil
	}
}

func (g *Gateway) makeResourceHandler(uri string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		result, err := g.agg.Invoke(ctx, registry.KindResource, uri, nil)
		if err != nil {
			return nil, err
		}
		res, ok := result.(*mcp.ReadResourceResult)
		if !ok {
			return nil, upstream.ProtocolFailure("", fmt.Errorf("unexpected resource result %T", result))
		}
		return res, nil
	}
}

func (g *Gateway) makeResourceTemplateHandler(templateURI string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		uri := templateURI
		if req != nil && req.Params != nil && req.Params.URI != "" {
			uri = req.Params.URI
		}
		result, err := g.agg.ReadTemplatedResource(ctx, templateURI, uri)
		if err != nil {
			return nil, err
		}
		res, ok := result.(*mcp.ReadResourceResult)
		if !ok {
			return nil, upstream.ProtocolFailure("", fmt.Errorf("unexpected resource result %T", result))
		}
		return res, nil
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, req *mcp.SubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("gateway: missing subscribe params")
	}
	return g.agg.SubscribeResource(ctx, req.Params.URI)
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, req *mcp.UnsubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("gateway: missing unsubscribe params")
	}
	return g.agg.UnsubscribeResource(ctx, req.Params.URI)
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, g.streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", g.streamHandler)
	}
	return cors.New(*g.opts.CORS).Handler(mux)
}
