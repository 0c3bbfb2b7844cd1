// Package upstream owns the persistent logical connection to one
// upstream MCP server: dialing its transport, discovering the full
// capability catalog it exposes, and forwarding invocations. Exactly one
// Connector exists per configured target and it shares no mutable state
// with other connectors. Connect never returns an error past this
// boundary; callers observe connection state transitions instead.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openserve-labs/mcp-aggregator/pkg/registry"
)

// State tracks the connector lifecycle.
type State string

const (
	StatePending     State = "pending"
	StateConnected   State = "connected"
	StateDiscovering State = "discovering"
	StateReady       State = "ready"
	StateUnreachable State = "unreachable"
	StateFailed      State = "failed"
)

// Options configure a Connector.
type Options struct {
	// ClientName and ClientVersion identify the proxy to the upstream
	// during initialization. ClientName defaults to the target id.
	ClientName    string
	ClientVersion string
	// DefaultTimeout applies when the target config omits a timeout.
	DefaultTimeout time.Duration
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// OnDisconnect is invoked (off the caller's goroutine) after the
	// session to the target dies.
	OnDisconnect func(target string)
	// OnCatalogChanged is invoked when the upstream announces that its
	// tool, prompt, or resource list changed.
	OnCatalogChanged func(target string)
}

// Connector holds the single logical connection to one upstream target.
type Connector struct {
	id      string
	cfg     TargetConfig
	opts    Options
	logger  *slog.Logger
	timeout time.Duration

	mu          sync.Mutex
	state       State
	lastErr     error
	client      *mcp.Client
	session     *mcp.ClientSession
	generation  int
	descriptors []registry.Descriptor
}

// New builds a Connector in state pending. It does not dial.
func New(id string, cfg TargetConfig, opts Options) *Connector {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	timeout := cfg.base().Timeout
	if timeout <= 0 {
		timeout = opts.DefaultTimeout
	}
	return &Connector{
		id:      id,
		cfg:     cfg,
		opts:    opts,
		logger:  opts.Logger.With("target", id),
		timeout: timeout,
		state:   StatePending,
	}
}

// ID returns the configured target id.
func (c *Connector) ID() string { return c.id }

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error recorded by the last failed transition, if any.
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Descriptors returns the descriptor set captured by the last successful
// discovery. The returned slice is a copy.
func (c *Connector) Descriptors() []registry.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]registry.Descriptor(nil), c.descriptors...)
}

// Connect establishes the logical connection and, on success,
// immediately runs discovery. Transport errors transition the connector
// to unreachable; discovery errors transition it to failed. The
// resulting state is returned; Connect never raises.
func (c *Connector) Connect(ctx context.Context) State {
	c.mu.Lock()
	if c.session != nil && c.state == StateReady {
		c.mu.Unlock()
		return StateReady
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session, client, err := c.dial(dialCtx)
	if err != nil {
		c.transition(StateUnreachable, err)
		c.logger.Warn("upstream unreachable", "error", err)
		return StateUnreachable
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.session = session
	c.client = client
	c.state = StateConnected
	c.lastErr = nil
	c.mu.Unlock()
	go c.monitor(session, gen)

	if _, err := c.Discover(ctx); err != nil {
		return c.State()
	}
	return StateReady
}

// Discover queries the upstream for its full catalog. On success the
// connector stores the descriptor set and transitions to ready; on
// protocol error or timeout it transitions to failed. A new discovery
// cycle replaces, never mutates, the previous descriptor set.
func (c *Connector) Discover(ctx context.Context) ([]registry.Descriptor, error) {
	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		err := TransportFailure(c.id, errors.New("not connected"))
		return nil, err
	}
	c.state = StateDiscovering
	c.mu.Unlock()

	discCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	descriptors, err := c.listCatalog(discCtx, session)
	if err != nil {
		var fail *Failure
		switch {
		case discCtx.Err() != nil:
			// A timed-out discovery cycle marks the target failed; the
			// session itself may still be healthy.
			fail = ProtocolFailure(c.id, fmt.Errorf("discovery timed out: %w", err))
			c.transition(StateFailed, fail)
		case isConnectionError(err):
			fail = TransportFailure(c.id, err)
			c.transition(StateUnreachable, fail)
		default:
			fail = ProtocolFailure(c.id, err)
			c.transition(StateFailed, fail)
		}
		c.logger.Warn("discovery failed", "error", err)
		return nil, fail
	}

	c.mu.Lock()
	c.descriptors = descriptors
	c.state = StateReady
	c.lastErr = nil
	c.mu.Unlock()
	c.logger.Info("discovery complete", "capabilities", len(descriptors))
	return append([]registry.Descriptor(nil), descriptors...), nil
}

func (c *Connector) listCatalog(ctx context.Context, session *mcp.ClientSession) ([]registry.Descriptor, error) {
	var out []registry.Descriptor

	tools, err := session.ListTools(ctx, nil)
	switch {
	case err == nil:
		for _, tool := range tools.Tools {
			out = append(out, registry.Descriptor{
				Kind: registry.KindTool, Name: tool.Name, Target: c.id, Definition: tool,
			})
		}
	case !isMethodUnavailable(err, "tools/list"):
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	resources, err := session.ListResources(ctx, nil)
	switch {
	case err == nil:
		for _, res := range resources.Resources {
			out = append(out, registry.Descriptor{
				Kind: registry.KindResource, Name: res.URI, Target: c.id, Definition: res,
			})
		}
	case !isMethodUnavailable(err, "resources/list"):
		return nil, fmt.Errorf("resources/list: %w", err)
	}

	templates, err := session.ListResourceTemplates(ctx, nil)
	switch {
	case err == nil:
		for _, tpl := range templates.ResourceTemplates {
			out = append(out, registry.Descriptor{
				Kind: registry.KindResourceTemplate, Name: tpl.URITemplate, Target: c.id, Definition: tpl,
			})
		}
	case !isMethodUnavailable(err, "resources/templates/list"):
		return nil, fmt.Errorf("resources/templates/list: %w", err)
	}

	prompts, err := session.ListPrompts(ctx, nil)
	switch {
	case err == nil:
		for _, prompt := range prompts.Prompts {
			out = append(out, registry.Descriptor{
				Kind: registry.KindPrompt, Name: prompt.Name, Target: c.id, Definition: prompt,
			})
		}
	case !isMethodUnavailable(err, "prompts/list"):
		return nil, fmt.Errorf("prompts/list: %w", err)
	}

	return out, nil
}

// Invoke forwards one capability call verbatim and returns the
// upstream's response unmodified. It is valid only in state ready. If
// the connection drops mid-call the connector transitions to
// unreachable and the caller receives a retryable transport failure;
// the connector does not reconnect on its own.
func (c *Connector) Invoke(ctx context.Context, kind registry.Kind, name string, args any) (any, error) {
	c.mu.Lock()
	session := c.session
	state := c.state
	c.mu.Unlock()
	if state != StateReady || session == nil {
		return nil, TransportFailure(c.id, fmt.Errorf("target not ready (state %s)", state))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch kind {
	case registry.KindTool:
		result, err = session.CallTool(callCtx, &mcp.CallToolParams{Name: name, Arguments: args})
	case registry.KindResource, registry.KindResourceTemplate:
		result, err = session.ReadResource(callCtx, &mcp.ReadResourceParams{URI: name})
	case registry.KindPrompt:
		promptArgs, _ := args.(map[string]string)
		result, err = session.GetPrompt(callCtx, &mcp.GetPromptParams{Name: name, Arguments: promptArgs})
	default:
		return nil, ProtocolFailure(c.id, fmt.Errorf("unsupported capability kind %q", kind))
	}
	if err == nil {
		return result, nil
	}

	// Check for a timeout before the connection-error heuristics: a
	// deadline error satisfies net.Error, but a slow call says nothing
	// about transport health, so the connector stays ready.
	if callCtx.Err() != nil {
		return nil, TransportFailure(c.id, fmt.Errorf("%s %q timed out: %w", kind, name, callCtx.Err()))
	}
	if isConnectionError(err) {
		c.transition(StateUnreachable, err)
		c.logger.Warn("connection lost mid-call", "kind", kind, "name", name, "error", err)
		return nil, TransportFailure(c.id, err)
	}
	// The upstream executed the call and reported a failure; surface it
	// to the caller untouched.
	return nil, UpstreamFailure(c.id, err)
}

// Subscribe forwards a resource subscription to the upstream.
func (c *Connector) Subscribe(ctx context.Context, uri string) error {
	return c.subscription(ctx, uri, true)
}

// Unsubscribe cancels a resource subscription on the upstream.
func (c *Connector) Unsubscribe(ctx context.Context, uri string) error {
	return c.subscription(ctx, uri, false)
}

func (c *Connector) subscription(ctx context.Context, uri string, subscribe bool) error {
	c.mu.Lock()
	session := c.session
	state := c.state
	c.mu.Unlock()
	if state != StateReady || session == nil {
		return TransportFailure(c.id, fmt.Errorf("target not ready (state %s)", state))
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var err error
	if subscribe {
		err = session.Subscribe(callCtx, &mcp.SubscribeParams{URI: uri})
	} else {
		err = session.Unsubscribe(callCtx, &mcp.UnsubscribeParams{URI: uri})
	}
	if err == nil {
		return nil
	}
	if callCtx.Err() != nil {
		return TransportFailure(c.id, fmt.Errorf("subscription for %q timed out: %w", uri, callCtx.Err()))
	}
	if isConnectionError(err) {
		c.transition(StateUnreachable, err)
		return TransportFailure(c.id, err)
	}
	return UpstreamFailure(c.id, err)
}

// Ping checks liveness of the current session.
func (c *Connector) Ping(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return TransportFailure(c.id, errors.New("not connected"))
	}
	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := session.Ping(pingCtx, nil); err != nil {
		return TransportFailure(c.id, err)
	}
	return nil
}

// Close tears down the session, if any.
func (c *Connector) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.client = nil
	c.generation++
	c.state = StatePending
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

func (c *Connector) transition(state State, err error) {
	c.mu.Lock()
	var stale *mcp.ClientSession
	c.state = state
	c.lastErr = err
	if state == StateUnreachable {
		stale = c.session
		c.session = nil
		c.client = nil
		c.generation++
	}
	c.mu.Unlock()
	// The generation bump already detached the monitor, so the dropped
	// session must be closed here or its goroutine and connection leak.
	if stale != nil {
		stale.Close()
	}
}

// monitor waits for the session to die and flips the connector to
// unreachable, unless Close or a reconnect already superseded it.
func (c *Connector) monitor(session *mcp.ClientSession, gen int) {
	err := session.Wait()
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.client = nil
	c.state = StateUnreachable
	if err == nil {
		err = errors.New("session closed")
	}
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Warn("session ended", "error", err)
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(c.id)
	}
}

func (c *Connector) dial(ctx context.Context) (*mcp.ClientSession, *mcp.Client, error) {
	impl := &mcp.Implementation{
		Name:    c.clientName(),
		Version: c.clientVersion(),
	}
	clientOpts := c.clientOptions()

	attempt := func(ctx context.Context, transport mcp.Transport) (*mcp.ClientSession, *mcp.Client, error) {
		client := mcp.NewClient(impl, clientOpts)
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			return nil, nil, err
		}
		return session, client, nil
	}

	switch cfg := c.cfg.(type) {
	case *StdioTargetConfig:
		transport, err := buildStdioTransport(cfg)
		if err != nil {
			return nil, nil, err
		}
		return attempt(ctx, transport)
	case *HTTPTargetConfig:
		return c.dialHTTP(ctx, cfg, attempt)
	default:
		return nil, nil, fmt.Errorf("unsupported target config %T", c.cfg)
	}
}

func (c *Connector) dialHTTP(
	ctx context.Context,
	cfg *HTTPTargetConfig,
	attempt func(context.Context, mcp.Transport) (*mcp.ClientSession, *mcp.Client, error),
) (*mcp.ClientSession, *mcp.Client, error) {
	if cfg.Endpoint == "" {
		return nil, nil, errors.New("endpoint missing")
	}
	httpClient := decorateHTTPClient(cfg.HTTPClient, cfg.Headers)
	streamable := &mcp.StreamableClientTransport{
		Endpoint:   cfg.Endpoint,
		HTTPClient: httpClient,
		MaxRetries: cfg.MaxRetries,
	}
	sse := &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: httpClient}

	var streamErr error
	if !preferSSE(cfg) {
		session, client, err := attempt(ctx, streamable)
		if err == nil {
			return session, client, nil
		}
		streamErr = err
	}
	session, client, err := attempt(ctx, sse)
	if err != nil {
		if streamErr != nil {
			return nil, nil, fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err)
		}
		return nil, nil, err
	}
	return session, client, nil
}

func (c *Connector) clientOptions() *mcp.ClientOptions {
	notify := func(ctx context.Context) {
		if c.opts.OnCatalogChanged != nil {
			c.opts.OnCatalogChanged(c.id)
		}
	}
	return &mcp.ClientOptions{
		ToolListChangedHandler: func(ctx context.Context, _ *mcp.ToolListChangedRequest) {
			notify(ctx)
		},
		PromptListChangedHandler: func(ctx context.Context, _ *mcp.PromptListChangedRequest) {
			notify(ctx)
		},
		ResourceListChangedHandler: func(ctx context.Context, _ *mcp.ResourceListChangedRequest) {
			notify(ctx)
		},
	}
}

func (c *Connector) clientName() string {
	if c.opts.ClientName != "" {
		return c.opts.ClientName
	}
	return c.id
}

func (c *Connector) clientVersion() string {
	if c.opts.ClientVersion != "" {
		return c.opts.ClientVersion
	}
	return "1.0.0"
}

func buildStdioTransport(cfg *StdioTargetConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, errors.New("command missing")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

func preferSSE(cfg *HTTPTargetConfig) bool {
	if cfg.PreferSSE != nil {
		return *cfg.PreferSSE
	}
	return strings.HasSuffix(strings.TrimSpace(cfg.Endpoint), "/sse")
}

func decorateHTTPClient(base *http.Client, headers http.Header) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if len(headers) == 0 {
		return base
	}
	clone := *base
	next := clone.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone.Transport = &headerRoundTripper{next: next, headers: cloneHeader(headers)}
	return &clone
}

type headerRoundTripper struct {
	next    http.RoundTripper
	headers http.Header
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range rt.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return rt.next.RoundTrip(req)
}

func cloneHeader(h http.Header) http.Header {
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

// isMethodUnavailable recognizes servers that simply do not implement a
// listing method; those are treated as owning no capabilities of that
// kind rather than as discovery failures.
func isMethodUnavailable(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	if strings.Contains(lower, strings.ToLower(method)) {
		return true
	}
	for _, part := range strings.FieldsFunc(method, func(r rune) bool {
		return r == '/' || r == '_' || r == '-'
	}) {
		if part != "" && strings.Contains(lower, strings.ToLower(part)) {
			return true
		}
	}
	return true
}

// isConnectionError distinguishes a dead transport from an error the
// upstream deliberately returned.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"session closed",
		"transport closed",
		"client closed",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
