// Package aggregator orchestrates a set of upstream connectors behind
// one unified capability surface. It brings all configured targets up
// concurrently at startup, merges their catalogs into an atomically
// published registry snapshot, routes each invocation to the single
// target that owns the capability, and optionally reconciles
// unreachable targets back into service in the background.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openserve-labs/mcp-aggregator/pkg/registry"
	"github.com/openserve-labs/mcp-aggregator/pkg/upstream"
)

// State tracks the aggregator's health. Degraded and fully-connected
// are both serving states; only fatal refuses traffic.
type State string

const (
	StateInitializing   State = "initializing"
	StateDegraded       State = "degraded"
	StateFullyConnected State = "fully_connected"
	StateFatal          State = "fatal"
)

// ErrNoUpstreams is returned by Startup when zero configured targets
// reach ready: the proxy has nothing to aggregate and must not pretend
// to serve.
var ErrNoUpstreams = errors.New("no upstream target reachable")

// TargetSpec pairs a target id with its transport configuration. The
// order in which specs are supplied is load-bearing: it decides the
// collision tie-break when two targets declare the same capability.
type TargetSpec struct {
	ID     string
	Config upstream.TargetConfig
}

// TargetStatus is a point-in-time view of one connector, for logging
// and health reporting.
type TargetStatus struct {
	ID    string
	State upstream.State
	Err   error
}

// Options configure an Aggregator.
type Options struct {
	// ClientName and ClientVersion identify the proxy to upstreams.
	ClientName    string
	ClientVersion string
	// DefaultTimeout applies to targets without an explicit timeout.
	DefaultTimeout time.Duration
	// ReconcileInterval paces the background loop that re-attempts
	// unreachable targets. Zero or negative disables reconciliation.
	ReconcileInterval time.Duration
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Aggregator is the façade over all upstream connectors.
type Aggregator struct {
	instanceID string
	opts       Options
	logger     *slog.Logger

	targets []*upstream.Connector
	byID    map[string]*upstream.Connector

	snapshot atomic.Pointer[registry.Snapshot]

	stateMu sync.Mutex
	state   State

	rebuildMu sync.Mutex

	subsMu sync.Mutex
	subs   []func(*registry.Snapshot)

	// refreshLimit paces catalog re-discovery triggered by upstream
	// list-changed notifications, which can arrive in bursts.
	refreshLimit *rate.Limiter
}

// New builds an Aggregator and one connector per target spec, in the
// given order. It does not dial; call Startup.
func New(specs []TargetSpec, opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &Aggregator{
		instanceID:   uuid.NewString(),
		opts:         opts,
		logger:       opts.Logger,
		byID:         make(map[string]*upstream.Connector, len(specs)),
		state:        StateInitializing,
		refreshLimit: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, spec := range specs {
		conn := upstream.New(spec.ID, spec.Config, upstream.Options{
			ClientName:     opts.ClientName,
			ClientVersion:  opts.ClientVersion,
			DefaultTimeout: opts.DefaultTimeout,
			Logger:         opts.Logger,
			OnDisconnect: func(target string) {
				a.logger.Warn("target disconnected, degrading snapshot", "target", target)
				a.Rebuild()
			},
			OnCatalogChanged: func(target string) {
				go func() {
					if err := a.refreshLimit.Wait(context.Background()); err != nil {
						return
					}
					if err := a.Refresh(context.Background(), target); err != nil {
						a.logger.Warn("catalog refresh failed", "target", target, "error", err)
					}
				}()
			},
		})
		a.targets = append(a.targets, conn)
		a.byID[spec.ID] = conn
	}
	// Publish an empty snapshot so readers never see nil.
	a.snapshot.Store(registry.Build(nil, opts.Logger))
	return a
}

// InstanceID returns the id minted for this aggregator process, carried
// through log lines for correlation.
func (a *Aggregator) InstanceID() string { return a.instanceID }

// Startup connects every configured target concurrently, waits for all
// attempts to settle, and publishes the first snapshot. Targets that
// fail to come up are logged and skipped; they remain eligible for
// reconciliation. If zero targets reach ready, Startup returns
// ErrNoUpstreams and the aggregator refuses all traffic.
func (a *Aggregator) Startup(ctx context.Context) error {
	a.setState(StateInitializing)
	a.logger.Info("starting aggregator", "instance", a.instanceID, "targets", len(a.targets))

	var eg errgroup.Group
	for _, conn := range a.targets {
		conn := conn
		eg.Go(func() error {
			state := conn.Connect(ctx)
			if state != upstream.StateReady {
				a.logger.Warn("target excluded from startup catalog",
					"target", conn.ID(), "state", state, "error", conn.Err())
			}
			return nil
		})
	}
	_ = eg.Wait()

	ready := a.readyCount()
	if ready == 0 {
		a.setState(StateFatal)
		return fmt.Errorf("startup of %d targets: %w", len(a.targets), ErrNoUpstreams)
	}
	a.Rebuild()
	snap := a.snapshot.Load()
	a.logger.Info("startup complete",
		"instance", a.instanceID,
		"state", a.State(),
		"ready", ready,
		"configured", len(a.targets),
		"capabilities", snap.Len())
	return nil
}

// Rebuild gathers the descriptor sets of all ready targets in
// configured order and publishes a fresh snapshot atomically. Readers
// holding the previous snapshot are unaffected.
func (a *Aggregator) Rebuild() {
	a.rebuildMu.Lock()
	sets := make([]registry.TargetSet, 0, len(a.targets))
	for _, conn := range a.targets {
		if conn.State() != upstream.StateReady {
			continue
		}
		sets = append(sets, registry.TargetSet{Target: conn.ID(), Descriptors: conn.Descriptors()})
	}
	snap := registry.Build(sets, a.logger)
	a.snapshot.Store(snap)
	if len(sets) == len(a.targets) {
		a.setState(StateFullyConnected)
	} else {
		a.setState(StateDegraded)
	}
	// Notify while still holding the rebuild lock so subscribers observe
	// publications in order.
	a.notify(snap)
	a.rebuildMu.Unlock()
}

// Snapshot returns the currently published catalog.
func (a *Aggregator) Snapshot() *registry.Snapshot {
	return a.snapshot.Load()
}

// ListCapabilities returns the current snapshot's descriptors of the
// requested kind, or of all kinds when kind is empty. Order is stable
// across repeated calls against the same snapshot.
func (a *Aggregator) ListCapabilities(kind registry.Kind) []registry.Descriptor {
	snap := a.snapshot.Load()
	if kind == "" {
		return snap.All()
	}
	return snap.Capabilities(kind)
}

// Invoke routes one capability call to the target owning (kind, name)
// in the current snapshot and returns its result unmodified. A routing
// miss returns an unknown-capability failure without contacting any
// upstream; the aggregator never broadcasts and never retries.
func (a *Aggregator) Invoke(ctx context.Context, kind registry.Kind, name string, args any) (any, error) {
	if a.State() == StateFatal {
		// Not retryable: a fatal aggregator stays fatal for the process
		// lifetime, there is nothing for the caller to wait out.
		return nil, fmt.Errorf("refusing invocation: %w", ErrNoUpstreams)
	}
	snap := a.snapshot.Load()
	desc, ok := snap.Lookup(kind, name)
	if !ok {
		return nil, upstream.UnknownCapabilityFailure(string(kind), name)
	}
	conn, ok := a.byID[desc.Target]
	if !ok {
		return nil, upstream.UnknownCapabilityFailure(string(kind), name)
	}

	callID := uuid.NewString()
	a.logger.Debug("routing invocation",
		"call", callID, "kind", kind, "name", name, "target", desc.Target)
	result, err := conn.Invoke(ctx, kind, name, args)
	if err != nil {
		if f, ok := upstream.FailureOf(err); ok && f.Kind == upstream.FailureTransport {
			// Degrade the target's capabilities out of the next snapshot;
			// the caller still gets the retryable failure for this call.
			go a.Rebuild()
		}
		a.logger.Warn("invocation failed",
			"call", callID, "kind", kind, "name", name, "target", desc.Target, "error", err)
		return nil, err
	}
	return result, nil
}

// ReadTemplatedResource resolves the owner of a resource template and
// reads the concrete (expanded) URI from that target.
func (a *Aggregator) ReadTemplatedResource(ctx context.Context, templateURI, uri string) (any, error) {
	snap := a.snapshot.Load()
	desc, ok := snap.Lookup(registry.KindResourceTemplate, templateURI)
	if !ok {
		return nil, upstream.UnknownCapabilityFailure(string(registry.KindResourceTemplate), templateURI)
	}
	conn := a.byID[desc.Target]
	return conn.Invoke(ctx, registry.KindResource, uri, nil)
}

// SubscribeResource forwards a resource subscription to the owning
// target; the routing miss behavior matches Invoke.
func (a *Aggregator) SubscribeResource(ctx context.Context, uri string) error {
	conn, err := a.resourceOwner(uri)
	if err != nil {
		return err
	}
	return conn.Subscribe(ctx, uri)
}

// UnsubscribeResource cancels a subscription on the owning target.
func (a *Aggregator) UnsubscribeResource(ctx context.Context, uri string) error {
	conn, err := a.resourceOwner(uri)
	if err != nil {
		return err
	}
	return conn.Unsubscribe(ctx, uri)
}

func (a *Aggregator) resourceOwner(uri string) (*upstream.Connector, error) {
	snap := a.snapshot.Load()
	desc, ok := snap.Lookup(registry.KindResource, uri)
	if !ok {
		return nil, upstream.UnknownCapabilityFailure(string(registry.KindResource), uri)
	}
	return a.byID[desc.Target], nil
}

// Refresh re-discovers one target's catalog and republishes. Targets
// that lost their session are re-connected first.
func (a *Aggregator) Refresh(ctx context.Context, targetID string) error {
	conn, ok := a.byID[targetID]
	if !ok {
		return fmt.Errorf("unknown target %q", targetID)
	}
	switch conn.State() {
	case upstream.StateReady, upstream.StateConnected, upstream.StateDiscovering:
		if _, err := conn.Discover(ctx); err != nil {
			a.Rebuild()
			return err
		}
	default:
		if state := conn.Connect(ctx); state != upstream.StateReady {
			a.Rebuild()
			return fmt.Errorf("target %q did not recover (state %s)", targetID, state)
		}
	}
	a.Rebuild()
	return nil
}

// Reconcile runs the optional background loop that re-attempts
// unreachable and failed targets until ctx is cancelled. It never
// blocks Invoke or ListCapabilities; recoveries publish a new snapshot
// atomically. No-op when the reconcile interval is disabled.
func (a *Aggregator) Reconcile(ctx context.Context) {
	if a.opts.ReconcileInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if recovered := a.ReconcileOnce(ctx); recovered > 0 {
				a.logger.Info("reconciled targets back into service", "recovered", recovered)
			}
		}
	}
}

// ReconcileOnce re-attempts every target currently unreachable or
// failed and returns how many came back. A returning target regains
// only its non-colliding capabilities: merge order stays configured
// order, so an existing shadow winner keeps the name.
func (a *Aggregator) ReconcileOnce(ctx context.Context) int {
	recovered := 0
	for _, conn := range a.targets {
		switch conn.State() {
		case upstream.StateUnreachable, upstream.StateFailed:
			if state := conn.Connect(ctx); state == upstream.StateReady {
				a.logger.Info("target recovered", "target", conn.ID())
				recovered++
			}
		}
	}
	if recovered > 0 {
		a.Rebuild()
	}
	return recovered
}

// OnSnapshot registers fn to run after every snapshot publication.
// Callbacks run synchronously on the publishing goroutine.
func (a *Aggregator) OnSnapshot(fn func(*registry.Snapshot)) {
	if fn == nil {
		return
	}
	a.subsMu.Lock()
	a.subs = append(a.subs, fn)
	a.subsMu.Unlock()
}

// State returns the aggregator's serving state.
func (a *Aggregator) State() State {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

// TargetStatuses reports every connector's state in configured order.
func (a *Aggregator) TargetStatuses() []TargetStatus {
	out := make([]TargetStatus, 0, len(a.targets))
	for _, conn := range a.targets {
		out = append(out, TargetStatus{ID: conn.ID(), State: conn.State(), Err: conn.Err()})
	}
	return out
}

// Shutdown closes every connector.
func (a *Aggregator) Shutdown(ctx context.Context) error {
	var errs []error
	for _, conn := range a.targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", conn.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (a *Aggregator) readyCount() int {
	n := 0
	for _, conn := range a.targets {
		if conn.State() == upstream.StateReady {
			n++
		}
	}
	return n
}

func (a *Aggregator) setState(state State) {
	a.stateMu.Lock()
	a.state = state
	a.stateMu.Unlock()
}

func (a *Aggregator) notify(snap *registry.Snapshot) {
	a.subsMu.Lock()
	subs := append([](func(*registry.Snapshot))(nil), a.subs...)
	a.subsMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}
