// Package orchestrator is the facade of the MCP runtime. It ties the
// registry, supervisor, and cache together behind the operations callers
// use: lifecycle (initialize, add, update, remove), discovery, tool
// invocation, and import/export. Retry pacing lives here; the supervisor
// only deduplicates and watches health.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/deechat/dmcp/pkg/cache"
	"github.com/deechat/dmcp/pkg/client"
	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/events"
	"github.com/deechat/dmcp/pkg/lockfile"
	"github.com/deechat/dmcp/pkg/logger"
	"github.com/deechat/dmcp/pkg/registry"
	"github.com/deechat/dmcp/pkg/supervisor"
	"github.com/deechat/dmcp/pkg/transport"
	"github.com/deechat/dmcp/pkg/transport/types"
)

// Defaults for connect pacing.
const (
	defaultSettleDelay = 2 * time.Second
	defaultRetryWait   = 2 * time.Second
	defaultMaxRetries  = 3
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPaths sets the registry paths.
func WithPaths(paths registry.Paths) Option {
	return func(o *Orchestrator) { o.paths = paths }
}

// WithSettleDelay overrides the pause between a successful connect and
// tool discovery. Tests shorten it.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.settleDelay = d }
}

// WithRetrySchedule overrides the linear connect-retry pacing.
func WithRetrySchedule(wait time.Duration, maxRetries int) Option {
	return func(o *Orchestrator) {
		o.retryWait = wait
		o.maxRetries = maxRetries
	}
}

// WithArgumentValidation toggles pre-dispatch validation of tool-call
// arguments against the cached input schema.
func WithArgumentValidation(enabled bool) Option {
	return func(o *Orchestrator) { o.validateArgs = enabled }
}

// WithSupervisor injects a session supervisor. Tests inject mocks.
func WithSupervisor(s supervisor.ClientSupervisor) Option {
	return func(o *Orchestrator) { o.supervisor = s }
}

// Orchestrator is the runtime facade. All methods are safe for concurrent
// use.
type Orchestrator struct {
	paths        registry.Paths
	settleDelay  time.Duration
	retryWait    time.Duration
	maxRetries   int
	validateArgs bool

	bus        *events.Bus
	registry   *registry.Registry
	cache      *cache.Cache
	factory    *transport.Factory
	supervisor supervisor.ClientSupervisor

	initOnce sync.Once
	initErr  error
}

// New creates an orchestrator. Call Initialize before using it.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		paths:        registry.DefaultPaths(),
		settleDelay:  defaultSettleDelay,
		retryWait:    defaultRetryWait,
		maxRetries:   defaultMaxRetries,
		validateArgs: true,
		bus:          events.NewBus(),
		cache:        cache.New(),
		factory:      transport.NewFactory(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.registry = registry.New(o.paths, o.bus)
	if o.supervisor == nil {
		o.supervisor = supervisor.New(o.factory, o.bus)
	}
	return o
}

// Bus returns the runtime event bus.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Subscribe registers a listener on the runtime event bus.
func (o *Orchestrator) Subscribe(fn events.Listener) func() {
	return o.bus.Subscribe(fn)
}

// Initialize loads the registry and connects every enabled server.
// Concurrent callers share the first initialization and its error; a
// server that fails to connect is reported on the bus but never aborts
// startup.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.initOnce.Do(func() {
		if err := o.registry.Load(); err != nil {
			o.initErr = err
			return
		}
		for _, cfg := range o.registry.GetAll() {
			if !cfg.IsEnabled {
				continue
			}
			cfg := cfg
			if err := o.ConnectWithRetry(ctx, &cfg); err != nil {
				logger.Warnw("server failed to connect during startup", "server", cfg.ID, "error", err)
			}
		}
	})
	return o.initErr
}

// ConnectWithRetry opens a session for cfg and discovers its tools,
// retrying the whole sequence on a linear schedule (attempt × wait) up to
// the configured retry budget. A failure at any step consumes an attempt
// and the last attempt's error propagates. One serverError per failed
// attempt: the supervisor emits it for connect failures, this emits it
// for discovery failures.
func (o *Orchestrator) ConnectWithRetry(ctx context.Context, cfg *core.ServerConfig) error {
	attempt := 0
	policy := &linearBackOff{wait: o.retryWait}

	_, err := backoff.Retry(ctx,
		func() (client.Client, error) {
			attempt++
			c, err := o.supervisor.GetOrOpen(ctx, cfg)
			if err != nil {
				return nil, fmt.Errorf("connect attempt %d for server %s: %w", attempt, cfg.ID, err)
			}

			if o.settleDelay > 0 {
				select {
				case <-time.After(o.settleDelay):
				case <-ctx.Done():
					return nil, backoff.Permanent(errors.NewCanceledError("connect canceled during settle", ctx.Err()))
				}
			}

			if _, err := o.discoverTools(ctx, cfg, c); err != nil {
				err = fmt.Errorf("tool discovery attempt %d for server %s: %w", attempt, cfg.ID, err)
				o.bus.EmitError(events.ServerError, cfg.ID, err)
				return nil, err
			}
			return c, nil
		},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(o.maxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debugw("connect attempt failed", "server", cfg.ID, "error", err, "nextAttemptIn", next)
		}),
	)
	return err
}

// linearBackOff waits attempt × wait between tries.
type linearBackOff struct {
	wait    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.wait
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

// AddServer persists a new configuration and, when enabled, connects it
// best effort: a connect failure leaves the server stored and disabled
// connection-wise, reported on the bus.
func (o *Orchestrator) AddServer(ctx context.Context, cfg *core.ServerConfig) (*core.ServerConfig, error) {
	added, err := o.registry.Add(cfg)
	if err != nil {
		return nil, err
	}
	if added.IsEnabled {
		if err := o.ConnectWithRetry(ctx, added); err != nil {
			logger.Warnw("added server failed to connect", "server", added.ID, "error", err)
		}
	}
	return added, nil
}

// UpdateServer patches a configuration. Enabling a server connects it and
// rolls the enable back, in memory and on disk, when the connect fails;
// disabling closes the session and drops its cache.
func (o *Orchestrator) UpdateServer(ctx context.Context, id string, patch map[string]any) (*core.ServerConfig, error) {
	before, ok := o.registry.Get(id)
	if !ok {
		return nil, errors.NewConfigInvalidError(fmt.Sprintf("unknown server id %q", id), nil)
	}

	updated, err := o.registry.Update(id, patch)
	if err != nil {
		return nil, err
	}

	switch {
	case !before.IsEnabled && updated.IsEnabled:
		if err := o.ConnectWithRetry(ctx, updated); err != nil {
			if _, rollbackErr := o.registry.Update(id, map[string]any{"isEnabled": false}); rollbackErr != nil {
				logger.Errorw("enable rollback failed", "server", id, "error", rollbackErr)
			}
			return nil, errors.NewTransportUnavailableError(
				fmt.Sprintf("server %s could not be enabled", id), err)
		}

	case before.IsEnabled && !updated.IsEnabled:
		_ = o.supervisor.Close(ctx, id)
		o.cache.InvalidateServer(id)
	}

	current, _ := o.registry.Get(id)
	return current, nil
}

// RemoveServer closes the session, deletes the configuration, and drops
// everything cached for the server.
func (o *Orchestrator) RemoveServer(ctx context.Context, id string) error {
	_, hadClient := o.supervisor.Get(id)
	_ = o.supervisor.Close(ctx, id)
	if err := o.registry.Remove(id); err != nil {
		return err
	}
	o.cache.InvalidateServer(id)
	if hadClient {
		o.bus.Emit(events.ServerDisconnected, id)
	}
	return nil
}

// GetAllServers returns every stored configuration.
func (o *Orchestrator) GetAllServers() []core.ServerConfig {
	return o.registry.GetAll()
}

// GetServer returns one stored configuration.
func (o *Orchestrator) GetServer(id string) (*core.ServerConfig, bool) {
	return o.registry.Get(id)
}

// GetServerStatus returns the status summary for one server, served from
// the status cache inside its TTL window.
func (o *Orchestrator) GetServerStatus(id string) (core.ServerStatus, error) {
	if status, ok := o.cache.GetStatus(id); ok {
		return status, nil
	}

	cfg, ok := o.registry.Get(id)
	if !ok {
		return core.ServerStatus{}, errors.NewConfigInvalidError(fmt.Sprintf("unknown server id %q", id), nil)
	}

	status := core.ServerStatus{Status: types.StatusDisconnected, Version: cfg.Version}
	if c, live := o.supervisor.Get(id); live {
		status.Status = types.StatusConnected
		status.Version = c.ServerInfo().Version
		status.LastConnected = cfg.LastConnectedAt
	}
	if tools, ok := o.cache.GetTools(id); ok {
		status.ToolCount = len(tools)
	}

	o.cache.SetStatus(id, status)
	return status, nil
}

// TestServerConnection opens an ephemeral session for a stored server,
// pings it, and tears it down again. The supervisor's session map is
// never touched.
func (o *Orchestrator) TestServerConnection(ctx context.Context, id string) error {
	cfg, ok := o.registry.Get(id)
	if !ok {
		return errors.NewConfigInvalidError(fmt.Sprintf("unknown server id %q", id), nil)
	}
	return o.TestConnection(ctx, cfg)
}

// TestConnection probes a configuration that may not be stored yet.
func (o *Orchestrator) TestConnection(ctx context.Context, cfg *core.ServerConfig) error {
	probe := cfg.Clone()
	if err := probe.ApplyDefaults(); err != nil {
		return errors.NewConfigInvalidError("failed to apply defaults", err)
	}

	tr, err := o.factory.Create(probe)
	if err != nil {
		return err
	}
	c := client.New(probe, tr)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = c.Close(ctx) }()
	return c.Ping(ctx)
}

// DiscoverServerTools fetches and caches the tool catalog of one server.
func (o *Orchestrator) DiscoverServerTools(ctx context.Context, id string) ([]core.Tool, error) {
	cfg, ok := o.registry.Get(id)
	if !ok {
		return nil, errors.NewConfigInvalidError(fmt.Sprintf("unknown server id %q", id), nil)
	}
	c, err := o.supervisor.GetOrOpen(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return o.discoverTools(ctx, cfg, c)
}

func (o *Orchestrator) discoverTools(ctx context.Context, cfg *core.ServerConfig, c client.Client) ([]core.Tool, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	builtin := cfg.Execution == core.ExecutionInProcess
	o.cache.SetTools(cfg.ID, tools, builtin)
	o.bus.EmitData(events.ToolDiscovered, cfg.ID, map[string]any{"count": len(tools)})
	return tools, nil
}

// GetAllTools aggregates the tool catalogs of every enabled server, cache
// first. Servers without a live catalog are discovered in parallel; one
// failing server is logged and skipped, never poisoning the rest.
func (o *Orchestrator) GetAllTools(ctx context.Context) ([]core.Tool, error) {
	var all []core.Tool
	var missing []core.ServerConfig

	for _, cfg := range o.registry.GetAll() {
		if !cfg.IsEnabled {
			continue
		}
		if tools, ok := o.cache.GetTools(cfg.ID); ok {
			all = append(all, tools...)
			continue
		}
		missing = append(missing, cfg)
	}

	if len(missing) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, cfg := range missing {
			cfg := cfg
			g.Go(func() error {
				tools, err := o.DiscoverServerTools(gctx, cfg.ID)
				if err != nil {
					logger.Warnw("skipping server during aggregation", "server", cfg.ID, "error", err)
					return nil
				}
				mu.Lock()
				all = append(all, tools...)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	core.SortToolsByName(all)
	return all, nil
}

// SearchTools returns the aggregated tools matching a query.
func (o *Orchestrator) SearchTools(ctx context.Context, query string) ([]core.Tool, error) {
	tools, err := o.GetAllTools(ctx)
	if err != nil {
		return nil, err
	}
	var out []core.Tool
	for _, tool := range tools {
		if tool.MatchesQuery(query) {
			out = append(out, tool)
		}
	}
	return out, nil
}

// ListServerResources fetches the resource catalog of one server.
func (o *Orchestrator) ListServerResources(ctx context.Context, id string) ([]core.Resource, error) {
	cfg, ok := o.registry.Get(id)
	if !ok {
		return nil, errors.NewConfigInvalidError(fmt.Sprintf("unknown server id %q", id), nil)
	}
	c, err := o.supervisor.GetOrOpen(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c.ListResources(ctx)
}

// ReadResource reads one resource from one server.
func (o *Orchestrator) ReadResource(ctx context.Context, id, uri string) ([]core.ResourceContents, error) {
	cfg, ok := o.registry.Get(id)
	if !ok {
		return nil, errors.NewConfigInvalidError(fmt.Sprintf("unknown server id %q", id), nil)
	}
	c, err := o.supervisor.GetOrOpen(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c.ReadResource(ctx, uri)
}

// ExportConfigs returns every stored configuration, durable fields only.
func (o *Orchestrator) ExportConfigs() []core.ServerConfig {
	return o.registry.Export()
}

// ImportConfigs adds configurations from an external payload.
func (o *Orchestrator) ImportConfigs(payload []byte, collection core.Collection) (*registry.ImportResult, error) {
	return o.registry.Import(payload, collection)
}

// Cleanup removes broken configuration files and reports how many went.
func (o *Orchestrator) Cleanup() int {
	return o.registry.Cleanup()
}

// Shutdown closes every session and releases the runtime's resources.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.supervisor.CloseAll(ctx)
	o.cache.Destroy()
	lockfile.ReleaseAll()
	logger.Infow("runtime shut down")
}
