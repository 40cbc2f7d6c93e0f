// Package supervisor owns the live client sessions: at most one Client
// per server id, deduplicated concurrent opens, a liveness watchdog for
// stdio children, and the in-process short-circuit for servers that run
// inside the application.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/deechat/dmcp/pkg/client"
	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/events"
	"github.com/deechat/dmcp/pkg/logger"
	"github.com/deechat/dmcp/pkg/process"
	"github.com/deechat/dmcp/pkg/transport"
	"github.com/deechat/dmcp/pkg/transport/types"
)

//go:generate mockgen -destination mocks/mock_supervisor.go -package mocks -source supervisor.go ClientSupervisor

// watchdogInterval is how often stdio children are probed for liveness.
const watchdogInterval = 30 * time.Second

// ClientSupervisor is the session-management seam the orchestrator
// depends on.
type ClientSupervisor interface {
	// GetOrOpen returns the live client for a server, opening one when
	// none exists. Concurrent callers for the same id share one connect.
	GetOrOpen(ctx context.Context, cfg *core.ServerConfig) (client.Client, error)

	// Get returns the live client for a server id, if any.
	Get(serverID string) (client.Client, bool)

	// Close tears down the client for a server id. Closing an unknown id
	// is a no-op.
	Close(ctx context.Context, serverID string) error

	// CloseAll tears down every live client.
	CloseAll(ctx context.Context)
}

// record tracks one live session and the bookkeeping around it.
type record struct {
	client      client.Client
	pid         int
	unsubscribe func()
	closing     bool
}

// Supervisor is the concrete ClientSupervisor.
type Supervisor struct {
	factory *transport.Factory
	bus     *events.Bus

	mu      sync.Mutex
	clients map[string]*record

	flights singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once
}

var _ ClientSupervisor = (*Supervisor)(nil)

// New creates a supervisor and starts its watchdog.
func New(factory *transport.Factory, bus *events.Bus) *Supervisor {
	s := &Supervisor{
		factory: factory,
		bus:     bus,
		clients: make(map[string]*record),
		stop:    make(chan struct{}),
	}
	go s.watchdogLoop()
	return s
}

// GetOrOpen returns the live client for cfg.ID, opening one when none
// exists. At most one connect per id is in flight; callers that joined a
// flight that failed retry once from the top, so a transient failure does
// not poison waiters. Failures are never cached.
func (s *Supervisor) GetOrOpen(ctx context.Context, cfg *core.ServerConfig) (client.Client, error) {
	if c, ok := s.Get(cfg.ID); ok {
		return c, nil
	}

	v, err, shared := s.flights.Do(cfg.ID, func() (any, error) {
		// A client may have appeared between the fast path and the
		// flight.
		if c, ok := s.Get(cfg.ID); ok {
			return c, nil
		}
		return s.open(ctx, cfg)
	})
	if err != nil && shared {
		// The flight this caller joined was someone else's failure.
		v, err, _ = s.flights.Do(cfg.ID, func() (any, error) {
			if c, ok := s.Get(cfg.ID); ok {
				return c, nil
			}
			return s.open(ctx, cfg)
		})
	}
	if err != nil {
		return nil, err
	}
	return v.(client.Client), nil
}

// open builds and connects a new client for cfg.
func (s *Supervisor) open(ctx context.Context, cfg *core.ServerConfig) (client.Client, error) {
	c, pid, err := s.build(ctx, cfg)
	if err != nil {
		s.bus.EmitError(events.ServerError, cfg.ID, err)
		return nil, err
	}

	rec := &record{client: c, pid: pid}
	rec.unsubscribe = c.Subscribe(func(evt types.Event) {
		s.onClientEvent(cfg.ID, evt)
	})

	s.mu.Lock()
	s.clients[cfg.ID] = rec
	s.mu.Unlock()

	s.bus.Emit(events.ServerConnected, cfg.ID)
	return c, nil
}

// build picks the session flavor for cfg and connects it. In-process
// servers skip transports entirely; everything else goes through the
// factory.
func (s *Supervisor) build(ctx context.Context, cfg *core.ServerConfig) (client.Client, int, error) {
	if cfg.Execution == core.ExecutionInProcess && cfg.Type != types.TransportTypeInMemory {
		server, ok := client.LookupInProcessServer(cfg.ID)
		if !ok && cfg.SelfHandle {
			server = client.NewLoopbackServer()
			ok = true
		}
		if !ok {
			return nil, 0, errors.NewConfigInvalidError(
				fmt.Sprintf("no in-process server registered for %s", cfg.ID), nil)
		}
		c := client.NewInProcess(cfg, server)
		if err := c.Connect(ctx); err != nil {
			return nil, 0, err
		}
		return c, 0, nil
	}

	// In-memory servers with a registered in-process implementation also
	// short-circuit; bare channels ride the in-memory transport so the
	// session has real wire semantics.
	if cfg.Type == types.TransportTypeInMemory {
		if server, ok := client.LookupInProcessServer(cfg.ID); ok {
			c := client.NewInProcess(cfg, server)
			if err := c.Connect(ctx); err != nil {
				return nil, 0, err
			}
			return c, 0, nil
		}
	}

	tr, err := s.factory.Create(cfg)
	if err != nil {
		return nil, 0, err
	}

	c := client.New(cfg, tr)
	if err := c.Connect(ctx); err != nil {
		return nil, 0, err
	}

	pid := 0
	if stdio, ok := tr.(*transport.StdioTransport); ok {
		pid = stdio.PID()
	}
	return c, pid, nil
}

// onClientEvent translates transport events of a live session into bus
// events. Disconnects during a requested Close stay silent.
func (s *Supervisor) onClientEvent(serverID string, evt types.Event) {
	switch evt.Type {
	case types.EventError:
		s.bus.EmitError(events.ServerError, serverID, evt.Err)
	case types.EventDisconnect:
		s.mu.Lock()
		rec, ok := s.clients[serverID]
		silent := ok && rec.closing
		s.mu.Unlock()
		if !silent {
			s.bus.Emit(events.ServerDisconnected, serverID)
		}
	}
}

// Get returns the live, connected client for a server id.
func (s *Supervisor) Get(serverID string) (client.Client, bool) {
	s.mu.Lock()
	rec, ok := s.clients[serverID]
	s.mu.Unlock()
	if !ok || !rec.client.IsConnected() {
		return nil, false
	}
	return rec.client, true
}

// Close tears down the client for a server id.
func (s *Supervisor) Close(ctx context.Context, serverID string) error {
	s.mu.Lock()
	rec, ok := s.clients[serverID]
	if ok {
		rec.closing = true
		delete(s.clients, serverID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	err := rec.client.Close(ctx)
	rec.unsubscribe()
	if err != nil {
		logger.Warnw("error closing client", "server", serverID, "error", err)
	}
	return err
}

// CloseAll tears down every live client and stops the watchdog.
func (s *Supervisor) CloseAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Close(ctx, id)
	}
	s.stopOnce.Do(func() { close(s.stop) })
}

// watchdogLoop probes stdio children and reaps sessions whose child died
// without the transport noticing.
func (s *Supervisor) watchdogLoop() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.probeChildren()
		}
	}
}

func (s *Supervisor) probeChildren() {
	s.mu.Lock()
	type probe struct {
		id  string
		pid int
	}
	probes := make([]probe, 0, len(s.clients))
	for id, rec := range s.clients {
		if rec.pid > 0 {
			probes = append(probes, probe{id: id, pid: rec.pid})
		}
	}
	s.mu.Unlock()

	for _, p := range probes {
		alive, err := process.FindProcess(p.pid)
		if err != nil {
			logger.Debugw("liveness probe failed", "server", p.id, "pid", p.pid, "error", err)
			continue
		}
		if alive {
			continue
		}

		logger.Warnw("stdio child died", "server", p.id, "pid", p.pid)
		s.mu.Lock()
		rec, ok := s.clients[p.id]
		if ok {
			delete(s.clients, p.id)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}

		rec.closing = true // the close below must not double-report
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rec.client.Close(ctx)
		cancel()
		rec.unsubscribe()
		s.bus.Emit(events.ServerDisconnected, p.id)
	}
}
