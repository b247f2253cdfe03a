// Package pool manages live context-provider clients, at most one per
// named server, with reference counting.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/context-coordinator/provider"
	"github.com/wolfeidau/context-coordinator/telemetry"
)

// Factory constructs a provider client for a server entry. It is the
// seam tests use to substitute fakes for real transports.
type Factory func(ctx context.Context, cfg provider.ServerConfig) (provider.Provider, error)

// Config holds pool configuration.
type Config struct {
	// QueryTimeout is passed to provider construction for HTTP targets.
	// Zero means provider.DefaultTimeout.
	QueryTimeout time.Duration

	// Logger for pool events.
	Logger *slog.Logger

	// Factory overrides provider construction. Nil means the default
	// factory, which builds a real transport and probes its liveness.
	Factory Factory
}

type pooled struct {
	client provider.Provider
	refs   int
}

// Pool owns at most one live provider client per server name. Clients
// are created lazily on first acquisition and dropped when their
// reference count returns to zero.
type Pool struct {
	logger  *slog.Logger
	factory Factory

	mu    sync.Mutex
	conns map[string]*pooled

	nextConnectionID atomic.Uint64
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = provider.DefaultTimeout
	}

	factory := cfg.Factory
	if factory == nil {
		factory = defaultFactory(cfg.QueryTimeout, cfg.Logger)
	}

	return &Pool{
		logger:  cfg.Logger,
		factory: factory,
		conns:   make(map[string]*pooled),
	}
}

// defaultFactory builds a real provider client and verifies it is
// available before handing it to the pool.
func defaultFactory(timeout time.Duration, logger *slog.Logger) Factory {
	return func(ctx context.Context, cfg provider.ServerConfig) (provider.Provider, error) {
		client, err := provider.New(cfg,
			provider.WithTimeout(timeout),
			provider.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}

		if !client.IsAvailable(ctx) {
			_ = client.Close()
			return nil, fmt.Errorf("provider %q is not available at %q", cfg.Name, cfg.Target)
		}

		telemetry.RecordProviderSpawn(ctx, provider.TransportFor(cfg.Target))
		return client, nil
	}
}

// GetOrCreate returns the pooled client for the named server,
// constructing it on first use, along with a fresh connection id.
//
// The id is a per-call correlation token: a new one is minted on every
// call, whether or not the call created the client, so it must not be
// treated as a handle on the underlying connection.
//
// Construction failure leaves no entry in the pool.
func (p *Pool) GetOrCreate(ctx context.Context, cfg provider.ServerConfig) (provider.Provider, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[cfg.Name]; ok {
		conn.refs++
		return conn.client, p.nextConnectionID.Add(1), nil
	}

	// Holding the lock across construction guarantees only one client
	// is ever built per name, even under concurrent acquisition.
	client, err := p.factory(ctx, cfg)
	if err != nil {
		return nil, 0, err
	}

	p.conns[cfg.Name] = &pooled{client: client, refs: 1}
	p.logger.Info("created provider connection",
		"server", cfg.Name,
		"transport", provider.TransportFor(cfg.Target),
	)
	telemetry.RecordPoolSize(ctx, int64(len(p.conns)))

	return client, p.nextConnectionID.Add(1), nil
}

// Release decrements the named server's reference count, dropping and
// closing the client when it reaches zero. Releasing an unknown server
// is a no-op.
func (p *Pool) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[name]
	if !ok {
		return
	}

	conn.refs--
	if conn.refs > 0 {
		return
	}

	delete(p.conns, name)
	if err := conn.client.Close(); err != nil {
		p.logger.Warn("closing provider connection", "server", name, "error", err)
	}
	p.logger.Info("closed provider connection", "server", name)
	telemetry.RecordPoolSize(context.Background(), int64(len(p.conns)))
}

// ActiveConnections returns the number of live pooled clients.
func (p *Pool) ActiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// ActiveServers returns the names of all servers with a live client.
func (p *Pool) ActiveServers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.conns))
	for name := range p.conns {
		names = append(names, name)
	}
	return names
}

// HasConnection reports whether the named server has a live client.
func (p *Pool) HasConnection(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[name]
	return ok
}

// RefCount returns the named server's reference count, or zero when no
// client exists.
func (p *Pool) RefCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[name]; ok {
		return conn.refs
	}
	return 0
}

// Shutdown closes and drops every pooled client. Used at daemon
// teardown, never in response to a wire request.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("shutting down connection pool", "active", len(p.conns))
	for name, conn := range p.conns {
		if err := conn.client.Close(); err != nil {
			p.logger.Warn("closing provider connection", "server", name, "error", err)
		}
		delete(p.conns, name)
	}
}
