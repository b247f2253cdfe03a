// Package daemon implements the coordinator daemon: a unix-socket
// server that multiplexes many short-lived caller processes onto a
// shared pool of context-provider connections and a TTL response cache.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/context-coordinator/cache"
	"github.com/wolfeidau/context-coordinator/pool"
	"github.com/wolfeidau/context-coordinator/protocol"
	"github.com/wolfeidau/context-coordinator/provider"
)

// DefaultSocketPath is where the daemon listens unless configured
// otherwise.
const DefaultSocketPath = "/tmp/context-coordinator.sock"

// Config holds daemon configuration.
type Config struct {
	// SocketPath is the unix socket to bind. Empty means
	// DefaultSocketPath.
	SocketPath string

	// Servers is the set of context-provider servers callers may name.
	Servers []provider.ServerConfig

	// CacheTTL is the default lifetime for cached query results.
	// Zero means cache.DefaultTTL.
	CacheTTL time.Duration

	// SweepInterval is how often expired cache entries are removed.
	// Zero means cache.DefaultSweepInterval.
	SweepInterval time.Duration

	// QueryTimeout bounds HTTP provider round trips. Zero means
	// provider.DefaultTimeout.
	QueryTimeout time.Duration

	// PoolFactory overrides provider construction; nil means real
	// transports. Exposed for tests and embedders.
	PoolFactory pool.Factory

	// Logger for daemon events.
	Logger *slog.Logger
}

// Daemon is the coordinator server. Create one with New, run it with
// Start and tear it down with Shutdown.
type Daemon struct {
	config Config
	logger *slog.Logger

	cache   *cache.Cache
	pool    *pool.Pool
	servers map[string]provider.ServerConfig

	startTime    time.Time
	totalQueries atomic.Uint64
	errors       atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	handlers sync.WaitGroup
}

// New creates a daemon from the given configuration.
func New(cfg Config) (*Daemon, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}

	servers := make(map[string]provider.ServerConfig, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		if sc.Name == "" {
			return nil, fmt.Errorf("server entry with empty name (target %q)", sc.Target)
		}
		if _, ok := servers[sc.Name]; ok {
			return nil, fmt.Errorf("duplicate server name %q", sc.Name)
		}
		servers[sc.Name] = sc
	}

	d := &Daemon{
		config: cfg,
		logger: cfg.Logger,
		cache: cache.New(cache.Config{
			DefaultTTL:    cfg.CacheTTL,
			SweepInterval: cfg.SweepInterval,
			Logger:        cfg.Logger.With("component", "cache"),
		}),
		pool: pool.New(pool.Config{
			QueryTimeout: cfg.QueryTimeout,
			Logger:       cfg.Logger.With("component", "pool"),
			Factory:      cfg.PoolFactory,
		}),
		servers:   servers,
		startTime: time.Now(),
		conns:     make(map[net.Conn]struct{}),
	}
	return d, nil
}

// SocketPath returns the path the daemon listens on.
func (d *Daemon) SocketPath() string {
	return d.config.SocketPath
}

// Start binds the socket and serves until Shutdown is called. A stale
// socket file at the configured path is removed before binding.
func (d *Daemon) Start() error {
	if err := d.removeStaleSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", d.config.SocketPath)
	if err != nil {
		return fmt.Errorf("binding socket %s: %w", d.config.SocketPath, err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = listener.Close()
		return fmt.Errorf("daemon already shut down")
	}
	d.listener = listener
	d.mu.Unlock()

	// The sweeper runs for the daemon's lifetime; Shutdown stops it.
	d.cache.Start(context.Background())

	d.logger.Info("coordinator listening", "socket", d.config.SocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		d.trackConn(conn)
		d.handlers.Add(1)
		go func() {
			defer d.handlers.Done()
			defer d.untrackConn(conn)
			d.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting, closes live client connections, stops the
// sweeper, drops all pooled providers and removes the socket file.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	listener := d.listener
	for conn := range d.conns {
		_ = conn.Close()
	}
	d.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		d.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.cache.Stop()
	d.pool.Shutdown()

	if err := os.Remove(d.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing socket %s: %w", d.config.SocketPath, err)
	}

	d.logger.Info("coordinator stopped")
	return nil
}

func (d *Daemon) removeStaleSocket() error {
	if _, err := os.Stat(d.config.SocketPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking socket %s: %w", d.config.SocketPath, err)
	}
	if err := os.Remove(d.config.SocketPath); err != nil {
		return fmt.Errorf("removing stale socket %s: %w", d.config.SocketPath, err)
	}
	d.logger.Debug("removed stale socket", "socket", d.config.SocketPath)
	return nil
}

func (d *Daemon) trackConn(conn net.Conn) {
	d.mu.Lock()
	d.conns[conn] = struct{}{}
	d.mu.Unlock()
}

func (d *Daemon) untrackConn(conn net.Conn) {
	d.mu.Lock()
	delete(d.conns, conn)
	d.mu.Unlock()
	_ = conn.Close()
}

// handleConn runs one connection's request/response loop. Requests on a
// connection are processed strictly in arrival order, one response per
// request, with no pipelining.
func (d *Daemon) handleConn(conn net.Conn) {
	logger := d.logger.With("conn_id", uuid.NewString())
	logger.Debug("client connected")

	reader := bufio.NewReader(conn)
	for {
		env, err := protocol.ReadFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("client disconnected")
				return
			}
			var perr *protocol.ProtocolError
			if errors.As(err, &perr) {
				logger.Error("protocol violation", "error", perr)
			} else {
				logger.Error("reading request", "error", err)
			}
			return
		}

		resp := d.dispatch(context.Background(), logger, env)
		if err := protocol.WriteFrame(conn, resp); err != nil {
			logger.Error("writing response", "error", err)
			return
		}
	}
}
