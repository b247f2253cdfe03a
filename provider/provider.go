// Package provider implements clients for context-provider servers, the
// backends that answer completion/hover/diagnostic queries on the
// coordinator's behalf.
//
// A provider's transport is selected once at construction time from its
// configured target: an http:// or https:// URL is queried over HTTP,
// anything else is spawned as a subprocess and queried over its
// standard input/output using the coordinator's length-prefixed JSON
// framing.
package provider

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/context-coordinator/protocol"
)

// DefaultTimeout is the default timeout for HTTP provider queries.
const DefaultTimeout = 5 * time.Second

// Transport names for logging and metrics.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// ServerConfig is a named context-provider server entry.
type ServerConfig struct {
	// Name identifies the server to callers and keys the pool.
	Name string `yaml:"name" json:"name"`

	// Target is either an http(s):// URL or a command line to spawn.
	Target string `yaml:"target" json:"target"`
}

// Provider is a live client for one context-provider server.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Query sends one query and blocks for its result.
	Query(ctx context.Context, q *protocol.Query) (*protocol.QueryResult, error)

	// IsAvailable reports whether the provider can currently serve
	// queries. It is used as a liveness probe at construction time.
	IsAvailable(ctx context.Context) bool

	// Close releases the underlying transport. A closed provider must
	// not be queried again.
	Close() error
}

// Option configures provider construction.
type Option func(*options)

type options struct {
	timeout    time.Duration
	logger     *slog.Logger
	httpClient *http.Client
}

// WithTimeout sets the HTTP query timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithLogger sets the logger for provider events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client for http(s) targets.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// New constructs a provider client for the given server, selecting the
// transport from its target. Construction fails with an error, never a
// panic, when the transport cannot be set up (for example when the
// subprocess cannot be spawned).
func New(cfg ServerConfig, opts ...Option) (Provider, error) {
	o := &options{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("server", cfg.Name)

	if IsHTTPTarget(cfg.Target) {
		return newHTTP(cfg, o), nil
	}
	return newStdio(cfg, o)
}

// IsHTTPTarget reports whether a target selects the HTTP transport.
func IsHTTPTarget(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}

// TransportFor returns the transport name a target selects.
func TransportFor(target string) string {
	if IsHTTPTarget(target) {
		return TransportHTTP
	}
	return TransportStdio
}
