// Command coordinatord runs the context coordinator daemon and ships a
// couple of client subcommands for poking a running daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/context-coordinator/client"
	"github.com/wolfeidau/context-coordinator/config"
	"github.com/wolfeidau/context-coordinator/daemon"
	"github.com/wolfeidau/context-coordinator/protocol"
	"github.com/wolfeidau/context-coordinator/telemetry"
)

var version = "dev"

type globals struct {
	Socket    string `help:"Coordinator unix socket path." default:"${default_socket}"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`

	logger *slog.Logger
}

type cli struct {
	globals

	Serve   serveCmd   `cmd:"" help:"Run the coordinator daemon."`
	Metrics metricsCmd `cmd:"" help:"Print a running daemon's metrics snapshot."`
	Query   queryCmd   `cmd:"" help:"Send a query to a running daemon."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type serveCmd struct {
	Config        string        `help:"YAML configuration file." type:"existingfile" optional:""`
	Server        []string      `help:"Backend server spec, name=target. Repeatable." name:"server" short:"s"`
	CacheTTL      time.Duration `help:"Default cache entry TTL." default:"5m"`
	SweepInterval time.Duration `help:"Expired entry sweep interval." default:"1m"`
	QueryTimeout  time.Duration `help:"Backend query timeout." default:"5s"`
	MetricsAddr   string        `help:"Expose Prometheus /metrics and /health on this address." optional:""`
	OTLPEndpoint  string        `help:"OTLP gRPC endpoint for metric export." optional:""`
}

func (c *serveCmd) Run(g *globals) error {
	cfg := daemon.Config{
		SocketPath:    g.Socket,
		CacheTTL:      c.CacheTTL,
		SweepInterval: c.SweepInterval,
		QueryTimeout:  c.QueryTimeout,
		Logger:        g.logger,
	}

	if c.Config != "" {
		fileCfg, err := config.Load(c.Config)
		if err != nil {
			return err
		}
		cfg.SocketPath = fileCfg.SocketPath
		cfg.Servers = fileCfg.Servers
		if fileCfg.CacheTTLSeconds > 0 {
			cfg.CacheTTL = time.Duration(fileCfg.CacheTTLSeconds) * time.Second
		}
		if fileCfg.SweepIntervalSeconds > 0 {
			cfg.SweepInterval = time.Duration(fileCfg.SweepIntervalSeconds) * time.Second
		}
		if fileCfg.QueryTimeoutMillis > 0 {
			cfg.QueryTimeout = time.Duration(fileCfg.QueryTimeoutMillis) * time.Millisecond
		}
	}

	flagServers, err := config.ParseServerSpecs(c.Server)
	if err != nil {
		return err
	}
	cfg.Servers = append(cfg.Servers, flagServers...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "context-coordinator",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			g.logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		g.logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		metricsSrv := &http.Server{Addr: c.MetricsAddr, Handler: mux}
		go func() {
			g.logger.Info("metrics listener started", "address", c.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				g.logger.Error("metrics listener failed", "error", err)
			}
		}()
		defer metricsSrv.Close() //nolint:errcheck
	}

	errCh := make(chan error, 1)
	go func() {
		if err := d.Start(); err != nil {
			errCh <- err
		}
	}()

	g.logger.Info("daemon started",
		"socket", d.SocketPath(),
		"servers", len(cfg.Servers),
		"version", version,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return d.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type metricsCmd struct {
	Timeout time.Duration `help:"Request timeout." default:"5s"`
}

func (c *metricsCmd) Run(g *globals) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	cl, err := client.ConnectPath(ctx, g.Socket)
	if err != nil {
		return err
	}

	snap, err := cl.GetMetrics(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

type queryCmd struct {
	Server    string        `arg:"" help:"Backend server name."`
	URI       string        `arg:"" help:"Document URI."`
	Kind      string        `help:"Query kind." default:"completion"`
	Line      uint32        `help:"Zero-based line." default:"0"`
	Character uint32        `help:"Zero-based character." default:"0"`
	Context   string        `help:"Optional query context." optional:""`
	Timeout   time.Duration `help:"Request timeout." default:"10s"`
}

func (c *queryCmd) Run(g *globals) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	cl := client.NewWithPath(g.Socket)

	q := &protocol.Query{
		Kind: c.Kind,
		URI:  c.URI,
		Position: protocol.Position{
			Line:      c.Line,
			Character: c.Character,
		},
	}
	if c.Context != "" {
		q.Context = &c.Context
	}

	result, err := cl.Query(ctx, c.Server, q)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
	}
	return nil, fmt.Errorf("invalid log format: %s", format)
}

func main() {
	var app cli
	kctx := kong.Parse(&app,
		kong.Name("coordinatord"),
		kong.Description("Context coordinator daemon for editor assistance backends."),
		kong.Vars{
			"version":        version,
			"default_socket": daemon.DefaultSocketPath,
		},
	)

	logger, err := buildLogger(app.LogLevel, app.LogFormat)
	kctx.FatalIfErrorf(err)
	app.logger = logger

	kctx.FatalIfErrorf(kctx.Run(&app.globals))
}
