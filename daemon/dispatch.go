package daemon

import (
	"context"
	"log/slog"
	"time"

	coordinator "github.com/wolfeidau/context-coordinator"
	"github.com/wolfeidau/context-coordinator/protocol"
	"github.com/wolfeidau/context-coordinator/telemetry"
)

// dispatch routes one decoded envelope to its handler and wraps the
// result in a response envelope carrying the same correlation id.
//
// A Response payload where a Request was expected is answered with an
// Error rather than terminating the connection, so one misbehaving
// message does not kill an otherwise healthy peer.
func (d *Daemon) dispatch(ctx context.Context, logger *slog.Logger, env *protocol.Envelope) *protocol.Envelope {
	switch env.Payload.Kind {
	case protocol.KindRequest:
		req := env.Payload.Request
		start := time.Now()
		resp := d.handleRequest(ctx, logger, req)

		outcome := "ok"
		if resp.Type == protocol.ResponseError {
			outcome = "error"
		}
		telemetry.RecordIPCRequest(ctx, string(req.Type), outcome, time.Since(start))

		return protocol.NewResponse(env.ID, resp)
	case protocol.KindResponse:
		logger.Warn("received response payload where a request was expected")
		return protocol.NewResponse(env.ID, protocol.Errorf("unexpected response payload from client"))
	}
	return protocol.NewResponse(env.ID, protocol.Errorf("unknown payload kind %q", env.Payload.Kind))
}

func (d *Daemon) handleRequest(ctx context.Context, logger *slog.Logger, req *protocol.Request) *protocol.Response {
	switch req.Type {
	case protocol.RequestConnect:
		return d.handleConnect(ctx, logger, req.ServerName)
	case protocol.RequestQuery:
		return d.handleQuery(ctx, logger, req.ServerName, req.Query)
	case protocol.RequestGetCache:
		return d.handleGetCache(req.Key)
	case protocol.RequestSetCache:
		return d.handleSetCache(req.Key, req.Value, req.TTLSeconds)
	case protocol.RequestGetMetrics:
		return d.handleGetMetrics()
	case protocol.RequestShutdown:
		// Acknowledged but inert: process teardown is signal-driven,
		// never requested over the wire.
		logger.Info("shutdown requested over ipc, ignoring")
		return &protocol.Response{Type: protocol.ResponseOk}
	}
	return protocol.Errorf("unknown request type %q", req.Type)
}

func (d *Daemon) handleConnect(ctx context.Context, logger *slog.Logger, serverName string) *protocol.Response {
	serverConfig, ok := d.servers[serverName]
	if !ok {
		return protocol.Errorf("Unknown server: %s", serverName)
	}

	_, connectionID, err := d.pool.GetOrCreate(ctx, serverConfig)
	if err != nil {
		d.errors.Add(1)
		return protocol.Errorf("%v", err)
	}

	logger.Info("connected to server", "server", serverName, "connection_id", connectionID)
	return &protocol.Response{Type: protocol.ResponseConnected, ConnectionID: connectionID}
}

func (d *Daemon) handleQuery(ctx context.Context, logger *slog.Logger, serverName string, q *protocol.Query) *protocol.Response {
	d.totalQueries.Add(1)

	if q == nil {
		d.errors.Add(1)
		return protocol.Errorf("query request has no query payload")
	}

	cacheKey := coordinator.MakeKey(serverName, q)
	if cached, ok := d.cache.Get(cacheKey); ok {
		logger.Debug("cache hit", "key", cacheKey)
		return &protocol.Response{Type: protocol.ResponseQueryResult, QueryResult: cached}
	}

	serverConfig, ok := d.servers[serverName]
	if !ok {
		d.errors.Add(1)
		return protocol.Errorf("Unknown server: %s", serverName)
	}

	client, _, err := d.pool.GetOrCreate(ctx, serverConfig)
	if err != nil {
		d.errors.Add(1)
		return protocol.Errorf("%v", err)
	}

	result, err := client.Query(ctx, q)
	if err != nil {
		d.errors.Add(1)
		return protocol.Errorf("query failed: %v", err)
	}

	d.cache.SetDefault(cacheKey, result)
	return &protocol.Response{Type: protocol.ResponseQueryResult, QueryResult: result}
}

func (d *Daemon) handleGetCache(key string) *protocol.Response {
	if value, ok := d.cache.Get(key); ok {
		return &protocol.Response{Type: protocol.ResponseCacheHit, QueryResult: value}
	}
	return &protocol.Response{Type: protocol.ResponseCacheMiss}
}

func (d *Daemon) handleSetCache(key string, value *protocol.QueryResult, ttlSeconds uint64) *protocol.Response {
	d.cache.Set(key, value, time.Duration(ttlSeconds)*time.Second)
	return &protocol.Response{Type: protocol.ResponseOk}
}

func (d *Daemon) handleGetMetrics() *protocol.Response {
	snapshot := &protocol.MetricsSnapshot{
		ActiveConnections: d.pool.ActiveConnections(),
		CacheHits:         d.cache.Hits(),
		CacheMisses:       d.cache.Misses(),
		TotalQueries:      d.totalQueries.Load(),
		Errors:            d.errors.Load(),
		UptimeSeconds:     uint64(time.Since(d.startTime).Seconds()),
	}
	return &protocol.Response{Type: protocol.ResponseMetrics, MetricsSnapshot: snapshot}
}
