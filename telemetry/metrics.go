// Package telemetry provides OpenTelemetry metrics for the coordinator.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName = "github.com/wolfeidau/context-coordinator"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	ipcRequestsTotal   metric.Int64Counter
	ipcRequestDuration metric.Float64Histogram

	cacheLookupsTotal metric.Int64Counter
	cacheEntries      metric.Int64Gauge
	sweepDeletedTotal metric.Int64Counter
	sweepDuration     metric.Float64Histogram

	providerSpawnsTotal   metric.Int64Counter
	providerQueryDuration metric.Float64Histogram
	providerFetchTotal    metric.Int64Counter
	providerFetchDuration metric.Float64Histogram
	providerFetchBytes    metric.Int64Counter
	poolConnections       metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation. All Record helpers
// are no-ops until this has been called, so library use without
// telemetry carries no cost.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "context-coordinator"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	ipcRequestsTotal, err := meter.Int64Counter(
		"coordinator_ipc_requests_total",
		metric.WithDescription("Total number of IPC requests dispatched"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	ipcRequestDuration, err := meter.Float64Histogram(
		"coordinator_ipc_request_duration_seconds",
		metric.WithDescription("IPC request dispatch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"coordinator_cache_lookups_total",
		metric.WithDescription("Total response cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"coordinator_cache_entries",
		metric.WithDescription("Current number of response cache entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	sweepDeletedTotal, err := meter.Int64Counter(
		"coordinator_cache_sweep_deleted_total",
		metric.WithDescription("Total expired entries removed by the cache sweeper"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"coordinator_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of cache sweep cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return err
	}

	providerSpawnsTotal, err := meter.Int64Counter(
		"coordinator_provider_spawns_total",
		metric.WithDescription("Total context-provider clients constructed by the pool"),
		metric.WithUnit("{spawn}"),
	)
	if err != nil {
		return err
	}

	providerQueryDuration, err := meter.Float64Histogram(
		"coordinator_provider_query_duration_seconds",
		metric.WithDescription("Duration of context-provider query round trips"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	providerFetchTotal, err := meter.Int64Counter(
		"coordinator_provider_fetch_total",
		metric.WithDescription("Total HTTP fetches issued to context providers"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	providerFetchDuration, err := meter.Float64Histogram(
		"coordinator_provider_fetch_duration_seconds",
		metric.WithDescription("Duration of HTTP fetches to context providers"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	providerFetchBytes, err := meter.Int64Counter(
		"coordinator_provider_fetch_bytes_total",
		metric.WithDescription("Total bytes read from context-provider HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	poolConnections, err := meter.Int64Gauge(
		"coordinator_pool_connections",
		metric.WithDescription("Current number of pooled provider connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		ipcRequestsTotal:      ipcRequestsTotal,
		ipcRequestDuration:    ipcRequestDuration,
		cacheLookupsTotal:     cacheLookupsTotal,
		cacheEntries:          cacheEntries,
		sweepDeletedTotal:     sweepDeletedTotal,
		sweepDuration:         sweepDuration,
		providerSpawnsTotal:   providerSpawnsTotal,
		providerQueryDuration: providerQueryDuration,
		providerFetchTotal:    providerFetchTotal,
		providerFetchDuration: providerFetchDuration,
		providerFetchBytes:    providerFetchBytes,
		poolConnections:       poolConnections,
		meterProvider:         mp,
		promHandler:           promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the Prometheus scrape handler, or a 404
// handler when Prometheus export is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil || globalMetrics.promHandler == nil {
		return http.NotFoundHandler()
	}
	return globalMetrics.promHandler
}

// RecordIPCRequest records one dispatched IPC request.
func RecordIPCRequest(ctx context.Context, requestType, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("type", requestType),
		attribute.String("outcome", outcome),
	)
	globalMetrics.ipcRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.ipcRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheLookup records one cache lookup outcome.
func RecordCacheLookup(ctx context.Context, hit bool) {
	if globalMetrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheSize records the current cache entry count.
func RecordCacheSize(ctx context.Context, entries int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, entries)
}

// RecordCacheSweep records one sweep cycle.
func RecordCacheSweep(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// RecordProviderSpawn records construction of a provider client.
func RecordProviderSpawn(ctx context.Context, transport string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.providerSpawnsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordProviderQuery records one provider query round trip.
func RecordProviderQuery(ctx context.Context, server, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("outcome", outcome),
	)
	globalMetrics.providerQueryDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordProviderFetch records one HTTP fetch to a provider.
// Called from the instrumented transport after the response body closes.
func RecordProviderFetch(ctx context.Context, server string, duration time.Duration, bytes int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("outcome", outcome),
	)
	globalMetrics.providerFetchTotal.Add(ctx, 1, attrs)
	globalMetrics.providerFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.providerFetchBytes.Add(ctx, bytes, attrs)
}

// RecordPoolSize records the current pooled connection count.
func RecordPoolSize(ctx context.Context, connections int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.poolConnections.Record(ctx, connections)
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
