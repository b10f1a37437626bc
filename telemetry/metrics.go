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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/mapsmith/tile-cache"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	tilesTotal         metric.Int64Counter
	fetchDuration      metric.Float64Histogram
	fetchBytesTotal    metric.Int64Counter
	storeOpDuration    metric.Float64Histogram
	storeOpsTotal      metric.Int64Counter
	storeBytesTotal    metric.Int64Counter
	lockWaitDuration   metric.Float64Histogram
	jobRunsTotal       metric.Int64Counter
	jobRunDuration     metric.Float64Histogram
	tileServeCacheHits metric.Int64Counter

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
// Uses sync.Once to ensure single initialisation.
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
		cfg.ServiceName = "tile-cache"
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

	requestsTotal, err := meter.Int64Counter(
		"tile_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"tile_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"tile_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"tile_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	tilesTotal, err := meter.Int64Counter(
		"tile_cache_seed_tiles_total",
		metric.WithDescription("Tiles processed by seed and cleanup runs, by outcome"),
		metric.WithUnit("{tile}"),
	)
	if err != nil {
		return err
	}

	fetchDuration, err := meter.Float64Histogram(
		"tile_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream tile fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	fetchBytesTotal, err := meter.Int64Counter(
		"tile_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream tile servers"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	storeOpDuration, err := meter.Float64Histogram(
		"tile_cache_store_op_duration_seconds",
		metric.WithDescription("Duration of tile store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	storeOpsTotal, err := meter.Int64Counter(
		"tile_cache_store_ops_total",
		metric.WithDescription("Total number of tile store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	storeBytesTotal, err := meter.Int64Counter(
		"tile_cache_store_bytes_total",
		metric.WithDescription("Total bytes written to tile stores"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	lockWaitDuration, err := meter.Float64Histogram(
		"tile_cache_lock_wait_duration_seconds",
		metric.WithDescription("Time spent waiting to acquire a resource lock"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	jobRunsTotal, err := meter.Int64Counter(
		"tile_cache_job_runs_total",
		metric.WithDescription("Total job runs by kind and terminal state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	jobRunDuration, err := meter.Float64Histogram(
		"tile_cache_job_run_duration_seconds",
		metric.WithDescription("Duration of job runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600),
	)
	if err != nil {
		return err
	}

	tileServeCacheHits, err := meter.Int64Counter(
		"tile_cache_serve_cache_total",
		metric.WithDescription("Tile serve requests by front-cache result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		tilesTotal:              tilesTotal,
		fetchDuration:           fetchDuration,
		fetchBytesTotal:         fetchBytesTotal,
		storeOpDuration:         storeOpDuration,
		storeOpsTotal:           storeOpsTotal,
		storeBytesTotal:         storeBytesTotal,
		lockWaitDuration:        lockWaitDuration,
		jobRunsTotal:            jobRunsTotal,
		jobRunDuration:          jobRunDuration,
		tileServeCacheHits:      tileServeCacheHits,
		meterProvider:           mp,
		promHandler:             promHandler,
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Target and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	target := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Target != "" {
			target = tags.Target
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {target, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("target", target),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordTileOutcome counts one tile processed by a seed or cleanup run.
// outcome is one of fetched, skipped, failed, absent, deleted.
func RecordTileOutcome(ctx context.Context, target, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	}
	globalMetrics.tilesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUpstreamFetch records an upstream tile fetch request.
func RecordUpstreamFetch(ctx context.Context, target string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	}
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.fetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordStoreOp records one tile store operation.
func RecordStoreOp(ctx context.Context, store, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordLockWait records time spent acquiring a resource lock.
// strategy is "busy_retry" or "lock_file".
func RecordLockWait(ctx context.Context, strategy string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lockWaitDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordJobRun records one finished job run.
func RecordJobRun(ctx context.Context, kind, state string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("state", state),
	)
	globalMetrics.jobRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.jobRunDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordServeCache counts a tile serve request against the in-process
// front cache. result is "hit" or "miss".
func RecordServeCache(ctx context.Context, target, result string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("result", result),
	}
	globalMetrics.tileServeCacheHits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
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
