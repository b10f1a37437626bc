package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter("tile_cache_http_requests_total")
	require.NoError(t, err)

	responseBytesTotal, err := meter.Int64Counter("tile_cache_http_response_bytes_total")
	require.NoError(t, err)

	requestDuration, err := meter.Float64Histogram("tile_cache_http_request_duration_seconds")
	require.NoError(t, err)

	requestsByEndpointTotal, err := meter.Int64Counter("tile_cache_http_requests_by_endpoint_total")
	require.NoError(t, err)

	tilesTotal, err := meter.Int64Counter("tile_cache_seed_tiles_total")
	require.NoError(t, err)

	jobRunsTotal, err := meter.Int64Counter("tile_cache_job_runs_total")
	require.NoError(t, err)

	jobRunDuration, err := meter.Float64Histogram("tile_cache_job_run_duration_seconds")
	require.NoError(t, err)

	lockWaitDuration, err := meter.Float64Histogram("tile_cache_lock_wait_duration_seconds")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		tilesTotal:              tilesTotal,
		jobRunsTotal:            jobRunsTotal,
		jobRunDuration:          jobRunDuration,
		lockWaitDuration:        lockWaitDuration,
		meterProvider:           mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/tiles/osm/3/1/2", nil)
	r = InjectTags(r)
	SetTarget(r, "osm")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "tile_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "target", "osm"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "tile_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	durDps := findHistogram(rm, "tile_cache_http_request_duration_seconds")
	require.Len(t, durDps, 1)
	require.EqualValues(t, 1, durDps[0].Count)
}

func TestRecordHTTP_EndpointDetail(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/tiles/osm/tilejson.json", nil)
	r = InjectTags(r)
	SetTarget(r, "osm")
	SetEndpoint(r, "tilejson")

	RecordHTTP(context.Background(), r, http.StatusOK, 256, time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "tile_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "tilejson"))
}

func TestRecordHTTP_NoEndpointOmitsDetailMetric(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	RecordHTTP(context.Background(), r, http.StatusOK, 2, time.Millisecond)

	rm := collectMetrics(t, reader)
	require.Empty(t, findCounter(rm, "tile_cache_http_requests_by_endpoint_total"))
}

func TestRecordHTTP_UninitializedIsNoop(t *testing.T) {
	require.Nil(t, globalMetrics)
	r := InjectTags(httptest.NewRequest(http.MethodGet, "/tiles/osm/0/0/0", nil))
	RecordHTTP(context.Background(), r, http.StatusOK, 1, time.Millisecond) // should not panic
}

func TestRecordTileOutcome(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordTileOutcome(context.Background(), "osm", "fetched")
	RecordTileOutcome(context.Background(), "osm", "fetched")
	RecordTileOutcome(context.Background(), "osm", "absent")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "tile_cache_seed_tiles_total")
	require.Len(t, dps, 2)

	for _, dp := range dps {
		if hasAttr(dp.Attributes, "outcome", "fetched") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "outcome", "absent"))
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordJobRun(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordJobRun(context.Background(), "seed", "done", 90*time.Second)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "tile_cache_job_runs_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "seed"))
	require.True(t, hasAttr(dps[0].Attributes, "state", "done"))

	durDps := findHistogram(rm, "tile_cache_job_run_duration_seconds")
	require.Len(t, durDps, 1)
	require.InDelta(t, 90.0, durDps[0].Sum, 0.001)
}

func TestRecordLockWait(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordLockWait(context.Background(), "lock_file", 30*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findHistogram(rm, "tile_cache_lock_wait_duration_seconds")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "strategy", "lock_file"))
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "2xx", StatusClass(204))
	require.Equal(t, "3xx", StatusClass(304))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(503))
	require.Equal(t, "unknown", StatusClass(0))
}
