package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the admin API and dispatch metrics:
// - Latency: delivery and request durations
// - Traffic: deliveries, retries, filtered and catch-up events
// - Errors: failed deliveries and engine faults
// - Saturation: running engines
type Metrics struct {
	meter metric.Meter

	// HTTP metrics for the admin API
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Dispatch metrics, labelled by consumer kind
	DispatchDuration  metric.Float64Histogram
	DispatchDelivered metric.Int64Counter
	DispatchFailed    metric.Int64Counter
	DispatchRetries   metric.Int64Counter
	DispatchFiltered  metric.Int64Counter
	CatchUpEvents     metric.Int64Counter
	DispatchFaults    metric.Int64Counter
	EnginesActive     metric.Int64UpDownCounter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("eventbroker")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram(
		"dispatch_duration_seconds",
		metric.WithDescription("Subscriber delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.DispatchDelivered, "dispatch_delivered_total", "Total events accepted by subscribers"},
		{&m.DispatchFailed, "dispatch_failed_total", "Total failed delivery attempts"},
		{&m.DispatchRetries, "dispatch_retries_total", "Total retry attempts"},
		{&m.DispatchFiltered, "dispatch_filtered_total", "Total events skipped by consumer filters"},
		{&m.CatchUpEvents, "dispatch_catchup_events_total", "Total events read by catch-up"},
		{&m.DispatchFaults, "dispatch_faults_total", "Total engine faults"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, nil, err
		}
	}

	m.EnginesActive, err = meter.Int64UpDownCounter(
		"dispatch_engines_active",
		metric.WithDescription("Number of running dispatch engines (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordDispatchDelivered records a delivery accepted by the subscriber.
func (m *Metrics) RecordDispatchDelivered(ctx context.Context, kind string, durationSeconds float64) {
	m.DispatchDelivered.Add(ctx, 1, WithKind(kind))
	m.DispatchDuration.Record(ctx, durationSeconds, WithKind(kind))
}

// RecordDispatchFailed records a failed delivery attempt.
func (m *Metrics) RecordDispatchFailed(ctx context.Context, kind string) {
	m.DispatchFailed.Add(ctx, 1, WithKind(kind))
}

// RecordDispatchRetry records a retry attempt.
func (m *Metrics) RecordDispatchRetry(ctx context.Context, kind string) {
	m.DispatchRetries.Add(ctx, 1, WithKind(kind))
}

// RecordDispatchFiltered records an event skipped by a filter.
func (m *Metrics) RecordDispatchFiltered(ctx context.Context, kind string) {
	m.DispatchFiltered.Add(ctx, 1, WithKind(kind))
}

// RecordCatchUpEvent records an event read during catch-up.
func (m *Metrics) RecordCatchUpEvent(ctx context.Context, kind string) {
	m.CatchUpEvents.Add(ctx, 1, WithKind(kind))
}

// RecordDispatchFault records an engine fault.
func (m *Metrics) RecordDispatchFault(ctx context.Context, kind string) {
	m.DispatchFaults.Add(ctx, 1, WithKind(kind))
}

// RecordEngineActive adjusts the running engine count.
func (m *Metrics) RecordEngineActive(ctx context.Context, kind string, delta int64) {
	m.EnginesActive.Add(ctx, delta, WithKind(kind))
}
