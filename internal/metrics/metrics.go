// Package metrics wires the daemon's in-process counters through the
// OpenTelemetry metrics API: a package-level Meter obtained from the
// global provider, with instruments created once in init() so they
// work whether or not Init has been called yet. Init installs a real
// SDK MeterProvider backed by a ManualReader, which /metrics pulls
// from on each request instead of pushing to a remote collector -
// there is no outbound metrics backend for a single-host daemon to
// talk to.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "github.com/portdaddy/portd"

var instruments struct {
	requestsTotal    metric.Int64Counter
	requestErrors    metric.Int64Counter
	requestLatencyMS metric.Float64Histogram
	reaperPassMS     metric.Float64Histogram
	webhookDelivered metric.Int64Counter
	webhookFailed    metric.Int64Counter
	claimRaceRetries metric.Int64Counter
}

func init() {
	m := otel.Meter(meterName)
	instruments.requestsTotal, _ = m.Int64Counter("portd.http.requests",
		metric.WithDescription("HTTP requests handled, by route"),
		metric.WithUnit("{request}"),
	)
	instruments.requestErrors, _ = m.Int64Counter("portd.http.errors",
		metric.WithDescription("HTTP requests that returned a non-2xx status, by route"),
		metric.WithUnit("{request}"),
	)
	instruments.requestLatencyMS, _ = m.Float64Histogram("portd.http.request_duration_ms",
		metric.WithDescription("HTTP request handling latency"),
		metric.WithUnit("ms"),
	)
	instruments.reaperPassMS, _ = m.Float64Histogram("portd.reaper.pass_duration_ms",
		metric.WithDescription("Duration of a full reaper pass"),
		metric.WithUnit("ms"),
	)
	instruments.webhookDelivered, _ = m.Int64Counter("portd.webhooks.delivered",
		metric.WithDescription("Webhook deliveries that received a 2xx response"),
		metric.WithUnit("{delivery}"),
	)
	instruments.webhookFailed, _ = m.Int64Counter("portd.webhooks.failed",
		metric.WithDescription("Webhook deliveries that failed or were refused"),
		metric.WithUnit("{delivery}"),
	)
	instruments.claimRaceRetries, _ = m.Int64Counter("portd.services.claim_retries",
		metric.WithDescription("Port claim candidate retries triggered by a concurrent claim or OS-binder race"),
		metric.WithUnit("{retry}"),
	)
}

// Handle lets callers pull a point-in-time snapshot and, when -debug
// is set, also stream metrics to stdout on an interval.
type Handle struct {
	reader *sdkmetric.ManualReader
	stdout *sdkmetric.PeriodicReader
}

var (
	initOnce   sync.Once
	initHandle *Handle
	initErr    error
)

// Init installs an SDK MeterProvider as the process-wide global
// provider. debugStdout, when true, additionally exports to stdout
// every 30s for local debugging (-debug flag). The otel global
// delegates instruments created in init() to the first provider
// installed, so Init is once-only: later calls return the original
// Handle (and the first call's debugStdout choice stands).
func Init(debugStdout bool) (*Handle, error) {
	initOnce.Do(func() {
		reader := sdkmetric.NewManualReader()
		opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}

		h := &Handle{reader: reader}
		if debugStdout {
			exp, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
			if err != nil {
				initErr = err
				return
			}
			periodic := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))
			opts = append(opts, sdkmetric.WithReader(periodic))
			h.stdout = periodic
		}

		otel.SetMeterProvider(sdkmetric.NewMeterProvider(opts...))
		initHandle = h
	})
	return initHandle, initErr
}

// RecordRequest records one HTTP request's route, status, and latency.
func RecordRequest(route string, status int, latency time.Duration) {
	attrs := metric.WithAttributes(attribute.String("route", route))
	instruments.requestsTotal.Add(context.Background(), 1, attrs)
	instruments.requestLatencyMS.Record(context.Background(), float64(latency)/float64(time.Millisecond), attrs)
	if status >= 400 {
		instruments.requestErrors.Add(context.Background(), 1, attrs)
	}
}

// RecordReaperPass records the duration of one full reaper pass.
func RecordReaperPass(d time.Duration) {
	instruments.reaperPassMS.Record(context.Background(), float64(d)/float64(time.Millisecond))
}

// RecordWebhookDelivery records the outcome of one delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		instruments.webhookDelivered.Add(context.Background(), 1)
		return
	}
	instruments.webhookFailed.Add(context.Background(), 1)
}

// RecordClaimRetry records one port-claim candidate retry.
func RecordClaimRetry() {
	instruments.claimRaceRetries.Add(context.Background(), 1)
}

// Snapshot pulls the current value of every instrument via the
// ManualReader and flattens it into a JSON-friendly shape for /metrics.
func (h *Handle) Snapshot(ctx context.Context) (map[string]any, error) {
	if h == nil || h.reader == nil {
		return map[string]any{}, nil
	}
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = flattenMetric(m.Data)
		}
	}
	return out, nil
}

// flattenMetric reduces one instrument's aggregation to a small JSON
// value: a scalar total for counters, or count/sum/avg for
// histograms. Per-attribute breakdowns collapse to a sum across
// attribute sets, which is enough for an operator-facing snapshot.
func flattenMetric(data metricdata.Aggregation) any {
	switch a := data.(type) {
	case metricdata.Sum[int64]:
		var total int64
		for _, dp := range a.DataPoints {
			total += dp.Value
		}
		return total
	case metricdata.Sum[float64]:
		var total float64
		for _, dp := range a.DataPoints {
			total += dp.Value
		}
		return total
	case metricdata.Histogram[float64]:
		var count uint64
		var sum float64
		for _, dp := range a.DataPoints {
			count += dp.Count
			sum += dp.Sum
		}
		avg := float64(0)
		if count > 0 {
			avg = sum / float64(count)
		}
		return map[string]any{"count": count, "sum": sum, "avg": avg}
	default:
		return nil
	}
}
