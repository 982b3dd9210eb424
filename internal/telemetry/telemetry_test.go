package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInitNoopWhenEndpointEmpty(t *testing.T) {
	m, shutdown, err := Init(context.Background(), "rtmbroker-test", "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())

	// These must not panic against the no-op meter provider.
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SubscriptionOpened()
	m.SubscriptionClosed()
	m.MessagePublished("publisher", 128)
	m.MessageWritten("writer", 64)
	m.BackendError("append")
}

func TestActiveGaugesTrackOpenAndClose(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newMetrics(mp.Meter("rtmbroker-test"))
	if err != nil {
		t.Fatalf("newMetrics: %v", err)
	}

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SubscriptionOpened()

	var data metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &data); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	gauge := func(name string) int64 {
		for _, sm := range data.ScopeMetrics {
			for _, metric := range sm.Metrics {
				if metric.Name != name {
					continue
				}
				sum, ok := metric.Data.(metricdata.Sum[int64])
				if !ok || len(sum.DataPoints) == 0 {
					t.Fatalf("metric %s: unexpected data shape %T", name, metric.Data)
				}
				return sum.DataPoints[0].Value
			}
		}
		t.Fatalf("metric %s not found", name)
		return 0
	}

	if got := gauge("rtmbroker.connections.active"); got != 1 {
		t.Fatalf("active connections = %d, want 1", got)
	}
	if got := gauge("rtmbroker.subscriptions.active"); got != 1 {
		t.Fatalf("active subscriptions = %d, want 1", got)
	}
}

func TestParseEndpointInsecureByDefault(t *testing.T) {
	host, insecure, err := parseEndpoint("http://collector:4318")
	if err != nil {
		t.Fatalf("parseEndpoint: %v", err)
	}
	if host != "collector:4318" {
		t.Fatalf("host = %q, want collector:4318", host)
	}
	if !insecure {
		t.Fatalf("expected http scheme to be insecure")
	}
}

func TestParseEndpointHTTPSIsSecure(t *testing.T) {
	_, insecure, err := parseEndpoint("https://collector:4318")
	if err != nil {
		t.Fatalf("parseEndpoint: %v", err)
	}
	if insecure {
		t.Fatalf("expected https scheme to be secure")
	}
}
