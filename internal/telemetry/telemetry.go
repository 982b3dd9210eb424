// Package telemetry wires domain.Metrics to OpenTelemetry, exporting over
// OTLP/HTTP when an endpoint is configured and falling back to a no-op
// meter provider otherwise.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

// Metrics implements domain.Metrics over an OTel meter.
type Metrics struct {
	connectionsOpened   apimetric.Int64Counter
	connectionsClosed   apimetric.Int64Counter
	subscriptionsOpened apimetric.Int64Counter
	subscriptionsClosed apimetric.Int64Counter
	messagesPublished   apimetric.Int64Counter
	bytesPublished      apimetric.Int64Counter
	messagesWritten     apimetric.Int64Counter
	bytesWritten        apimetric.Int64Counter
	backendErrors       apimetric.Int64Counter

	// activeConnections and activeSubscriptions are true gauges: opened
	// events add 1, closed events add -1, so the exported value always
	// reflects the current live count rather than a monotonic total a
	// dashboard would have to subtract itself.
	activeConnections   apimetric.Int64UpDownCounter
	activeSubscriptions apimetric.Int64UpDownCounter
}

// Init configures OpenTelemetry metrics for the broker. When endpoint is
// empty it installs a no-op meter provider, so every counter call is cheap
// and safe with telemetry disabled.
func Init(ctx context.Context, serviceName, endpoint string) (*Metrics, func(context.Context) error, error) {
	endpoint = strings.TrimSpace(endpoint)
	if serviceName == "" {
		serviceName = "rtmbroker"
	}

	var meterProvider apimetric.MeterProvider
	shutdown := func(context.Context) error { return nil }

	if endpoint == "" {
		meterProvider = noop.NewMeterProvider()
	} else {
		host, insecure, err := parseEndpoint(endpoint)
		if err != nil {
			return nil, nil, err
		}

		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
		if insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}

		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
		}

		res, err := resource.New(ctx, resource.WithAttributes(
			semconvServiceName(serviceName)...,
		))
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: build resource: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
		meterProvider = mp
		shutdown = mp.Shutdown
	}

	otel.SetMeterProvider(meterProvider)
	meter := meterProvider.Meter(serviceName)

	m, err := newMetrics(meter)
	if err != nil {
		return nil, nil, err
	}

	return m, shutdown, nil
}

func newMetrics(meter apimetric.Meter) (*Metrics, error) {
	var err error
	m := &Metrics{}

	counters := []struct {
		target *apimetric.Int64Counter
		name   string
		desc   string
	}{
		{&m.connectionsOpened, "rtmbroker.connections.opened", "connections accepted"},
		{&m.connectionsClosed, "rtmbroker.connections.closed", "connections closed"},
		{&m.subscriptionsOpened, "rtmbroker.subscriptions.opened", "subscriptions started"},
		{&m.subscriptionsClosed, "rtmbroker.subscriptions.closed", "subscriptions ended"},
		{&m.messagesPublished, "rtmbroker.messages.published", "messages published"},
		{&m.bytesPublished, "rtmbroker.bytes.published", "bytes published"},
		{&m.messagesWritten, "rtmbroker.messages.written", "kv writes"},
		{&m.bytesWritten, "rtmbroker.bytes.written", "kv bytes written"},
		{&m.backendErrors, "rtmbroker.backend.errors", "backend operation failures"},
	}

	for _, c := range counters {
		counter, cErr := meter.Int64Counter(c.name, apimetric.WithDescription(c.desc))
		if cErr != nil {
			err = fmt.Errorf("telemetry: create counter %s: %w", c.name, cErr)
			break
		}
		*c.target = counter
	}
	if err != nil {
		return nil, err
	}

	gauges := []struct {
		target *apimetric.Int64UpDownCounter
		name   string
		desc   string
	}{
		{&m.activeConnections, "rtmbroker.connections.active", "connections currently open"},
		{&m.activeSubscriptions, "rtmbroker.subscriptions.active", "subscriptions currently open"},
	}
	for _, g := range gauges {
		gauge, gErr := meter.Int64UpDownCounter(g.name, apimetric.WithDescription(g.desc))
		if gErr != nil {
			return nil, fmt.Errorf("telemetry: create gauge %s: %w", g.name, gErr)
		}
		*g.target = gauge
	}

	return m, nil
}

func (m *Metrics) ConnectionOpened() {
	ctx := context.Background()
	m.connectionsOpened.Add(ctx, 1)
	m.activeConnections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed() {
	ctx := context.Background()
	m.connectionsClosed.Add(ctx, 1)
	m.activeConnections.Add(ctx, -1)
}

func (m *Metrics) SubscriptionOpened() {
	ctx := context.Background()
	m.subscriptionsOpened.Add(ctx, 1)
	m.activeSubscriptions.Add(ctx, 1)
}

func (m *Metrics) SubscriptionClosed() {
	ctx := context.Background()
	m.subscriptionsClosed.Add(ctx, 1)
	m.activeSubscriptions.Add(ctx, -1)
}

func (m *Metrics) MessagePublished(role string, bytes int) {
	ctx := context.Background()
	m.messagesPublished.Add(ctx, 1, apimetric.WithAttributes(roleAttr(role)))
	m.bytesPublished.Add(ctx, int64(bytes), apimetric.WithAttributes(roleAttr(role)))
}

func (m *Metrics) MessageWritten(role string, bytes int) {
	ctx := context.Background()
	m.messagesWritten.Add(ctx, 1, apimetric.WithAttributes(roleAttr(role)))
	m.bytesWritten.Add(ctx, int64(bytes), apimetric.WithAttributes(roleAttr(role)))
}

func (m *Metrics) BackendError(op string) {
	m.backendErrors.Add(context.Background(), 1, apimetric.WithAttributes(opAttr(op)))
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("telemetry: parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}

var _ domain.Metrics = (*Metrics)(nil)
