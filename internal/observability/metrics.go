package observability

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds every instrument the process records. A nil *Metrics means
// metrics are disabled; callers check before recording.
type Metrics struct {
	// HTTP server (reference server)
	HTTPRequestCount    metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPResponseSize    metric.Int64Histogram

	// Real-time client
	RealtimeConnectAttempts    metric.Int64Counter
	RealtimeConnectFailures    metric.Int64Counter
	RealtimeReconnects         metric.Int64Counter
	RealtimeMessagesReceived   metric.Int64Counter
	RealtimeMessagesDropped    metric.Int64Counter
	RealtimeDispatchFailures   metric.Int64Counter
	RealtimeConnectedEndpoints metric.Int64Gauge
	NotificationsDelivered     metric.Int64Counter

	// Real-time server
	HubConnections metric.Int64UpDownCounter
	HubBroadcasts  metric.Int64Counter
}

// InitMetrics creates the instruments on mp.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("rentrt")
	m := &Metrics{}
	var err error

	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("failed to create %s counter: %w", name, err)
		}
	}

	counter(&m.HTTPRequestCount, "http.server.request_count", "Number of HTTP requests", "{request}")
	counter(&m.RealtimeConnectAttempts, "realtime.client.connect_attempts", "Endpoint dial attempts", "{attempt}")
	counter(&m.RealtimeConnectFailures, "realtime.client.connect_failures", "Endpoint dials that failed", "{attempt}")
	counter(&m.RealtimeReconnects, "realtime.client.reconnects", "Reconnect attempts after a dropped connection", "{attempt}")
	counter(&m.RealtimeMessagesReceived, "realtime.client.messages_received", "Decoded inbound messages", "{message}")
	counter(&m.RealtimeMessagesDropped, "realtime.client.messages_dropped", "Inbound frames that were malformed or of an unknown type", "{message}")
	counter(&m.RealtimeDispatchFailures, "realtime.client.dispatch_failures", "Subscriber handlers that failed or panicked", "{failure}")
	counter(&m.NotificationsDelivered, "realtime.client.notifications_delivered", "Notifications added to the store", "{notification}")
	counter(&m.HubBroadcasts, "realtime.server.broadcasts", "Messages fanned out by the hub", "{message}")
	if err != nil {
		return nil, err
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.server.request_duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	m.HTTPResponseSize, err = meter.Int64Histogram(
		"http.server.response_size",
		metric.WithDescription("HTTP response size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create response size histogram: %w", err)
	}

	m.RealtimeConnectedEndpoints, err = meter.Int64Gauge(
		"realtime.client.connected_endpoints",
		metric.WithDescription("Endpoints currently connected"),
		metric.WithUnit("{endpoint}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connected endpoints gauge: %w", err)
	}

	m.HubConnections, err = meter.Int64UpDownCounter(
		"realtime.server.connections",
		metric.WithDescription("Open websocket connections on the hub"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create hub connections counter: %w", err)
	}

	return m, nil
}

// initMeterProvider builds a provider exporting through cfg.Exporter.
func initMeterProvider(ctx context.Context, cfg *Config) (*sdkmetric.MeterProvider, error) {
	var exporter sdkmetric.Exporter

	switch cfg.Exporter {
	case "stdout":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		exporter = exp
	case "otlp":
		conn, err := dialCollector(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	), nil
}

// dialCollector opens a lazy gRPC client to the OTLP collector.
func dialCollector(endpoint string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to OTLP collector: %w", err)
	}
	return conn, nil
}
