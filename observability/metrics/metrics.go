// Package metrics exports engine activity over OpenTelemetry. It ships an
// OTLP-backed exporter for production and hook wiring usable with any meter.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/meridianlabs/go-messaging/pubsub"
)

// Exporter owns the meter provider pushing engine metrics over OTLP.
type Exporter struct {
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	serviceName      string
	serviceNamespace string
	serviceVersion   string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	environment      string
	interval         time.Duration
}

type Option func(*Exporter)

func WithServiceName(name string) Option {
	return func(e *Exporter) {
		e.serviceName = name
	}
}

func WithServiceNamespace(namespace string) Option {
	return func(e *Exporter) {
		e.serviceNamespace = namespace
	}
}

func WithServiceVersion(version string) Option {
	return func(e *Exporter) {
		e.serviceVersion = version
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint.
func WithOTLPEndpoint(endpoint string) Option {
	return func(e *Exporter) {
		e.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint, preferred over HTTP when
// both are configured.
func WithOTLPGRPCEndpoint(endpoint string) Option {
	return func(e *Exporter) {
		e.otlpGRPCEndpoint = endpoint
	}
}

func WithEnvironment(env string) Option {
	return func(e *Exporter) {
		e.environment = env
	}
}

func WithPushInterval(d time.Duration) Option {
	return func(e *Exporter) {
		if d > 0 {
			e.interval = d
		}
	}
}

func defaultExporter() *Exporter {
	return &Exporter{
		serviceName:      "unknown-service",
		serviceNamespace: "default",
		serviceVersion:   "1.0.0",
		otlpEndpoint:     "localhost:4318",
		environment:      "development",
		interval:         10 * time.Second,
	}
}

// NewExporter builds the exporter and installs its meter provider globally.
// The returned func flushes and shuts the provider down.
func NewExporter(ctx context.Context, opts ...Option) (*Exporter, func(), error) {
	e := defaultExporter()
	for _, opt := range opts {
		opt(e)
	}
	if e.otlpGRPCEndpoint == "" && e.otlpEndpoint == "" {
		return nil, nil, fmt.Errorf("metrics: an OTLP endpoint is required")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(e.serviceName),
			semconv.ServiceNamespace(e.serviceNamespace),
			semconv.ServiceVersion(e.serviceVersion),
			semconv.DeploymentEnvironment(e.environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: create resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	if e.otlpGRPCEndpoint != "" {
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(e.otlpGRPCEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("metrics: create OTLP gRPC exporter: %w", err)
		}
	} else {
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(e.otlpEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("metrics: create OTLP HTTP exporter: %w", err)
		}
	}

	e.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(e.interval),
		)),
	)
	otel.SetMeterProvider(e.meterProvider)
	e.meter = e.meterProvider.Meter(e.serviceName)

	return e, func() {
		_ = e.meterProvider.Shutdown(context.Background())
	}, nil
}

// EngineHooks returns a pubsub.Hooks recording engine activity on this
// exporter's meter.
func (e *Exporter) EngineHooks() (pubsub.Hooks, error) {
	return EngineHooks(e.meter)
}

// EngineHooks builds hook callbacks recording publish, delivery and lease
// activity on the given meter. Instruments are created once up front.
func EngineHooks(meter metric.Meter) (pubsub.Hooks, error) {
	published, err := meter.Int64Counter("pubsub.publish.messages",
		metric.WithDescription("messages successfully published"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return pubsub.Hooks{}, fmt.Errorf("metrics: create counter: %w", err)
	}
	publishFailed, err := meter.Int64Counter("pubsub.publish.failures",
		metric.WithDescription("messages that failed to publish"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return pubsub.Hooks{}, fmt.Errorf("metrics: create counter: %w", err)
	}
	received, err := meter.Int64Counter("pubsub.pull.messages",
		metric.WithDescription("messages received on pull streams"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return pubsub.Hooks{}, fmt.Errorf("metrics: create counter: %w", err)
	}
	acked, err := meter.Int64Counter("pubsub.pull.acks",
		metric.WithDescription("messages acknowledged"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return pubsub.Hooks{}, fmt.Errorf("metrics: create counter: %w", err)
	}
	nacked, err := meter.Int64Counter("pubsub.pull.nacks",
		metric.WithDescription("messages negatively acknowledged"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return pubsub.Hooks{}, fmt.Errorf("metrics: create counter: %w", err)
	}
	extended, err := meter.Int64Counter("pubsub.lease.extensions",
		metric.WithDescription("lease deadline extensions issued"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return pubsub.Hooks{}, fmt.Errorf("metrics: create counter: %w", err)
	}
	streamRetries, err := meter.Int64Counter("pubsub.pull.stream_retries",
		metric.WithDescription("stream open attempts retried"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return pubsub.Hooks{}, fmt.Errorf("metrics: create counter: %w", err)
	}

	topicAttr := func(topic string) metric.MeasurementOption {
		return metric.WithAttributes(attribute.String("topic", topic))
	}
	subAttr := func(sub string) metric.MeasurementOption {
		return metric.WithAttributes(attribute.String("subscription", sub))
	}

	return pubsub.Hooks{
		OnPublish: func(ctx context.Context, topic string, count int) {
			published.Add(ctx, int64(count), topicAttr(topic))
		},
		OnPublishFail: func(ctx context.Context, topic string, count int, _ error) {
			publishFailed.Add(ctx, int64(count), topicAttr(topic))
		},
		OnReceive: func(ctx context.Context, sub, _ string) {
			received.Add(ctx, 1, subAttr(sub))
		},
		OnAck: func(ctx context.Context, sub, _ string) {
			acked.Add(ctx, 1, subAttr(sub))
		},
		OnNack: func(ctx context.Context, sub, _ string) {
			nacked.Add(ctx, 1, subAttr(sub))
		},
		OnLeaseExtend: func(ctx context.Context, sub string, count int) {
			extended.Add(ctx, int64(count), subAttr(sub))
		},
		OnStreamRetry: func(ctx context.Context, sub string, _ error, _ time.Duration) {
			streamRetries.Add(ctx, 1, subAttr(sub))
		},
	}, nil
}
