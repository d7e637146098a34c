// Package otelx installs the global OpenTelemetry tracer provider and
// propagators.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"

	"github.com/brandplot/brandplot-server/internal/xerrors"
)

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string
	// Exporter replaces the OTLP gRPC exporter when set.
	Exporter sdktrace.SpanExporter
}

// Init sets the global tracer provider and returns its shutdown func. When
// disabled a provider with no exporter is installed so spans still carry
// valid ids for log correlation and response headers.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	setPropagator()

	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp := o.Exporter
	if exp == nil {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(o.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(userAgent(o))),
		}
		if o.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}

		// New blocks without a deadline; the collector runs on the host so
		// a short bound is enough
		dialCtx, dialCancel := context.WithTimeout(ctx, 3*time.Second)
		defer dialCancel()
		var err error
		exp, err = otlptracegrpc.New(dialCtx, opts...)
		if err != nil {
			return nil, xerrors.Wrapf(err, "otlp exporter endpoint=%s", o.Endpoint)
		}
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName(o)),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)
	if err != nil && res == nil {
		return nil, xerrors.Wrap(err, "otel resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(clampRatio(o.Sample)),
		)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// userAgent identifies the exporting service to the collector.
func userAgent(o Options) string {
	if o.Version == "" {
		return serviceName(o)
	}
	return serviceName(o) + "/" + o.Version
}

func setPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}

func serviceName(o Options) string {
	switch {
	case o.Service == "":
		return "brandplot"
	case o.Component == "":
		return o.Service
	default:
		return o.Service + "." + o.Component
	}
}

func clampRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
