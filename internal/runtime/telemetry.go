package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/jinro-voice/internal/config"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Gateway latency buckets in milliseconds. Speech calls routinely take
// several seconds.
var gatewayLatencyBounds = []float64{100, 250, 500, 1000, 2500, 5000, 10000, 20000, 40000}

func setupTelemetry(cfg config.Config, version string, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := newResource(ctx, cfg, version)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler, err := initMetrics(res)
	if err != nil {
		_ = traceProvider.Shutdown(ctx)
		return nil, nil, err
	}
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return shutdown, metricHandler, nil
}

func newResource(ctx context.Context, cfg config.Config, version string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(version),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("jinro.gateway.mode", cfg.Gateway.Mode),
			attribute.String("jinro.gateway.text_mode", cfg.Gateway.TextMode),
		),
	)
}

// initTracer exports spans over OTLP when an endpoint is configured. Without
// one, spans are written to stdout only at debug level and dropped otherwise.
func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	exporter, name, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	} else {
		opts = append(opts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}
	logger.Info("telemetry initialized", slog.String("exporter", name))
	return sdktrace.NewTracerProvider(opts...), nil
}

func newSpanExporter(ctx context.Context, cfg config.Config) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, "", err
		}
		return exporter, "otlp", nil
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Telemetry.LogLevel), "debug") {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, "", err
		}
		return exporter, "stdout", nil
	}
	return nil, "none", nil
}

// initMetrics serves the service's instruments from a private registry so
// repeated setup never collides with the global one.
func initMetrics(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prom.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(metricViews()...),
	)
	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// metricViews keeps label cardinality bounded: gateway instruments carry
// only the operation and turn failures only the role.
func metricViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "jinro.gateway.duration"},
			sdkmetric.Stream{
				AttributeFilter: attribute.NewAllowKeysFilter("op"),
				Aggregation:     sdkmetric.AggregationExplicitBucketHistogram{Boundaries: gatewayLatencyBounds},
			},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "jinro.gateway.*", Kind: sdkmetric.InstrumentKindCounter},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter("op")},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "jinro.conversation.turn_failures"},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter("role")},
		),
	}
}
