package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/jinro-voice/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	ts := httptest.NewServer(h)
	defer ts.Close()
	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestMetricsCarryVersionAndBoundedLabels(t *testing.T) {
	ctx := context.Background()
	res, err := newResource(ctx, config.Default(), "1.2.3")
	if err != nil {
		t.Fatal(err)
	}
	provider, handler, err := initMetrics(res)
	if err != nil {
		t.Fatalf("init metrics: %v", err)
	}
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	meter := provider.Meter("test")
	requests, err := meter.Int64Counter("jinro.gateway.requests")
	if err != nil {
		t.Fatal(err)
	}
	requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", "synthesize"),
		attribute.String("session", "s-1"),
	))
	failures, err := meter.Int64Counter("jinro.conversation.turn_failures")
	if err != nil {
		t.Fatal(err)
	}
	failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", "seer"),
		attribute.String("turn", "3"),
	))

	body := scrape(t, handler)
	for _, want := range []string{
		"jinro_gateway_requests_total{",
		`op="synthesize"`,
		"jinro_conversation_turn_failures_total{",
		`role="seer"`,
		`service_version="1.2.3"`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q:\n%s", want, body)
		}
	}
	for _, unwanted := range []string{`session="s-1"`, `turn="3"`} {
		if strings.Contains(body, unwanted) {
			t.Fatalf("scrape carries filtered label %q", unwanted)
		}
	}
}

func TestMetricsSetupIsRepeatable(t *testing.T) {
	ctx := context.Background()
	res, err := newResource(ctx, config.Default(), "test")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		provider, _, err := initMetrics(res)
		if err != nil {
			t.Fatalf("init metrics %d: %v", i, err)
		}
		_ = provider.Shutdown(ctx)
	}
}

func TestSpanExporterFollowsLogLevel(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Telemetry.OTLPEndpoint = ""

	cfg.Telemetry.LogLevel = "info"
	exporter, name, err := newSpanExporter(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if exporter != nil || name != "none" {
		t.Fatalf("info level: got exporter %q", name)
	}

	cfg.Telemetry.LogLevel = "debug"
	exporter, name, err = newSpanExporter(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if exporter == nil || name != "stdout" {
		t.Fatalf("debug level: got exporter %q", name)
	}
	_ = exporter.Shutdown(ctx)
}
