package otel

import (
	"context"
	"testing"
	"time"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
}

func TestInit_Disabled_ShutdownNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Shutdown should be a no-op and not error
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil Tracer")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_StdoutExportsMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:        true,
		Exporter:       ExporterStdout,
		MetricInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("Init stdout: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m == nil {
		t.Fatal("expected metrics")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewMetricExporter_OnlyForMetricPipelines(t *testing.T) {
	for _, name := range []string{ExporterOTLPHTTP, ExporterNone, ""} {
		exp, err := newMetricExporter(context.Background(), Config{Exporter: name})
		if err != nil || exp != nil {
			t.Fatalf("exporter %q: got %v, %v; want nil, nil", name, exp, err)
		}
	}
}

func TestGRPCEndpoint_Default(t *testing.T) {
	if got := grpcEndpoint(Config{}); got != "localhost:4317" {
		t.Fatalf("default endpoint = %q", got)
	}
	if got := grpcEndpoint(Config{Endpoint: "collector:4317"}); got != "collector:4317" {
		t.Fatalf("endpoint = %q", got)
	}
}
