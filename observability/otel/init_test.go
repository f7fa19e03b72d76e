package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc , broken,=skip,tenant=escrow ,")
	if len(got) != 2 {
		t.Fatalf("expected 2 headers, got %v", got)
	}
	if got["api-key"] != "abc" || got["tenant"] != "escrow" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": "http://collector:4318/",
		"OTEL_EXPORTER_OTLP_HEADERS":  "x-token=1",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	cfg := ApplyEnv(Config{ServiceName: "escrowd"}, lookup)
	if cfg.Endpoint != "collector:4318" {
		t.Fatalf("unexpected endpoint %q", cfg.Endpoint)
	}
	if !cfg.Insecure || !cfg.Traces || cfg.Metrics {
		t.Fatalf("unexpected flags %+v", cfg)
	}
	if cfg.Headers["x-token"] != "1" {
		t.Fatalf("headers not applied: %v", cfg.Headers)
	}

	env["OTEL_EXPORTER_OTLP_INSECURE"] = "false"
	if ApplyEnv(Config{}, lookup).Insecure {
		t.Fatalf("explicit insecure=false ignored")
	}
}

func TestInitWithoutExporters(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name error")
	}
	cfg := Config{ServiceName: "escrowd"}
	if cfg.Enabled() {
		t.Fatalf("zero config should be disabled")
	}
	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
