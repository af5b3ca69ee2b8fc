package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSetup_Disabled(t *testing.T) {
	p, err := Setup(context.Background(), Config{}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	_, span := p.Tracer("x").Start(context.Background(), "op")
	if span.SpanContext().IsValid() {
		t.Error("disabled provider produced a recording span")
	}
	End(span, nil)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestSetup_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(context.Background(), Config{Enabled: true, ServiceName: "brokerlink-test"}, "v0", &buf)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	_, span := p.Tracer("connection").Start(context.Background(), "broker.buy")
	End(span, errors.New("rejected"))

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "broker.buy") {
		t.Errorf("exported output missing span name: %s", out)
	}
	if !strings.Contains(out, "brokerlink-test") {
		t.Errorf("exported output missing service name")
	}
}

func TestProvider_NilSafe(t *testing.T) {
	var p *Provider
	_, span := p.Tracer("x").Start(context.Background(), "op")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
