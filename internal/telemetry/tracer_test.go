package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"
)

func TestInit_NoopWhenEmpty(t *testing.T) {
	tracer, shutdown, err := Init(context.Background(), "", "v0.0.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer shutdown(context.Background()) //nolint:errcheck // test cleanup

	_, span := tracer.Start(context.Background(), "resolve")
	if _, ok := span.(noop.Span); !ok {
		t.Error("expected noop span when endpoint is empty")
	}
	span.End()
}
