package telemetry

import (
	"context"
	"testing"
)

func TestInitTraceProviderDisabled(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("disabled init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown: %v", err)
	}
}

func TestStartRequestSpanNoop(t *testing.T) {
	// Without a provider the global tracer is a noop; spans must still be
	// safe to use and end.
	ctx, span := StartRequestSpan(context.Background(), "execute", "agent-1")
	if ctx == nil {
		t.Fatal("nil context")
	}
	EndWithStatus(span, "auto_approved", nil)

	_, span = StartRequestSpan(context.Background(), "execute", "agent-1")
	EndWithStatus(span, "", context.DeadlineExceeded)
}
