package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	logger := New("kernel", "info", "json")
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if logger.Service() != "kernel" {
		t.Errorf("expected service 'kernel', got %q", logger.Service())
	}
}

func TestNewInvalidLevelDefaultsToInfo(t *testing.T) {
	logger := New("kernel", "not-a-level", "text")
	if logger.Logger.GetLevel().String() != "info" {
		t.Errorf("expected info level fallback, got %s", logger.Logger.GetLevel())
	}
}

func TestWithContextFields(t *testing.T) {
	logger := New("kernel", "debug", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	ctx := context.Background()
	ctx = context.WithValue(ctx, HandleKey, 42)
	ctx = context.WithValue(ctx, MessageKey, "ctx-encrypt")
	ctx = context.WithValue(ctx, AlgorithmKey, "AES")

	logger.WithContext(ctx).Info("dispatching")

	out := buf.String()
	for _, want := range []string{`"handle":42`, `"message":"dispatching"`, `"ctx-encrypt"`, `"AES"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestWithContextNilContext(t *testing.T) {
	logger := New("kernel", "debug", "text")
	entry := logger.WithContext(nil)
	if entry == nil {
		t.Fatal("expected non-nil entry for nil context")
	}
}

func TestContextWithTraceGenerates(t *testing.T) {
	ctx := ContextWithTrace(context.Background(), "")
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok || traceID == "" {
		t.Fatal("expected a generated trace ID")
	}

	ctx = ContextWithTrace(context.Background(), "fixed-id")
	if got := ctx.Value(TraceIDKey); got != "fixed-id" {
		t.Errorf("expected supplied trace ID to be kept, got %v", got)
	}
}

func TestGenerateTraceIDUnique(t *testing.T) {
	a := GenerateTraceID()
	b := GenerateTraceID()
	if a == b {
		t.Error("expected unique trace IDs")
	}
}

func TestDomainHelpers(t *testing.T) {
	logger := New("kernel", "debug", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	LogObjectCreated(logger, 7, "context")
	LogStateTransition(logger, 7, "low", "high")
	LogSelfTestResult(logger, "AES", true, nil)
	LogDeviceFallback(logger, "dev-wrap-key", "pkcs1v15")
	LogShutdown(logger, "threads-exiting")

	out := buf.String()
	for _, want := range []string{"object created", "state transition", "self-test passed", "falling back", "shutdown level"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q", want)
		}
	}
}

func TestDomainHelpersNilLogger(t *testing.T) {
	// All helpers must be safe on a nil logger.
	LogObjectCreated(nil, 1, "context")
	LogStateTransition(nil, 1, "low", "high")
	LogSelfTestResult(nil, "AES", false, nil)
	LogDeviceFallback(nil, "op", "mech")
	LogShutdown(nil, "messages-closed")
}
