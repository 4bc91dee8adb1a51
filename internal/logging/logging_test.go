package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("scheduler")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("session started", "sessionId", "abc-123")

	out := buf.String()
	if strings.Contains(out, `msg="INFO session started`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=\"session started\"") {
		t.Fatalf("expected plain session started message, got: %s", out)
	}
	if !strings.Contains(out, "component=scheduler") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "sessionId=abc-123") {
		t.Fatalf("expected sessionId field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("scheduler")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestInitJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	L("encoder").Info("segment sealed", "frames", 12)

	out := buf.String()
	if !strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected JSON output, got: %s", out)
	}
	if !strings.Contains(out, `"component":"encoder"`) {
		t.Fatalf("expected component field, got: %s", out)
	}
}

func TestWithSessionAddsCorrelationField(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger := WithSession(L("uploader"), "sess-42")
	logger.Info("upload complete")

	out := buf.String()
	if !strings.Contains(out, "sessionId=sess-42") {
		t.Fatalf("expected sessionId field, got: %s", out)
	}
}
