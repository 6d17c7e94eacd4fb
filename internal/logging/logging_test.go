package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("capture")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("device opened", "path", "/dev/video0")

	out := buf.String()
	if strings.Contains(out, `msg="INFO device opened`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=\"device opened\"") {
		t.Fatalf("expected plain message, got: %s", out)
	}
	if !strings.Contains(out, "component=capture") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "path=/dev/video0") {
		t.Fatalf("expected path field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("capture")

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

func TestWithSessionAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger := WithSession(L("rfb"), "10.0.0.5:52100", 7)
	logger.Info("client connected")

	out := buf.String()
	if !strings.Contains(out, "clientId=10.0.0.5:52100") {
		t.Fatalf("expected clientId field, got: %s", out)
	}
	if !strings.Contains(out, "sessionId=7") {
		t.Fatalf("expected sessionId field, got: %s", out)
	}
}
