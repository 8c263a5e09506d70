package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil {
			t.Fatalf("round trip %v: %v", level, err)
		}
		if parsed != level {
			t.Errorf("expected %v, got %v", level, parsed)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("expected default format Text, got %v", cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := New(&Config{
		Level:     LevelDebug,
		Format:    format,
		Component: "test",
		Writer:    &buf,
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger, &buf
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)
	logger.Info("filled", "source", "RDSEED", "bytes", 64)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "filled" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
	if entry["component"] != "test" {
		t.Errorf("unexpected component: %v", entry["component"])
	}
	if entry["source"] != "RDSEED" {
		t.Errorf("unexpected source: %v", entry["source"])
	}
}

func TestRedaction(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)
	logger.Info("oops", "seed", "deadbeef", "output", []byte{1, 2, 3}, "source", "RDRAND")

	out := buf.String()
	if strings.Contains(out, "deadbeef") {
		t.Errorf("seed leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker: %s", out)
	}
	if !strings.Contains(out, "RDRAND") {
		t.Errorf("non-sensitive attribute missing: %s", out)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"seed", true},
		{"SEED", true},
		{"drbg_key", true},
		{"secret", true},
		{"random_bytes", true},
		{"output", true},
		{"entropy_bytes", true},
		{"source", false},
		{"bytes", false},
		{"credited_bits", false},
		{"retries", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestSetLevelPropagates(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)
	child := logger.WithComponent("chain")

	logger.SetLevel(LevelWarn)
	child.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged after raising level: %s", buf.String())
	}

	child.Warn("shown")
	if !strings.Contains(buf.String(), "component=chain") {
		t.Errorf("expected component attribute: %s", buf.String())
	}
}

func TestNewRequestID(t *testing.T) {
	logger, _ := newBufferLogger(t, FormatText)

	id1 := logger.NewRequestID()
	id2 := logger.WithComponent("other").NewRequestID()

	if id1 == "" {
		t.Error("NewRequestID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewRequestID returned duplicate IDs")
	}
	if !strings.HasPrefix(id1, "test-") {
		t.Errorf("NewRequestID should start with component name, got %q", id1)
	}
}

func TestLoggerWithContext(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)

	ctx := ContextWithRequestID(context.Background(), "req-789")
	if got := RequestIDFromContext(ctx); got != "req-789" {
		t.Fatalf("expected req-789, got %q", got)
	}

	logger.WithContext(ctx).Info("cycle")
	if !strings.Contains(buf.String(), "request_id=req-789") {
		t.Errorf("request id missing: %s", buf.String())
	}

	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hwrng.log")
	logger, err := New(&Config{Level: LevelInfo, Output: "file", FilePath: path})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("written to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("unexpected log content: %s", data)
	}

	if _, err := New(&Config{Output: "file"}); err == nil {
		t.Error("expected error for file output without path")
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nowhere")
	if logger.Logger == nil {
		t.Error("Discard returned nil logger")
	}
}
