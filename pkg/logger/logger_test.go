package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerInit(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() {
		if err := Sync(); err != nil {
			t.Errorf("failed to sync logger: %v", err)
		}
	}()

	if Get() == nil {
		t.Fatal("logger is nil after initialization")
	}

	if err := Init(WithFormat("yaml")); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(WithFormat(FormatJSON), WithWriter(&buf))
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}

	l.Named("upload").Info(context.Background(), "batch posted",
		String("batch_tag", "t1"),
		Int("keys", 3),
		Bool("complete", true),
		Strings("countries", []string{"DE", "FR"}),
		Error(errors.New("boom")),
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v: %s", err, buf.String())
	}
	if rec["msg"] != "batch posted" || rec["logger"] != "upload" || rec["batch_tag"] != "t1" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["keys"] != float64(3) || rec["complete"] != true {
		t.Fatalf("unexpected typed fields: %v", rec)
	}
	if src, _ := rec["source"].(string); !strings.Contains(src, "logger_test.go") {
		t.Fatalf("source should point at the caller, got %q", src)
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	l, err := New(WithWriter(&buf), WithLevel(lv))
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}

	ctx := context.Background()
	l.Info(ctx, "hidden")
	l.Debug(ctx, "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}
	l.Warn(ctx, "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warn output, got %q", buf.String())
	}
}

func TestSetLevelString(t *testing.T) {
	for _, in := range []string{"debug", "INFO", " warn ", "warning", "error", ""} {
		if err := SetLevelString(in); err != nil {
			t.Errorf("SetLevelString(%q): %v", in, err)
		}
	}
	if err := SetLevelString("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
	SetLevel(slog.LevelInfo)
}

func TestLoggerNamed(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}

	namedLogger := Named("test")
	if namedLogger == nil {
		t.Fatal("named logger is nil")
	}
	namedLogger.Info(context.Background(), "test message")
	Nop().Error(context.Background(), "discarded")
}
