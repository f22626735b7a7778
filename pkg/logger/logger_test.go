package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	l, err := New("warn")
	if err != nil {
		t.Fatal(err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) || !l.Core().Enabled(zapcore.WarnLevel) {
		t.Error("expected warn level")
	}

	if _, err := New("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := Wrap(zap.New(core)).Named("intake")

	l.WithContact("corr-1", "loc-1", "c-1").Info("contact")
	l.WithBatch("b-1", "loc-1", 3).Info("batch")

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	contact := entries[0].ContextMap()
	if contact["correlation_id"] != "corr-1" || contact["account_id"] != "loc-1" || contact["contact_id"] != "c-1" {
		t.Errorf("unexpected contact fields %v", contact)
	}
	batch := entries[1].ContextMap()
	if batch["batch_id"] != "b-1" || batch["batch_size"] != int64(3) {
		t.Errorf("unexpected batch fields %v", batch)
	}
	if entries[1].LoggerName != "intake" {
		t.Errorf("logger name = %q", entries[1].LoggerName)
	}
}
