package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lines(t *testing.T, s string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(s), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(ln), &m); err != nil {
			t.Fatalf("not JSON: %q: %v", ln, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "driver"))
	log.Debug("hidden")
	log.Warn("overrun", Uint64("tick", 9), Err(errors.New("busy")), Bool("queued", false))

	got := lines(t, buf.String())
	if len(got) != 1 {
		t.Fatalf("lines = %v", got)
	}
	e := got[0]
	if e["message"] != "overrun" || e["level"] != "warn" || e["comp"] != "driver" || (e["err"] != "busy" && e["error"] != "busy") || e["tick"] != float64(9) {
		t.Fatalf("entry = %v", e)
	}
	if c, _ := e["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", e["caller"])
	}
	if log.Enabled(LevelDebug) || !log.Enabled(LevelWarn) {
		t.Fatal("Enabled disagrees with the configured level")
	}
}

func TestNopAndZero(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatal("IsZero")
	}
	zero.Error("dropped")
	Nop().With(String("a", "b")).Error("dropped")
}

// New sets zerolog globals, so this test does not run in parallel.
func TestServiceApplySwapsLevelLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ratecore.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	comp := log.With(String("comp", "health"))

	comp.Info("before")
	comp.Warn("kept")
	comp.Error("boom")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	comp.Debug("after")
	if svc.Config().Level != "debug" {
		t.Fatalf("config = %+v", svc.Config())
	}
	if c := svc.Counts(); c["warn"] != 1 || c["error"] != 1 {
		t.Fatalf("counts = %v", c)
	}
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := lines(t, string(b))
	if len(got) != 3 || got[0]["message"] != "kept" || got[2]["message"] != "after" || got[2]["comp"] != "health" {
		t.Fatalf("file = %s", b)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"trace", LevelTrace, true},
		{" DEBUG ", LevelDebug, true},
		{"Warning", LevelWarn, true},
		{"error", LevelError, true},
		{"loud", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Fatalf("ParseLevel(%q) = %v, %v", tt.in, got, ok)
		}
	}
}
