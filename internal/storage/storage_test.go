package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	logx "ratecore/pkg/logx"
)

func openTestStore(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st
}

var drivers = []struct {
	name string
	file string
}{
	{name: "file", file: "history.json"},
	{name: "sqlite", file: "history.db"},
}

func TestEventsAppendQueryPrune(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		d := d
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, d.name, filepath.Join(t.TempDir(), d.file))
			defer st.Close()

			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			types := []string{"health.warning", "task.fault", "health.fatal", "cycle.overrun", "health.warning"}
			for i, typ := range types {
				err := st.AppendEvent(ctx, EventRecord{
					At:       base.Add(time.Duration(i) * time.Minute),
					RunID:    "run-1",
					Type:     typ,
					Severity: "WARNING",
					Source:   "rateGroup1",
					Data:     json.RawMessage(`{"i":1}`),
				})
				if err != nil {
					t.Fatalf("AppendEvent: %v", err)
				}
			}

			all, err := st.Events(ctx, Query{})
			if err != nil || len(all) != 5 {
				t.Fatalf("Events = %d, %v", len(all), err)
			}
			for i := 1; i < len(all); i++ {
				if all[i].Seq <= all[i-1].Seq {
					t.Fatalf("events out of order: %+v", all)
				}
			}
			if !all[0].At.Equal(base) || all[0].Source != "rateGroup1" || string(all[0].Data) != `{"i":1}` {
				t.Fatalf("first event = %+v", all[0])
			}

			warn, _ := st.Events(ctx, Query{Types: []string{"health.warning", "health.fatal"}})
			if len(warn) != 3 {
				t.Fatalf("health events = %d, want 3", len(warn))
			}
			recent, _ := st.Events(ctx, Query{Since: base.Add(2 * time.Minute)})
			if len(recent) != 3 || recent[0].Type != "health.fatal" {
				t.Fatalf("since = %+v", recent)
			}
			last, _ := st.Events(ctx, Query{Limit: 2})
			if len(last) != 2 || last[1].Type != "health.warning" || last[0].Type != "cycle.overrun" {
				t.Fatalf("limit = %+v", last)
			}

			// Health events share one window of 2; the others keep their own.
			n, err := st.Prune(ctx, 2)
			if err != nil || n != 1 {
				t.Fatalf("Prune = %d, %v", n, err)
			}
			kept, _ := st.Events(ctx, Query{})
			if len(kept) != 4 || kept[0].Type != "task.fault" || kept[1].Type != "health.fatal" {
				t.Fatalf("after prune = %+v", kept)
			}
			if err := st.AppendEvent(ctx, EventRecord{RunID: "run-2", Type: "x", Severity: "ACTIVITY"}); err != nil {
				t.Fatalf("append after prune: %v", err)
			}
			if got, _ := st.Events(ctx, Query{RunID: "run-2"}); len(got) != 1 {
				t.Fatalf("run filter = %+v", got)
			}
		})
	}
}

func TestParamsSurviveReopen(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		d := d
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), d.file)

			st := openTestStore(t, d.name, path)
			_ = st.PutParam(ctx, "probe", "every", "3")
			_ = st.PutParam(ctx, "probe", "every", "4")
			_ = st.PutParam(ctx, "other", "x", "y")
			if err := st.Close(); err != nil {
				t.Fatal(err)
			}

			st = openTestStore(t, d.name, path)
			defer st.Close()
			got, err := st.Params(ctx, "probe")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got["every"] != "4" {
				t.Fatalf("params = %v", got)
			}
			empty, err := st.Params(ctx, "missing")
			if err != nil || len(empty) != 0 {
				t.Fatalf("missing component = %v, %v", empty, err)
			}
		})
	}
}

func TestFileStoreSeqContinuesAfterReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "h.json")
	st := openTestStore(t, "file", path)
	_ = st.AppendEvent(ctx, EventRecord{Type: "a"})
	_ = st.AppendEvent(ctx, EventRecord{Type: "b"})
	_ = st.Close()

	st = openTestStore(t, "file", path)
	defer st.Close()
	_ = st.AppendEvent(ctx, EventRecord{Type: "c"})
	all, _ := st.Events(ctx, Query{})
	if len(all) != 3 || all[2].Seq != 3 {
		t.Fatalf("events = %+v", all)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	if st, err := Open(Config{Driver: "none"}, logx.Nop()); st != nil || err != nil {
		t.Fatalf("Open(none) = %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "mongo", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("Open(mongo) succeeded")
	}
}

func TestPruneKeepsHealthHistoryThroughOverrunBursts(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		d := d
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, d.name, filepath.Join(t.TempDir(), d.file))
			defer st.Close()

			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			add := func(i int, typ string) {
				t.Helper()
				if err := st.AppendEvent(ctx, EventRecord{At: base.Add(time.Duration(i) * time.Second), RunID: "r", Type: typ, Severity: "FATAL"}); err != nil {
					t.Fatal(err)
				}
			}
			add(0, "health.fatal")
			for i := 1; i <= 150; i++ {
				add(i, "cycle.overrun")
			}

			n, err := st.Prune(ctx, 100)
			if err != nil || n != 50 {
				t.Fatalf("Prune = %d, %v", n, err)
			}
			fatal, _ := st.Events(ctx, Query{Types: []string{"health.fatal"}})
			overruns, _ := st.Events(ctx, Query{Types: []string{"cycle.overrun"}})
			if len(fatal) != 1 || len(overruns) != 100 {
				t.Fatalf("kept fatal=%d overruns=%d", len(fatal), len(overruns))
			}
			if !overruns[0].At.Equal(base.Add(51 * time.Second)) {
				t.Fatalf("oldest kept overrun at %s", overruns[0].At)
			}
		})
	}
}

func TestRetentionClass(t *testing.T) {
	t.Parallel()
	tests := []struct{ typ, want string }{
		{"health.warning", "health"},
		{"health.fatal", "health"},
		{"health.recovered", "health"},
		{"cycle.overrun", "cycle.overrun"},
		{"task.fault", "task.fault"},
	}
	for _, tt := range tests {
		if got := RetentionClass(tt.typ); got != tt.want {
			t.Fatalf("RetentionClass(%q) = %q, want %q", tt.typ, got, tt.want)
		}
	}
}
