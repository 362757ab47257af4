// Package report summarizes the persisted event history of one or more soak
// runs and decides whether they passed.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"ratecore/internal/eventbus"
	"ratecore/internal/storage"
)

var ErrNoStore = errors.New("report: no event store")

// Counts tallies events by kind.
type Counts struct {
	Warnings  int `json:"warnings"`
	Fatals    int `json:"fatals"`
	Overruns  int `json:"overruns"`
	Faults    int `json:"faults"`
	Recovered int `json:"recovered"`
	Phase     int `json:"phase_errors"`
}

// Issue is one health problem seen in the history.
type Issue struct {
	At       time.Time `json:"at"`
	RunID    string    `json:"run_id"`
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
	Source   string    `json:"source"`
	Message  string    `json:"message"`
}

// Alert groups repeated WARNING/FATAL events from one source.
type Alert struct {
	Severity string    `json:"severity"`
	Type     string    `json:"type"`
	Source   string    `json:"source"`
	Message  string    `json:"message"`
	Count    int       `json:"count"`
	First    time.Time `json:"first"`
	Last     time.Time `json:"last"`
	// Open is true while the source has not published a recovery since the
	// last occurrence.
	Open bool `json:"open"`
}

func (a Alert) String() string {
	s := fmt.Sprintf("%s: %s - %s", a.Severity, a.Source, a.Message)
	if a.Count > 1 {
		s += fmt.Sprintf(" (x%s)", humanize.Comma(int64(a.Count)))
	}
	return s
}

type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Since       time.Time `json:"since,omitempty"`
	RunIDs      []string  `json:"run_ids"`
	Events      int       `json:"events"`
	First       time.Time `json:"first,omitempty"`
	Last        time.Time `json:"last,omitempty"`
	Counts      Counts    `json:"counts"`
	Issues      []Issue   `json:"health_issues"`
	Alerts      []Alert   `json:"alerts"`
	// Shutdowns lists the recorded stop reasons in order.
	Shutdowns []string `json:"shutdowns,omitempty"`
}

// Failed reports whether the soak should be considered failed: any FATAL
// or any alert.
func (r *Report) Failed() bool {
	return r.Counts.Fatals > 0 || len(r.Alerts) > 0
}

// Options select the history to report on.
type Options struct {
	Since time.Time
	RunID string
	// MaxIssues keeps only the newest health issues; 0 means 100.
	MaxIssues int
}

// Build reads the history from store and summarizes it.
func Build(ctx context.Context, store storage.Store, opts Options) (*Report, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	recs, err := store.Events(ctx, storage.Query{Since: opts.Since, RunID: opts.RunID})
	if err != nil {
		return nil, fmt.Errorf("read event history: %w", err)
	}
	return Summarize(recs, opts), nil
}

// Summarize builds a report from records in append order.
func Summarize(recs []storage.EventRecord, opts Options) *Report {
	maxIssues := opts.MaxIssues
	if maxIssues <= 0 {
		maxIssues = 100
	}
	r := &Report{GeneratedAt: time.Now(), Since: opts.Since, Events: len(recs)}

	runs := map[string]struct{}{}
	alerts := map[string]*Alert{}
	var order []string

	for _, e := range recs {
		if r.First.IsZero() || e.At.Before(r.First) {
			r.First = e.At
		}
		if e.At.After(r.Last) {
			r.Last = e.At
		}
		if e.RunID != "" {
			if _, ok := runs[e.RunID]; !ok {
				runs[e.RunID] = struct{}{}
				r.RunIDs = append(r.RunIDs, e.RunID)
			}
		}

		switch e.Type {
		case eventbus.TypeHealthWarning:
			r.Counts.Warnings++
		case eventbus.TypeHealthFatal:
			r.Counts.Fatals++
		case eventbus.TypeHealthRecovered:
			r.Counts.Recovered++
			for _, a := range alerts {
				if a.Source == e.Source {
					a.Open = false
				}
			}
		case eventbus.TypeCycleOverrun:
			r.Counts.Overruns += overrunCount(e)
		case eventbus.TypeTaskFault:
			r.Counts.Faults++
		case eventbus.TypePhaseError:
			r.Counts.Phase++
		case eventbus.TypeShutdown:
			r.Shutdowns = append(r.Shutdowns, shutdownReason(e))
		}

		if strings.HasPrefix(e.Type, "health.") {
			r.Issues = append(r.Issues, Issue{
				At: e.At, RunID: e.RunID, Type: e.Type,
				Severity: e.Severity, Source: e.Source, Message: e.Message,
			})
		}

		if e.Severity != eventbus.SeverityWarning.String() && e.Severity != eventbus.SeverityFatal.String() {
			continue
		}
		key := e.Severity + "|" + e.Type + "|" + e.Source
		a, ok := alerts[key]
		if !ok {
			a = &Alert{Severity: e.Severity, Type: e.Type, Source: e.Source, First: e.At}
			alerts[key] = a
			order = append(order, key)
		}
		a.Count++
		a.Message = e.Message
		a.Last = e.At
		a.Open = strings.HasPrefix(e.Type, "health.")
	}

	if len(r.Issues) > maxIssues {
		r.Issues = r.Issues[len(r.Issues)-maxIssues:]
	}
	for _, k := range order {
		r.Alerts = append(r.Alerts, *alerts[k])
	}
	sort.SliceStable(r.Alerts, func(i, j int) bool {
		return rank(r.Alerts[i].Severity) > rank(r.Alerts[j].Severity)
	})
	return r
}

func rank(sev string) int {
	switch sev {
	case eventbus.SeverityFatal.String():
		return 2
	case eventbus.SeverityWarning.String():
		return 1
	default:
		return 0
	}
}

func shutdownReason(e storage.EventRecord) string {
	var d eventbus.PhaseData
	if len(e.Data) > 0 && json.Unmarshal(e.Data, &d) == nil && d.Reason != "" {
		return d.Reason
	}
	return e.Message
}

// overrunCount is the number of late ticks one overrun event covers.
// Records without a count stand for a single tick.
func overrunCount(e storage.EventRecord) int {
	var d eventbus.OverrunData
	if len(e.Data) > 0 && json.Unmarshal(e.Data, &d) == nil && d.Count > 1 {
		return int(d.Count)
	}
	return 1
}

// WriteText renders the report for a terminal.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	line := strings.Repeat("=", 50)
	fmt.Fprintln(&b, line)
	fmt.Fprintln(&b, "SOAK REPORT")
	fmt.Fprintln(&b, line)
	if len(r.RunIDs) > 0 {
		fmt.Fprintf(&b, "Runs: %s\n", strings.Join(r.RunIDs, ", "))
	}
	if !r.Since.IsZero() {
		fmt.Fprintf(&b, "Since: %s (%s)\n", r.Since.Format(time.RFC3339), humanize.RelTime(r.Since, r.GeneratedAt, "ago", "from now"))
	}
	if r.Events > 0 {
		fmt.Fprintf(&b, "Window: %s -> %s (%s)\n",
			r.First.Format(time.RFC3339), r.Last.Format(time.RFC3339),
			humanize.RelTime(r.First, r.Last, "", ""))
	}
	fmt.Fprintf(&b, "Events: %s\n", humanize.Comma(int64(r.Events)))
	fmt.Fprintln(&b, strings.Repeat("-", 50))
	fmt.Fprintf(&b, "Health warnings: %s\n", humanize.Comma(int64(r.Counts.Warnings)))
	fmt.Fprintf(&b, "Health fatals:   %s\n", humanize.Comma(int64(r.Counts.Fatals)))
	fmt.Fprintf(&b, "Recoveries:      %s\n", humanize.Comma(int64(r.Counts.Recovered)))
	fmt.Fprintf(&b, "Cycle overruns:  %s\n", humanize.Comma(int64(r.Counts.Overruns)))
	fmt.Fprintf(&b, "Task faults:     %s\n", humanize.Comma(int64(r.Counts.Faults)))
	if r.Counts.Phase > 0 {
		fmt.Fprintf(&b, "Phase errors:    %s\n", humanize.Comma(int64(r.Counts.Phase)))
	}
	for _, s := range r.Shutdowns {
		fmt.Fprintf(&b, "Shutdown: %s\n", s)
	}

	if len(r.Alerts) > 0 {
		fmt.Fprintf(&b, "\nALERTS (%d):\n", len(r.Alerts))
		for _, a := range r.Alerts {
			state := ""
			if a.Open {
				state = " [open]"
			}
			fmt.Fprintf(&b, "  ! %s%s, last %s\n", a, state, humanize.RelTime(a.Last, r.GeneratedAt, "ago", "from now"))
		}
	}
	if len(r.Issues) > 0 {
		fmt.Fprintln(&b, "\nHEALTH ISSUES:")
		for _, is := range r.Issues {
			fmt.Fprintf(&b, "  %s %-8s %s\n", is.At.Format("15:04:05.000"), is.Severity, is.Message)
		}
	}
	fmt.Fprintln(&b, line)
	if r.Failed() {
		fmt.Fprintln(&b, "FAILED: alerts or fatals present")
	} else {
		fmt.Fprintln(&b, "PASSED")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON renders the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
