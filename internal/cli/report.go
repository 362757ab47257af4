package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ratecore/internal/report"
)

func newReportCmd() *cobra.Command {
	var (
		since     time.Duration
		sinceTime string
		runID     string
		asJSON    bool
		maxIssues int
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize the stored event history of soak runs",
		Long: `Counts health warnings, fatals, cycle overruns and task faults in the
stored history and lists alerts. Exits 2 if any FATAL or alert is present.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			defer st.Close()

			opts := report.Options{RunID: runID, MaxIssues: maxIssues}
			switch {
			case sinceTime != "":
				t, err := time.Parse(time.RFC3339, sinceTime)
				if err != nil {
					return &ExitError{Code: 1, Err: fmt.Errorf("--since-time: %w", err)}
				}
				opts.Since = t
			case since > 0:
				opts.Since = time.Now().Add(-since)
			}

			r, err := report.Build(cmd.Context(), st, opts)
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			if asJSON {
				err = r.WriteJSON(cmd.OutOrStdout())
			} else {
				err = r.WriteText(cmd.OutOrStdout())
			}
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			if r.Failed() {
				return &ExitError{Code: 2, Err: fmt.Errorf("soak failed: %d fatal, %d alerts", r.Counts.Fatals, len(r.Alerts))}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 24h)")
	cmd.Flags().StringVar(&sinceTime, "since-time", "", "only events at or after this RFC3339 time")
	cmd.Flags().StringVar(&runID, "run-id", "", "only events of this run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().IntVar(&maxIssues, "max-issues", 100, "health issues to list (newest first kept)")
	return cmd
}
