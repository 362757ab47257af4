package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ratecore/internal/app"
)

func newRunCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Set up the deployment and run the rate groups until stopped",
		Long: `Runs the deployment until SIGINT/SIGTERM, a FATAL health entry or, with
systemd.restart_on_change, a config change that needs a restart.

Exit status: 0 clean stop, 1 setup failure, 2 FATAL health, 3 config change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(flagConfig, app.Options{RunID: runID, Signals: true})
			if err != nil {
				return &ExitError{Code: 1, Err: fmt.Errorf("load %s: %w", flagConfig, err)}
			}
			res := a.Run(cmd.Context())
			if code := res.ExitCode(); code != 0 {
				err := res.Err
				if err == nil {
					err = fmt.Errorf("run %s stopped: %s (healthy=%v)", res.RunID, res.Reason, res.Healthy)
				}
				return &ExitError{Code: code, Err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id stamped on stored events (default: random UUID)")
	return cmd
}
