package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ratecore/internal/config"
	"ratecore/internal/topology"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the resolved topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(flagConfig).Parse()
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			st, err := topology.FromConfig(cfg, "")
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", flagConfig)
			fmt.Fprintf(out, "interval %s, overrun policy %s, health group %s\n", st.Interval, st.Policy, st.HealthGroup)
			for _, g := range st.Groups {
				fmt.Fprintf(out, "  %s\n", g)
				for _, t := range g.Tasks {
					mon := "unmonitored"
					if t.Monitor != nil {
						mon = fmt.Sprintf("warn=%d fatal=%d", t.Monitor.Warn, t.Monitor.Fatal)
					}
					fmt.Fprintf(out, "    - %s (%s, %s)\n", t.ID, t.Kind, mon)
				}
			}
			return nil
		},
	}
}
