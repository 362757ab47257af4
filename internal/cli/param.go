package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newParamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "param",
		Short: "Manage persisted component parameters loaded at startup",
	}
	cmd.AddCommand(newParamSetCmd(), newParamListCmd())
	return cmd
}

func newParamSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <component> <key> <value>",
		Short: "Persist a parameter; it overrides the config on the next run",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			defer st.Close()
			if err := st.PutParam(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return &ExitError{Code: 1, Err: fmt.Errorf("set %s.%s: %w", args[0], args[1], err)}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s.%s = %s\n", args[0], args[1], args[2])
			return nil
		},
	}
}

func newParamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [component...]",
		Short: "List persisted parameters (all configured tasks when no component is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore()
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			defer st.Close()

			comps := args
			if len(comps) == 0 {
				for _, g := range cfg.RateGroups {
					for _, t := range g.Tasks {
						comps = append(comps, t.Name)
					}
				}
			}
			out := cmd.OutOrStdout()
			for _, c := range comps {
				params, err := st.Params(cmd.Context(), c)
				if err != nil {
					return &ExitError{Code: 1, Err: fmt.Errorf("params of %s: %w", c, err)}
				}
				keys := make([]string, 0, len(params))
				for k := range params {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "%s.%s = %s\n", c, k, params[k])
				}
			}
			return nil
		},
	}
}
