package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ratecore/internal/tasks"
)

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the task kinds available to rate_groups[].tasks[].kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, k := range tasks.Builtin().Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}
