// Package cli holds the ratecore command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagConfig string

// ExitError carries a process exit status out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// defaultConfig returns RATECORE_CONFIG or ./ratecore.yaml.
func defaultConfig() string {
	if p := os.Getenv("RATECORE_CONFIG"); p != "" {
		return p
	}
	return "./ratecore.yaml"
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ratecore",
		Short:         "Rate-group scheduling core",
		Long:          "ratecore drives rate groups from a fixed base clock, supervises their health and reports on soak runs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfig(), "deployment config file (json, yaml or toml; or RATECORE_CONFIG)")

	root.AddCommand(
		newRunCmd(),
		newCheckCmd(),
		newReportCmd(),
		newParamCmd(),
		newTasksCmd(),
	)
	return root
}
