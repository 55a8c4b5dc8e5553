// Command poolsched is the scheduler daemon and its operator utilities:
// `daemon start|stop|restart` runs the periodic reallocation cycle;
// `check`, `backup`, and `rollback` are one-shot commands an operator
// runs by hand.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "poolsched",
		Short: "Autonomous admission-control pool memory rebalancer",
		Long:  "poolsched periodically rebalances memory between the engine's admission-control pools based on observed query pressure.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to scheduler.yml (default: $SCHEDULER_HOME/conf/scheduler.yml)")

	rootCmd.AddCommand(
		daemonCmd(),
		checkCmd(),
		backupCmd(),
		rollbackCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if strings.HasPrefix(err.Error(), "unknown command") {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
