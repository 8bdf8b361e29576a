// Command mnebula-agent keeps a fleet node's Nebula daemon configured and
// running against a managed Nebula control plane.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skeeeon/managed-nebula/internal/agent"
)

func main() {
	var (
		configFile string
		once       bool
		loop       bool
		monitor    bool
		quiet      bool
	)

	root := &cobra.Command{
		Use:     "mnebula-agent",
		Short:   "Node agent for a managed Nebula overlay network",
		Version: agent.Version,
		Long: `mnebula-agent fetches this node's Nebula configuration from the control
plane, writes it atomically, and restarts the local Nebula daemon when the
configuration changes. In monitor mode it also supervises the daemon and
recovers crashes.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := 0
			for _, set := range []bool{once, loop, monitor} {
				if set {
					mode++
				}
			}
			if mode != 1 {
				return fmt.Errorf("exactly one of --once, --loop, --monitor is required")
			}

			cfg, err := agent.LoadConfig(configFile)
			if err != nil {
				return err
			}
			logger := agent.NewLogger(!quiet)

			a, err := agent.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			switch {
			case once:
				return a.RunOnce(ctx)
			case loop:
				return a.RunLoop(ctx)
			default:
				return a.RunMonitor(ctx)
			}
		},
	}

	root.Flags().StringVarP(&configFile, "config", "c", "", "path to key=value config file (env vars take precedence)")
	root.Flags().BoolVar(&once, "once", false, "run a single reconcile cycle and exit")
	root.Flags().BoolVar(&loop, "loop", false, "reconcile on the poll interval")
	root.Flags().BoolVar(&monitor, "monitor", false, "reconcile loop plus background supervisor")
	root.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-alert log output")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
