// Command netns-watcher enters a network namespace and invokes a
// runtime binary for every interface, address and route change it
// observes there.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kata-containers/runtime/netmon"
)

// version is set at build time; "0.0.0-dev" is what a plain
// `go build` without ldflags produces.
var version = "0.0.0-dev"

const exitInvalidArgument = 22

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		netnsPath   string
		sandboxID   string
		runtimePath string
		debug       bool
	)

	root := &cobra.Command{
		Use:     "netns-watcher",
		Short:   "Watch a network namespace for interface/address/route changes",
		Version: version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if netnsPath == "" || sandboxID == "" || runtimePath == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), cmd.UsageString())
				os.Exit(exitInvalidArgument)
			}

			if debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			ctx := log.WithLogger(cmd.Context(), log.L.WithField("sandbox-id", sandboxID))

			monitor := netmon.NewMonitor(netmon.RuntimeInvoker{Path: runtimePath}, debug)
			return monitor.Run(ctx, netnsPath)
		},
	}

	root.SetVersionTemplate("netns-watcher version {{.Version}}\n")
	flags := root.Flags()
	flags.StringVar(&netnsPath, "netns-path", "", "path to the target network namespace (required)")
	flags.StringVar(&sandboxID, "sandbox-id", "", "sandbox identifier this monitor belongs to (required)")
	flags.StringVar(&runtimePath, "runtime-path", "", "path to the runtime binary invoked on each event (required)")
	flags.BoolVar(&debug, "debug", false, "dump the interface table after every table-changing event")

	return root
}
