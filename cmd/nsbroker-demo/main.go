// Command nsbroker-demo drives a Broker through the pin/join/unpin
// lifecycle for one sandbox, the way a higher-level sandbox
// orchestrator would (spec.md §8's literal end-to-end scenarios).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/moby/sys/reexec"

	"github.com/kata-containers/runtime/nsbroker"
)

func main() {
	if reexec.Init() {
		return
	}

	var (
		nsDir  = flag.String("ns-dir", "", "directory to hold this sandbox's persistent namespaces (required)")
		join   = flag.Bool("join", false, "join the namespaces at -ns-dir instead of creating them")
		remove = flag.Bool("remove", false, "remove the namespaces at -ns-dir instead of creating them")
	)
	flag.Parse()

	if *nsDir == "" {
		fmt.Fprintln(os.Stderr, "nsbroker-demo: -ns-dir is required")
		os.Exit(2)
	}

	ctx := log.WithLogger(context.Background(), log.L.WithField("sandbox-id", uuid.NewString()))
	if err := run(ctx, *nsDir, *join, *remove); err != nil {
		log.G(ctx).WithError(err).Error("nsbroker-demo: failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, nsDir string, join, remove bool) error {
	broker, err := nsbroker.Init(ctx)
	if err != nil {
		return fmt.Errorf("nsbroker-demo: init: %w", err)
	}
	defer broker.Close(ctx)

	switch {
	case remove:
		if err := broker.RemoveNamespaces(ctx, nsDir); err != nil {
			return fmt.Errorf("nsbroker-demo: remove_namespaces: %w", err)
		}
		log.G(ctx).Infof("removed persistent namespaces at %s", nsDir)

	case join:
		alreadyJoined, err := broker.JoinNamespaces(ctx, nsDir)
		if err != nil {
			return fmt.Errorf("nsbroker-demo: join_namespaces: %w", err)
		}
		log.G(ctx).Infof("joined persistent namespaces at %s (already joined: %v)", nsDir, alreadyJoined)

	default:
		alreadyActive, err := broker.NewNamespaces(ctx, nsDir)
		if err != nil {
			return fmt.Errorf("nsbroker-demo: new_namespaces: %w", err)
		}
		log.G(ctx).Infof("created persistent namespaces at %s (already active: %v)", nsDir, alreadyActive)

		info, err := broker.GetFSInfo(ctx, nsDir)
		if err != nil {
			return fmt.Errorf("nsbroker-demo: get_fs_info: %w", err)
		}
		log.G(ctx).Infof("%s is on %s (%s, device %s)", nsDir, info.MountPoint, info.Type, info.Device)
	}
	return nil
}
