package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"btrsync/internal/app"
	"btrsync/internal/config"
	"btrsync/internal/restore"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "btrsync",
	Short: "btrfs snapshot replication engine",
}

func newApp() (*app.App, error) {
	path := configPath
	if path == "" {
		path = app.DefaultConfigPath()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return app.New(cfg)
}

// cancelOnSignal returns a context that is cancelled on SIGINT/SIGTERM, so
// an in-flight run exits through the same cancellation path a context
// deadline would take rather than being killed outright.
func cancelOnSignal() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Snapshot every enabled volume, replicate, and prune",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := cancelOnSignal()
		defer cancel()

		result, err := a.Run(ctx)
		if err != nil {
			return err
		}

		failed := false
		for _, v := range result.Volumes {
			if v.LockErr != nil {
				fmt.Printf("%s: lock held, skipped (%v)\n", v.Volume, v.LockErr)
				failed = true
				continue
			}
			if v.SnapshotErr != nil {
				fmt.Printf("%s: snapshot failed: %v\n", v.Volume, v.SnapshotErr)
				failed = true
				continue
			}
			for _, t := range v.Transfers {
				switch {
				case t.Skipped:
					fmt.Printf("%s -> %s: nothing to send\n", v.Volume, t.Destination)
				case t.Outcome.Failed():
					fmt.Printf("%s -> %s: failed after %d attempt(s): %v\n", v.Volume, t.Destination, t.Attempts, t.Outcome.Err)
					failed = true
				case t.Outcome.Partial():
					fmt.Printf("%s -> %s: partial (parent-missing fallback to full)\n", v.Volume, t.Destination)
				default:
					fmt.Printf("%s -> %s: sent %d bytes\n", v.Volume, t.Destination, t.Outcome.BytesTransfered)
				}
			}
			if v.PruneErr != nil {
				fmt.Printf("%s: prune failed: %v\n", v.Volume, v.PruneErr)
				failed = true
			} else {
				fmt.Printf("%s: pruned %d snapshot(s)\n", v.Volume, len(v.PrunedSource))
			}
		}

		if failed {
			return fmt.Errorf("one or more volumes failed")
		}
		return nil
	},
}

var (
	restoreVolume    string
	restoreDest      string
	restoreTarget    string
	restoreName      string
	restoreBefore    string
	restoreOverwrite bool
	restoreInPlace   bool
	restoreDir       string
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Reconstruct and replay a destination-held chain to a local volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		spec, err := parseTargetSpec(restoreTarget, restoreName, restoreBefore)
		if err != nil {
			return err
		}

		opts := restore.Options{
			Overwrite:  restoreOverwrite,
			InPlace:    restoreInPlace,
			RestoreDir: restoreDir,
		}
		if !opts.InPlace && opts.RestoreDir == "" {
			return fmt.Errorf("either --in-place or --restore-dir must be given")
		}

		ctx, cancel := cancelOnSignal()
		defer cancel()

		steps, err := a.Restore(ctx, restoreVolume, restoreDest, spec, opts)
		if err != nil {
			return err
		}

		failed := false
		for _, s := range steps {
			switch {
			case s.Collision == restore.SkipExisting:
				fmt.Printf("%s: already present locally, skipped\n", s.Snapshot.Name)
			case s.Outcome.Failed():
				fmt.Printf("%s: failed: %v\n", s.Snapshot.Name, s.Outcome.Err)
				failed = true
			default:
				fmt.Printf("%s: restored\n", s.Snapshot.Name)
			}
		}
		if failed {
			return fmt.Errorf("one or more restore steps failed")
		}
		return nil
	},
}

func parseTargetSpec(kind, name, before string) (restore.TargetSpec, error) {
	switch kind {
	case "", "latest":
		return restore.TargetSpec{Kind: restore.TargetLatest}, nil
	case "all":
		return restore.TargetSpec{Kind: restore.TargetAll}, nil
	case "name":
		if name == "" {
			return restore.TargetSpec{}, fmt.Errorf("--target=name requires --name")
		}
		return restore.TargetSpec{Kind: restore.TargetName, Name: name}, nil
	case "before":
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return restore.TargetSpec{}, fmt.Errorf("invalid --before %q: %w", before, err)
		}
		return restore.TargetSpec{Kind: restore.TargetBefore, Before: t}, nil
	default:
		return restore.TargetSpec{}, fmt.Errorf("unknown --target %q (want latest|all|name|before)", kind)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the configuration file (default: "+app.DefaultConfigPath()+")")

	rootCmd.AddCommand(runCmd)

	restoreCmd.Flags().StringVar(&restoreVolume, "volume", "", "configured volume path to restore into (required)")
	restoreCmd.Flags().StringVar(&restoreDest, "dest", "", "configured destination name to restore from (required)")
	restoreCmd.Flags().StringVar(&restoreTarget, "target", "latest", "latest|all|name|before")
	restoreCmd.Flags().StringVar(&restoreName, "name", "", "snapshot name, for --target=name")
	restoreCmd.Flags().StringVar(&restoreBefore, "before", "", "RFC3339 timestamp, for --target=before")
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "destroy a colliding local snapshot before re-restoring it")
	restoreCmd.Flags().BoolVar(&restoreInPlace, "in-place", false, "restore directly into the volume's live path (requires explicit confirmation via this flag)")
	restoreCmd.Flags().StringVar(&restoreDir, "restore-dir", "", "materialise restored snapshots here instead of in-place")
	_ = restoreCmd.MarkFlagRequired("volume")
	_ = restoreCmd.MarkFlagRequired("dest")
	rootCmd.AddCommand(restoreCmd)
}
