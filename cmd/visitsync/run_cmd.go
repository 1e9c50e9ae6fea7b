package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openmined/visitsync/internal/download"
	"github.com/openmined/visitsync/internal/events"
	"github.com/openmined/visitsync/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const watchDebounce = 2 * time.Second

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	var noWatch bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Upload queued files continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := newApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			slog.Info("visitsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)

			if err := a.ws.Lock(); err != nil {
				return err
			}
			defer a.ws.Unlock()

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			a.bus.Observe(logEvent)

			eg, ctx := errgroup.WithContext(cmd.Context())
			eg.Go(func() error {
				return orch.Start(ctx)
			})

			if !noWatch {
				eg.Go(func() error {
					// the interval timer still covers us if the watcher fails
					if err := a.queue.Watch(ctx, watchDebounce, orch.Wake); err != nil {
						slog.Warn("pending watcher", "error", err)
					}
					return nil
				})
			}

			if a.cfg.DownloadInterval > 0 && len(a.cfg.DownloadPrefixes) > 0 {
				dl, err := a.downloader()
				if err != nil {
					return err
				}
				eg.Go(func() error {
					return downloadLoop(ctx, dl, a.cfg.DownloadInterval)
				})
			}

			defer slog.Info("Bye!")
			if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("run", "error", err)
				return err
			}
			return nil
		},
	}

	runCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Disable filesystem notifications and rely on the interval only")
	return runCmd
}

func downloadLoop(ctx context.Context, dl *download.Downloader, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if res, err := dl.Sync(ctx, nil); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("download", "error", err)
		} else {
			slog.Info("download", "candidates", res.Candidates, "downloaded", res.Downloaded, "skipped", res.Skipped, "failed", res.Failed)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func logEvent(e events.Event) {
	switch e.Kind {
	case events.KindFileUploaded:
		slog.Info("uploaded", "path", e.LocalPath, "remote", e.RemotePath, "size", e.Size)
	case events.KindFileUploadFailed:
		slog.Warn("upload failed", "path", e.LocalPath, "error", e.Err)
	case events.KindFileDownloadFailed:
		slog.Warn("download failed", "remote", e.RemotePath, "error", e.Err)
	case events.KindCycleCompleted:
		if e.Cycle != nil && e.Cycle.Attempted > 0 {
			slog.Info("cycle", "id", e.Cycle.ID, "uploaded", e.Cycle.Uploaded, "failed", e.Cycle.Failed, "took", e.Cycle.Duration)
		}
	default:
		slog.Debug("event", "event", e.String())
	}
}
