package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newOnceCmd())
}

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single transfer cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := newApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ws.Lock(); err != nil {
				return err
			}
			defer a.ws.Unlock()

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			a.bus.Observe(logEvent)

			summary, err := orch.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			counters := orch.Counters()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %d attempted, %s, %s, %s in %s\n",
				cyan.Render("cycle"),
				summary.Attempted,
				green.Render(fmt.Sprintf("%d uploaded", summary.Uploaded)),
				red.Render(fmt.Sprintf("%d failed", summary.Failed)),
				humanize.IBytes(uint64(summary.Bytes)),
				summary.Duration.Round(time.Millisecond),
			)
			fmt.Fprintln(out, gray.Render(fmt.Sprintf("pending %d, uploaded %d, errors %d", counters.Pending, counters.Uploaded, counters.Errors)))
			return nil
		},
	}
}
