package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newEnqueueCmd())
	rootCmd.AddCommand(newRequeueCmd())
}

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <file>...",
		Short: "Copy files into the pending queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			var failed int
			for _, p := range args {
				if a.queue.Enqueue(p) {
					fmt.Fprintf(out, "%s %s\n", green.Render("queued"), p)
				} else {
					failed++
					fmt.Fprintf(out, "%s %s\n", red.Render("rejected"), p)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files not queued", failed, len(args))
			}
			return nil
		},
	}
}

func newRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "Move errored files back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n := a.queue.RequeueErrors()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d files\n", cyan.Render("requeued"), n)
			return err
		},
	}
}
