package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDownloadCmd())
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download [prefix]...",
		Short: "Fetch matching remote documents into the download directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := newApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			dl, err := a.downloader()
			if err != nil {
				return err
			}
			a.bus.Observe(logEvent)

			res, err := dl.Sync(cmd.Context(), args)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d matched, %s, %s, %s (%s) in %s\n",
				cyan.Render("download"),
				res.Candidates,
				green.Render(fmt.Sprintf("%d downloaded", res.Downloaded)),
				gray.Render(fmt.Sprintf("%d unchanged", res.Skipped)),
				red.Render(fmt.Sprintf("%d failed", res.Failed)),
				humanize.IBytes(uint64(res.Bytes)),
				res.Duration.Round(time.Millisecond),
			)
			if err == nil && res.Conflicts > 0 {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d same named files skipped, newest kept\n",
					yellow.Render("conflict"), res.Conflicts)
			}
			return err
		},
	}
}
