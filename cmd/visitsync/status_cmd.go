package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openmined/visitsync/internal/queue"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	var showErrors bool

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and failed files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var errored []*queue.Item
			if showErrors {
				errored = a.queue.ListErrors()
			}
			renderStatus(cmd.OutOrStdout(), a.queue.Root(), a.queue.Counts(), errored)
			return nil
		},
	}

	statusCmd.Flags().BoolVarP(&showErrors, "errors", "e", true, "List errored files with their failure reason")
	return statusCmd
}

func renderStatus(w io.Writer, root string, counts queue.Counts, errored []*queue.Item) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", bold.Render("queue"), lightGray.Render(root))
	fmt.Fprintf(&sb, "  %-9s %s\n", "pending", yellow.Render(fmt.Sprint(counts.Pending)))
	fmt.Fprintf(&sb, "  %-9s %s\n", "uploaded", green.Render(fmt.Sprint(counts.Sent)))
	fmt.Fprintf(&sb, "  %-9s %s\n", "errors", red.Render(fmt.Sprint(counts.Errors)))

	for _, item := range errored {
		fmt.Fprintf(&sb, "\n%s %s\n", red.Render("x"), item.RelPath)
		fmt.Fprintf(&sb, "  %s\n", gray.Render(fmt.Sprintf("%s, modified %s", humanize.IBytes(uint64(item.Size)), humanize.Time(item.ModTime))))
		if item.Failure != nil {
			fmt.Fprintf(&sb, "  %s\n", lightGray.Render(item.Failure.String()))
		}
	}
	fmt.Fprint(w, sb.String())
}
