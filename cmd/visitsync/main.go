package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/visitsync/internal/config"
	"github.com/openmined/visitsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var rootCmd = &cobra.Command{
	Use:           "visitsync",
	Short:         "Durable transfer queue for client visit files",
	Version:       version.Detailed(),
	SilenceErrors: true,
}

func init() {
	addPersistentFlags(rootCmd.PersistentFlags())
}

func addPersistentFlags(flags *pflag.FlagSet) {
	flags.SortFlags = false
	flags.StringP("config", "c", config.DefaultConfigPath, "VisitSync config file")
	flags.StringP("datadir", "d", config.DefaultDataDir, "VisitSync data directory")
	flags.StringP("server", "s", config.DefaultServerURL, "content API base url")
	flags.String("site", "", "site as host:/sites/name or site id")
	flags.String("list", config.DefaultList, "document library name")
	flags.String("remote-root", config.DefaultRemoteRoot, "remote folder receiving uploads")
	flags.BoolP("verbose", "v", false, "debug logging on stdout")
}

func main() {
	// stdout only until the workspace log file is known
	slog.SetDefault(slog.New(newStdoutHandler(slog.LevelInfo)))

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("visitsync", "error", err)
		stop()
		os.Exit(1)
	}
}

func newStdoutHandler(level slog.Level) slog.Handler {
	return tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: timeFormat,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
}
