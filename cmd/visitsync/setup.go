package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
	"github.com/openmined/visitsync/internal/auth"
	"github.com/openmined/visitsync/internal/config"
	"github.com/openmined/visitsync/internal/download"
	"github.com/openmined/visitsync/internal/events"
	"github.com/openmined/visitsync/internal/queue"
	"github.com/openmined/visitsync/internal/remote"
	"github.com/openmined/visitsync/internal/transfer"
	"github.com/openmined/visitsync/internal/utils"
	"github.com/openmined/visitsync/internal/version"
	"github.com/openmined/visitsync/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "VISITSYNC"
	configFileName = "config"
	dotEnvFile     = ".env"
)

// loadConfig merges flags, VISITSYNC_* env, .env files and the json config file, in that order of precedence
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loadDotEnv(dotEnvFile)

	v := viper.New()
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		v.SetConfigFile(configFilePath)
	} else {
		v.AddConfigPath(filepath.Dir(config.DefaultConfigPath))
		v.SetConfigName(configFileName)
		v.SetConfigType("json")
	}

	configPath := ""
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	} else {
		configPath = v.ConfigFileUsed()
	}

	setDefaults(v)

	flags := cmd.Flags()
	_ = v.BindPFlag("data_dir", flags.Lookup("datadir"))
	_ = v.BindPFlag("server_url", flags.Lookup("server"))
	_ = v.BindPFlag("site", flags.Lookup("site"))
	_ = v.BindPFlag("list", flags.Lookup("list"))
	_ = v.BindPFlag("remote_root", flags.Lookup("remote-root"))

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	// secrets may live next to the data
	if dataDir, err := utils.ResolvePath(v.GetString("data_dir")); err == nil {
		loadDotEnv(filepath.Join(dataDir, dotEnvFile))
	}

	chunkSize, err := config.ParseSize(v.GetString("chunk_size"))
	if err != nil {
		return nil, fmt.Errorf("chunk_size: %w", err)
	}
	threshold, err := config.ParseSize(v.GetString("small_upload_threshold"))
	if err != nil {
		return nil, fmt.Errorf("small_upload_threshold: %w", err)
	}

	cfg := &config.Config{
		Path:                 configPath,
		DataDir:              v.GetString("data_dir"),
		ServerURL:            v.GetString("server_url"),
		Site:                 v.GetString("site"),
		List:                 v.GetString("list"),
		DriveID:              v.GetString("drive_id"),
		RemoteRoot:           v.GetString("remote_root"),
		Token:                v.GetString("token"),
		TenantID:             v.GetString("tenant_id"),
		ClientID:             v.GetString("client_id"),
		ClientSecret:         v.GetString("client_secret"),
		ChunkSize:            chunkSize,
		SmallUploadThreshold: threshold,
		ChunkDelay:           v.GetDuration("chunk_delay"),
		Workers:              v.GetInt("workers"),
		RetryAttempts:        v.GetInt("retry_attempts"),
		RetryBaseDelay:       v.GetDuration("retry_base_delay"),
		RetryMaxDelay:        v.GetDuration("retry_max_delay"),
		BatchSize:            v.GetInt("batch_size"),
		Interval:             v.GetDuration("interval"),
		RequestTimeout:       v.GetDuration("request_timeout"),
		SessionTimeout:       v.GetDuration("session_timeout"),
		RequestsPerSecond:    v.GetFloat64("requests_per_second"),
		AutoRequeue:          v.GetDuration("auto_requeue"),
		SentRetention:        v.GetDuration("sent_retention"),
		DownloadDir:          v.GetString("download_dir"),
		DownloadFolder:       v.GetString("download_folder"),
		DownloadPrefixes:     splitList(v.GetStringSlice("download_prefixes")),
		DownloadSuffix:       v.GetString("download_suffix"),
		DownloadWorkers:      v.GetInt("download_workers"),
		DownloadInterval:     v.GetDuration("download_interval"),
		SkipUnchanged:        v.GetBool("skip_unchanged"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chunk_size", config.DefaultChunkSize)
	v.SetDefault("small_upload_threshold", config.DefaultSmallUploadThreshold)
	v.SetDefault("workers", config.DefaultWorkers)
	v.SetDefault("retry_attempts", config.DefaultRetryAttempts)
	v.SetDefault("retry_base_delay", config.DefaultRetryBaseDelay)
	v.SetDefault("retry_max_delay", config.DefaultRetryMaxDelay)
	v.SetDefault("batch_size", config.DefaultBatchSize)
	v.SetDefault("interval", config.DefaultInterval)
	v.SetDefault("request_timeout", config.DefaultRequestTimeout)
	v.SetDefault("session_timeout", config.DefaultSessionTimeout)
	v.SetDefault("download_suffix", config.DefaultDownloadSuffix)
	v.SetDefault("download_workers", config.DefaultDownloadWorkers)
	v.SetDefault("skip_unchanged", true)
}

func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("dotenv", "path", path, "error", err)
	}
}

// splitList accepts both json arrays and comma separated env values
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// setupLogging adds the workspace log file to the stdout handler
func setupLogging(ws *workspace.Workspace, verbose bool) (io.Closer, error) {
	if err := utils.EnsureDir(ws.LogsDir); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(ws.LogFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	stdoutHandler := newStdoutHandler(level)

	logInterceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// Do not include time as it is added by the log interceptor.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
	return closerFunc(func() error {
		return errors.Join(logInterceptor.Close(), file.Close())
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// app wires the components for one command invocation
type app struct {
	cfg    *config.Config
	ws     *workspace.Workspace
	bus    *events.Bus
	queue  *queue.Store
	tokens auth.TokenSource
	remote *remote.Client

	logs io.Closer
}

func newApp(cmd *cobra.Command, withRemote bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if withRemote {
		if err := cfg.RequireRemote(); err != nil {
			return nil, err
		}
	}

	ws, err := workspace.New(cfg.DataDir, cfg.DownloadDir)
	if err != nil {
		return nil, err
	}
	if err := ws.Setup(); err != nil {
		return nil, err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logs, err := setupLogging(ws, verbose)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, ws: ws, bus: events.NewBus(), logs: logs}
	if a.queue, err = queue.New(ws.QueueDir); err != nil {
		a.Close()
		return nil, err
	}

	if withRemote {
		if a.tokens, err = newTokenSource(cfg); err != nil {
			a.Close()
			return nil, err
		}
		if exp, ok := auth.Expiry(cfg.Token); ok {
			slog.Info("static token", "expires", exp.Local().Format(timeFormat), "in", time.Until(exp).Round(time.Second))
		}
		if a.remote, err = remote.New(remoteConfig(cfg), a.tokens); err != nil {
			a.Close()
			return nil, err
		}
	}

	slog.Debug("config", "path", cfg.Path, "data_dir", cfg.DataDir, "site", cfg.Site, "token", utils.MaskSecret(cfg.Token), "client_id", cfg.ClientID, "client_secret", utils.MaskSecret(cfg.ClientSecret))
	return a, nil
}

func (a *app) Close() {
	if a.logs != nil {
		slog.SetDefault(slog.New(newStdoutHandler(slog.LevelInfo)))
		_ = a.logs.Close()
	}
}

func (a *app) orchestrator() (*transfer.Orchestrator, error) {
	return transfer.New(transfer.Config{
		RemoteRoot: a.cfg.RemoteRoot,
		Workers:    a.cfg.Workers,
		BatchSize:  a.cfg.BatchSize,
		Retry: transfer.RetryPolicy{
			Attempts:  a.cfg.RetryAttempts,
			BaseDelay: a.cfg.RetryBaseDelay,
			MaxDelay:  a.cfg.RetryMaxDelay,
		},
		Interval:      a.cfg.Interval,
		AutoRequeue:   a.cfg.AutoRequeue,
		SentRetention: a.cfg.SentRetention,
	}, a.queue, a.remote, a.tokens, transfer.WithEvents(a.bus))
}

func (a *app) downloader() (*download.Downloader, error) {
	return download.New(download.Config{
		TargetDir:     a.ws.DownloadDir,
		Folder:        a.cfg.DownloadFolder,
		Prefixes:      a.cfg.DownloadPrefixes,
		Suffix:        a.cfg.DownloadSuffix,
		Workers:       a.cfg.DownloadWorkers,
		SkipUnchanged: a.cfg.SkipUnchanged,
	}, a.remote, a.tokens, download.WithEvents(a.bus))
}

func newTokenSource(cfg *config.Config) (auth.TokenSource, error) {
	if !cfg.UsesClientCredentials() {
		return auth.Static(cfg.Token), nil
	}
	return auth.NewClientCredentials(&auth.ClientCredentialsParams{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})
}

func remoteConfig(cfg *config.Config) remote.Config {
	return remote.Config{
		BaseURL:              cfg.ServerURL,
		Site:                 cfg.Site,
		List:                 cfg.List,
		DriveID:              cfg.DriveID,
		ChunkSize:            cfg.ChunkSize,
		SmallUploadThreshold: cfg.SmallUploadThreshold,
		ChunkDelay:           cfg.ChunkDelay,
		RequestTimeout:       cfg.RequestTimeout,
		SessionTimeout:       cfg.SessionTimeout,
		RequestsPerSecond:    cfg.RequestsPerSecond,
		UserAgent:            userAgent(),
	}
}

// userAgent tags requests with a stable, hashed device id
func userAgent() string {
	id, err := machineid.ProtectedID(strings.ToLower(version.AppName))
	if err != nil || len(id) < 12 {
		return version.UserAgent()
	}
	return fmt.Sprintf("%s (device %s)", version.UserAgent(), id[:12])
}
