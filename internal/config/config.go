package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/visitsync/internal/utils"
)

const (
	chunkAlignment = 320 * 1024
	maxChunkSize   = 60 * 1024 * 1024
	maxWorkers     = 16
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".visitsync", "config.json")
	DefaultDataDir    = filepath.Join(home, "VisitSync")
	DefaultServerURL  = "https://graph.microsoft.com/v1.0"
)

const (
	DefaultList                 = "Documents"
	DefaultRemoteRoot           = "Visits"
	DefaultChunkSize            = "5MiB"
	DefaultSmallUploadThreshold = "4MiB"
	DefaultWorkers              = 4
	DefaultRetryAttempts        = 3
	DefaultRetryBaseDelay       = time.Second
	DefaultRetryMaxDelay        = 30 * time.Second
	DefaultBatchSize            = 50
	DefaultInterval             = 30 * time.Second
	DefaultRequestTimeout       = 60 * time.Second
	DefaultSessionTimeout       = 5 * time.Minute
	DefaultDownloadSuffix       = ".pdf"
	DefaultDownloadWorkers      = 4
)

var (
	ErrNoSite        = errors.New("config: site or drive id required")
	ErrNoCredentials = errors.New("config: token or tenant_id, client_id and client_secret required")
)

type Config struct {
	DataDir    string `json:"data_dir"`
	ServerURL  string `json:"server_url"`
	Site       string `json:"site"`
	List       string `json:"list"`
	DriveID    string `json:"drive_id,omitempty"`
	RemoteRoot string `json:"remote_root"`

	Token        string `json:"token,omitempty"`
	TenantID     string `json:"tenant_id,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`

	ChunkSize            int64         `json:"chunk_size"`
	SmallUploadThreshold int64         `json:"small_upload_threshold"`
	ChunkDelay           time.Duration `json:"chunk_delay"`
	Workers              int           `json:"workers"`
	RetryAttempts        int           `json:"retry_attempts"`
	RetryBaseDelay       time.Duration `json:"retry_base_delay"`
	RetryMaxDelay        time.Duration `json:"retry_max_delay"`
	BatchSize            int           `json:"batch_size"`
	Interval             time.Duration `json:"interval"`
	RequestTimeout       time.Duration `json:"request_timeout"`
	SessionTimeout       time.Duration `json:"session_timeout"`
	RequestsPerSecond    float64       `json:"requests_per_second"`
	AutoRequeue          time.Duration `json:"auto_requeue"`
	SentRetention        time.Duration `json:"sent_retention"`

	DownloadDir      string        `json:"download_dir"`
	DownloadFolder   string        `json:"download_folder"`
	DownloadPrefixes []string      `json:"download_prefixes"`
	DownloadSuffix   string        `json:"download_suffix"`
	DownloadWorkers  int           `json:"download_workers"`
	DownloadInterval time.Duration `json:"download_interval"`
	SkipUnchanged    bool          `json:"skip_unchanged"`

	Path string `json:"-"`
}

// Validate normalizes paths, fills defaults and rejects malformed settings
func (c *Config) Validate() error {
	var err error

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if err := validateURL(c.ServerURL); err != nil {
		return fmt.Errorf("server url: %w", err)
	}

	c.Site = strings.TrimSpace(c.Site)
	if c.List == "" {
		c.List = DefaultList
	}
	if c.RemoteRoot == "" {
		c.RemoteRoot = DefaultRemoteRoot
	}
	c.RemoteRoot = utils.NormPath(c.RemoteRoot)

	if c.ChunkSize <= 0 {
		c.ChunkSize = mustParseSize(DefaultChunkSize)
	}
	c.ChunkSize = alignChunk(c.ChunkSize)
	if c.SmallUploadThreshold <= 0 {
		c.SmallUploadThreshold = mustParseSize(DefaultSmallUploadThreshold)
	}
	if c.ChunkDelay < 0 {
		return fmt.Errorf("chunk delay must not be negative")
	}

	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	c.Workers = min(c.Workers, maxWorkers)
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry max delay %s is below base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second must not be negative")
	}
	if c.AutoRequeue < 0 || c.SentRetention < 0 || c.DownloadInterval < 0 {
		return fmt.Errorf("intervals must not be negative")
	}

	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}
	if c.DownloadDir, err = utils.ResolvePath(c.DownloadDir); err != nil {
		return fmt.Errorf("download dir: %w", err)
	}
	c.DownloadFolder = utils.NormPath(c.DownloadFolder)
	if c.DownloadSuffix == "" {
		c.DownloadSuffix = DefaultDownloadSuffix
	}
	if c.DownloadWorkers <= 0 {
		c.DownloadWorkers = DefaultDownloadWorkers
	}
	c.DownloadWorkers = min(c.DownloadWorkers, maxWorkers)

	return nil
}

// RequireRemote checks the settings needed to talk to the remote store. Local only
// commands skip it.
func (c *Config) RequireRemote() error {
	if c.Site == "" && c.DriveID == "" {
		return ErrNoSite
	}
	if c.Token == "" && (c.TenantID == "" || c.ClientID == "" || c.ClientSecret == "") {
		return ErrNoCredentials
	}
	return nil
}

// UsesClientCredentials is true when no static token is configured
func (c *Config) UsesClientCredentials() bool {
	return c.Token == ""
}

// ParseSize accepts byte counts and human sizes like "5MiB" or "4 MB"
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}
	return int64(n), nil
}

func mustParseSize(s string) int64 {
	n, err := ParseSize(s)
	if err != nil {
		panic(err)
	}
	return n
}

// alignChunk rounds down to the 320 KiB multiple the upload session protocol requires
func alignChunk(n int64) int64 {
	n = min(n, maxChunkSize)
	n -= n % chunkAlignment
	return max(n, chunkAlignment)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
