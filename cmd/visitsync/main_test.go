package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openmined/visitsync/internal/queue"
	"github.com/openmined/visitsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()

	cmd := &cobra.Command{Use: "visitsync"}
	addPersistentFlags(cmd.PersistentFlags())
	// never pick up a real config from the home directory
	if !hasFlag(args, "--config") {
		args = append(args, "--config", filepath.Join(t.TempDir(), "missing.json"))
	}
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name || strings.HasPrefix(a, name+"=") {
			return true
		}
	}
	return false
}

func TestLoadConfigDefaults(t *testing.T) {
	dataDir := t.TempDir()
	cfg, err := loadConfig(newTestCmd(t, "--datadir", dataDir))
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "downloads"), cfg.DownloadDir)
	assert.Equal(t, "Visits", cfg.RemoteRoot)
	assert.Equal(t, "Documents", cfg.List)
	assert.Equal(t, int64(16*320*1024), cfg.ChunkSize)
	assert.Equal(t, int64(4*1024*1024), cfg.SmallUploadThreshold)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, ".pdf", cfg.DownloadSuffix)
	assert.True(t, cfg.SkipUnchanged)
	assert.Empty(t, cfg.Path)
}

func TestLoadConfigEnv(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("VISITSYNC_DATA_DIR", dataDir)
	t.Setenv("VISITSYNC_SITE", "contoso.example.com:/sites/field")
	t.Setenv("VISITSYNC_TOKEN", "env-token")
	t.Setenv("VISITSYNC_CHUNK_SIZE", "1MiB")
	t.Setenv("VISITSYNC_WORKERS", "8")
	t.Setenv("VISITSYNC_RETRY_BASE_DELAY", "250ms")
	t.Setenv("VISITSYNC_DOWNLOAD_PREFIXES", "Report-, Summary-")
	t.Setenv("VISITSYNC_SKIP_UNCHANGED", "false")

	cfg, err := loadConfig(newTestCmd(t))
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, "contoso.example.com:/sites/field", cfg.Site)
	assert.Equal(t, "env-token", cfg.Token)
	assert.Equal(t, int64(3*320*1024), cfg.ChunkSize)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, []string{"Report-", "Summary-"}, cfg.DownloadPrefixes)
	assert.False(t, cfg.SkipUnchanged)
	assert.NoError(t, cfg.RequireRemote())
	assert.False(t, cfg.UsesClientCredentials())
}

func TestLoadConfigJSON(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	dummyConfig := `
{
	"data_dir": "` + filepath.ToSlash(filepath.Join(dir, "data")) + `",
	"site": "json.example.com:/sites/json",
	"remote_root": "/Clinic/Visits/",
	"tenant_id": "tenant",
	"client_id": "client",
	"client_secret": "secret",
	"small_upload_threshold": "2MiB",
	"batch_size": 10,
	"interval": "1m",
	"download_prefixes": ["A-", "B-"]
}`
	require.NoError(t, os.WriteFile(configPath, []byte(dummyConfig), 0o644))

	cfg, err := loadConfig(newTestCmd(t, "--config", configPath, "--site", "flag.example.com:/sites/flag"))
	require.NoError(t, err)

	assert.Equal(t, configPath, cfg.Path)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.DataDir)
	assert.Equal(t, "flag.example.com:/sites/flag", cfg.Site, "flag wins over file")
	assert.Equal(t, "Clinic/Visits", cfg.RemoteRoot)
	assert.Equal(t, int64(2*1024*1024), cfg.SmallUploadThreshold)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, []string{"A-", "B-"}, cfg.DownloadPrefixes)
	assert.True(t, cfg.UsesClientCredentials())
	assert.NoError(t, cfg.RequireRemote())
}

func TestLoadConfigDotEnvInDataDir(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, ".env"), []byte("VISITSYNC_TOKEN=dotenv-token\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("VISITSYNC_TOKEN") })

	cfg, err := loadConfig(newTestCmd(t, "--datadir", dataDir))
	require.NoError(t, err)
	assert.Equal(t, "dotenv-token", cfg.Token)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("VISITSYNC_CHUNK_SIZE", "lots")
	_, err := loadConfig(newTestCmd(t, "--datadir", t.TempDir()))
	assert.ErrorContains(t, err, "chunk_size")

	t.Setenv("VISITSYNC_CHUNK_SIZE", "")
	_, err = loadConfig(newTestCmd(t, "--datadir", t.TempDir(), "--server", "ftp://example.com"))
	assert.ErrorContains(t, err, "server url")
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList([]string{"a, b", " ", "c,"}))
	assert.Nil(t, splitList(nil))
}

func TestVersionCommand_PrintsDetailedVersion(t *testing.T) {
	cmd := &cobra.Command{Use: "visitsync"}
	cmd.AddCommand(newVersionCmd())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	require.Equal(t, version.Detailed(), strings.TrimSpace(out.String()))
}

func TestRenderStatus(t *testing.T) {
	var out bytes.Buffer
	renderStatus(&out, "/data/queue", queue.Counts{Pending: 2, Sent: 5, Errors: 1}, []*queue.Item{{
		RelPath: "Acme/visit.pdf",
		Size:    2048,
		ModTime: time.Now(),
		Failure: &queue.Failure{Timestamp: time.Now(), Kind: "server_error", Message: "injected failure"},
	}})

	got := out.String()
	assert.Contains(t, got, "/data/queue")
	assert.Contains(t, got, "pending")
	assert.Contains(t, got, "Acme/visit.pdf")
	assert.Contains(t, got, "2.0 KiB")
	assert.Contains(t, got, "server_error")
}

func TestEnqueueAndStatusCommands(t *testing.T) {
	dataDir := t.TempDir()
	srcDir := filepath.Join(t.TempDir(), "Acme")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	src := filepath.Join(srcDir, "visit.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.7"), 0o644))

	run := func(args ...string) (string, error) {
		root := &cobra.Command{Use: "visitsync", SilenceErrors: true, SilenceUsage: true}
		addPersistentFlags(root.PersistentFlags())
		root.AddCommand(newEnqueueCmd(), newRequeueCmd(), newStatusCmd())

		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs(append(args, "--datadir", dataDir, "--config", filepath.Join(dataDir, "none.json")))
		err := root.Execute()
		return out.String(), err
	}

	out, err := run("enqueue", src)
	require.NoError(t, err)
	assert.Contains(t, out, "queued")
	assert.FileExists(t, filepath.Join(dataDir, "queue", "pending", "Acme", "visit.pdf"))

	// second enqueue of the same file is rejected
	_, err = run("enqueue", src)
	assert.ErrorContains(t, err, "1 of 1 files not queued")

	out, err = run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")

	out, err = run("requeue")
	require.NoError(t, err)
	assert.Contains(t, out, "0 files")
}
