package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/visitsync/internal/utils"
)

const (
	queueDir    = "queue"
	logsDir     = "logs"
	downloadDir = "downloads"
	metadataDir = ".data"
	lockFile    = "visitsync.lock"
	logFile     = "visitsync.log"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

// Workspace is the data dir layout:
//
//	<root>/queue/{pending,sent,error}
//	<root>/downloads
//	<root>/logs/visitsync.log
//	<root>/.data/visitsync.lock
type Workspace struct {
	Root        string
	QueueDir    string
	DownloadDir string
	LogsDir     string
	MetadataDir string

	flock *flock.Flock
}

// New resolves the layout below rootDir. downloadDir overrides <root>/downloads when not empty.
func New(rootDir, downloadDirOverride string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	downloads := filepath.Join(root, downloadDir)
	if downloadDirOverride != "" {
		if downloads, err = utils.ResolvePath(downloadDirOverride); err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", downloadDirOverride, err)
		}
	}

	meta := filepath.Join(root, metadataDir)
	return &Workspace{
		Root:        root,
		QueueDir:    filepath.Join(root, queueDir),
		DownloadDir: downloads,
		LogsDir:     filepath.Join(root, logsDir),
		MetadataDir: meta,
		flock:       flock.New(filepath.Join(meta, lockFile)),
	}, nil
}

func (w *Workspace) LogFilePath() string {
	return filepath.Join(w.LogsDir, logFile)
}

// Lock takes the process lock so a second daemon cannot drive the same queue
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

func (w *Workspace) Unlock() error {
	// if this process hasn't locked the workspace, then don't delete the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}

// Setup creates the directory layout. It does not lock.
func (w *Workspace) Setup() error {
	for _, dir := range []string{w.QueueDir, w.DownloadDir, w.LogsDir, w.MetadataDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	slog.Debug("workspace", "root", w.Root, "downloads", w.DownloadDir)
	return nil
}
