// Package queue implements the durable staging area for outgoing files.
//
// A file's transfer state is the directory it lives in:
//
//	<root>/pending/<folder>/<name>   waiting for upload
//	<root>/sent/<folder>/<name>      delivered
//	<root>/error/<folder>/<name>     retries exhausted, with <name>.error beside it
//
// Moving a file between the three trees is the only state transition, which keeps the
// queue crash safe: anything left in pending after a crash is simply retried.
package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/visitsync/internal/utils"
)

const (
	PendingDir    = "pending"
	SentDir       = "sent"
	ErrorDir      = "error"
	SidecarSuffix = ".error"
)

var (
	ErrInvalidPath = errors.New("queue: invalid path")
	ErrLocalIO     = errors.New("queue: local io failure")
)

// Item is a queued file
type Item struct {
	Path         string    // absolute path in its current staging dir
	RelPath      string    // slash separated, relative to the staging dir
	Name         string    // file name
	RemoteFolder string    // slash separated folder below the remote root, "" for top level
	Size         int64     // bytes
	ModTime      time.Time // last modification
	Failure      *Failure  // only set for items listed from error/
}

// Counts is a point in time tally of the three staging dirs
type Counts struct {
	Pending int
	Sent    int
	Errors  int
}

type Store struct {
	root       string
	pendingDir string
	sentDir    string
	errorDir   string
	ignore     *IgnoreList
	logger     *slog.Logger
	muEnqueue  sync.Mutex
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens the store at root, creating the staging dirs when missing
func New(root string, opts ...Option) (*Store, error) {
	root, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("queue root: %w", err)
	}

	s := &Store{
		root:       root,
		pendingDir: filepath.Join(root, PendingDir),
		sentDir:    filepath.Join(root, SentDir),
		errorDir:   filepath.Join(root, ErrorDir),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "queue")

	for _, dir := range []string{s.pendingDir, s.sentDir, s.errorDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	s.ignore = LoadIgnoreList(root)
	return s, nil
}

func (s *Store) Root() string        { return s.root }
func (s *Store) PendingPath() string { return s.pendingDir }

// Enqueue copies sourcePath into pending/<parent folder name>/<file name>.
// It reports whether a new pending entry was created. An entry already in sent or in
// pending is left alone. Errors are logged, never returned: producers must not fail
// because the queue could not take a file.
func (s *Store) Enqueue(sourcePath string) bool {
	relPath, err := enqueueRelPath(sourcePath)
	if err != nil {
		s.logger.Warn("enqueue rejected", "source", sourcePath, "error", err)
		return false
	}

	if s.ignore.ShouldIgnore(relPath) {
		s.logger.Debug("enqueue ignored", "source", sourcePath)
		return false
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		s.logger.Error("enqueue stat", "source", sourcePath, "error", err)
		return false
	}
	if info.IsDir() {
		s.logger.Warn("enqueue rejected", "source", sourcePath, "error", "is a directory")
		return false
	}

	s.muEnqueue.Lock()
	defer s.muEnqueue.Unlock()

	if utils.FileExists(s.sentPath(relPath)) {
		s.logger.Debug("enqueue skipped", "reason", "already sent", "path", relPath)
		return false
	}

	dst := s.pendingPath(relPath)
	if utils.FileExists(dst) {
		s.logger.Debug("enqueue skipped", "reason", "already pending", "path", relPath)
		return false
	}

	if err := utils.CopyFile(sourcePath, dst); err != nil {
		s.logger.Error("enqueue copy", "source", sourcePath, "dest", dst, "error", err)
		return false
	}

	s.logger.Info("enqueued", "path", relPath, "size", humanize.IBytes(uint64(info.Size())))
	return true
}

// ListPending returns a snapshot of the pending tree
func (s *Store) ListPending() []*Item {
	return s.list(s.pendingDir)
}

// ListSent returns a snapshot of the sent tree
func (s *Store) ListSent() []*Item {
	return s.list(s.sentDir)
}

// ListErrors returns a snapshot of the error tree with each item's diagnostic attached
func (s *Store) ListErrors() []*Item {
	items := s.list(s.errorDir)
	for _, item := range items {
		if f, err := readSidecar(item.Path + SidecarSuffix); err == nil {
			item.Failure = f
		}
	}
	return items
}

// ListPendingBatch returns at most limit pending items, oldest first
func (s *Store) ListPendingBatch(limit int) []*Item {
	if limit <= 0 {
		return s.sortedOldestFirst(s.ListPending())
	}

	h := newBoundedHeap(limit, olderThan)
	s.walk(s.pendingDir, func(item *Item) {
		h.Offer(item)
	})
	return h.Drain()
}

func (s *Store) Counts() Counts {
	count := func(dir string) int {
		n := 0
		s.walk(dir, func(*Item) { n++ })
		return n
	}
	return Counts{
		Pending: count(s.pendingDir),
		Sent:    count(s.sentDir),
		Errors:  count(s.errorDir),
	}
}

// MarkSent relocates a pending item into sent, replacing a stale copy there
func (s *Store) MarkSent(item *Item) error {
	dst := s.sentPath(item.RelPath)
	if err := utils.MoveFile(item.Path, dst); err != nil {
		s.logger.Error("mark sent", "path", item.RelPath, "error", err)
		return fmt.Errorf("%w: mark sent %q: %w", ErrLocalIO, item.RelPath, err)
	}
	s.removeEmptyParents(s.pendingDir, item.Path)
	item.Path = dst
	return nil
}

// MarkError relocates a pending item into error and writes its diagnostic sidecar.
// A sidecar that cannot be written is logged; the relocation still counts.
func (s *Store) MarkError(item *Item, failure *Failure) error {
	dst := s.errorPath(item.RelPath)
	if err := utils.MoveFile(item.Path, dst); err != nil {
		s.logger.Error("mark error", "path", item.RelPath, "error", err)
		return fmt.Errorf("%w: mark error %q: %w", ErrLocalIO, item.RelPath, err)
	}
	s.removeEmptyParents(s.pendingDir, item.Path)
	item.Path = dst

	if failure == nil {
		failure = &Failure{Kind: "unknown"}
	}
	if failure.Timestamp.IsZero() {
		failure.Timestamp = time.Now().UTC()
	}
	item.Failure = failure

	if err := writeSidecar(dst+SidecarSuffix, failure); err != nil {
		s.logger.Warn("write error sidecar", "path", item.RelPath, "error", err)
	}
	return nil
}

// RequeueErrors moves every errored file back to pending and deletes its sidecar
func (s *Store) RequeueErrors() int {
	moved := 0
	for _, item := range s.list(s.errorDir) {
		dst := s.pendingPath(item.RelPath)
		if err := utils.MoveFile(item.Path, dst); err != nil {
			s.logger.Error("requeue", "path", item.RelPath, "error", err)
			continue
		}
		if err := os.Remove(item.Path + SidecarSuffix); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("requeue remove sidecar", "path", item.RelPath, "error", err)
		}
		moved++
	}

	s.sweepOrphanSidecars()
	utils.RemoveEmptyDirs(s.errorDir)

	if moved > 0 {
		s.logger.Info("requeued errors", "count", moved)
	}
	return moved
}

// PurgeSent deletes sent entries last modified before now-retention
func (s *Store) PurgeSent(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-retention)
	purged := 0
	for _, item := range s.list(s.sentDir) {
		if item.ModTime.After(cutoff) {
			continue
		}
		if err := os.Remove(item.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("purge sent", "path", item.RelPath, "error", err)
			continue
		}
		purged++
	}
	utils.RemoveEmptyDirs(s.sentDir)
	if purged > 0 {
		s.logger.Info("purged sent", "count", purged, "retention", retention)
	}
	return purged
}

func (s *Store) list(dir string) []*Item {
	var items []*Item
	s.walk(dir, func(item *Item) {
		items = append(items, item)
	})
	return items
}

// walk visits every queued file below dir. Entries that vanish mid-walk are skipped.
func (s *Store) walk(dir string, fn func(*Item)) {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			s.logger.Warn("queue walk", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if s.ignore.ShouldIgnore(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// removed between readdir and stat
			return nil
		}

		fn(newItem(p, rel, info))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("queue walk", "dir", dir, "error", err)
	}
}

func (s *Store) sweepOrphanSidecars() {
	_ = filepath.WalkDir(s.errorDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, SidecarSuffix) {
			return nil
		}
		if !utils.FileExists(strings.TrimSuffix(p, SidecarSuffix)) {
			_ = os.Remove(p)
		}
		return nil
	})
}

func (s *Store) removeEmptyParents(stageDir, filePath string) {
	dir := filepath.Dir(filePath)
	for dir != stageDir && strings.HasPrefix(dir, stageDir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (s *Store) pendingPath(rel string) string {
	return filepath.Join(s.pendingDir, filepath.FromSlash(rel))
}
func (s *Store) sentPath(rel string) string { return filepath.Join(s.sentDir, filepath.FromSlash(rel)) }
func (s *Store) errorPath(rel string) string {
	return filepath.Join(s.errorDir, filepath.FromSlash(rel))
}

func newItem(absPath, relPath string, info fs.FileInfo) *Item {
	folder := path.Dir(relPath)
	if folder == "." {
		folder = ""
	}
	return &Item{
		Path:         absPath,
		RelPath:      relPath,
		Name:         path.Base(relPath),
		RemoteFolder: folder,
		Size:         info.Size(),
		ModTime:      info.ModTime(),
	}
}

func enqueueRelPath(sourcePath string) (string, error) {
	if sourcePath == "" {
		return "", ErrInvalidPath
	}
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}
	name := filepath.Base(abs)
	parent := filepath.Base(filepath.Dir(abs))
	if parent == string(filepath.Separator) || parent == "." || filepath.VolumeName(parent) == parent {
		return name, nil
	}
	return parent + "/" + name, nil
}

func olderThan(a, b *Item) bool {
	if a.ModTime.Equal(b.ModTime) {
		return a.RelPath < b.RelPath
	}
	return a.ModTime.Before(b.ModTime)
}

func (s *Store) sortedOldestFirst(items []*Item) []*Item {
	h := newBoundedHeap(len(items), olderThan)
	for _, item := range items {
		h.Offer(item)
	}
	return h.Drain()
}
