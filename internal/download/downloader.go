// Package download mirrors remote files whose names match a set of prefixes into a
// local folder, skipping items whose version tag has not changed since the last pass.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/openmined/visitsync/internal/auth"
	"github.com/openmined/visitsync/internal/changeindex"
	"github.com/openmined/visitsync/internal/events"
	"github.com/openmined/visitsync/internal/remote"
	"github.com/openmined/visitsync/internal/utils"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkers = 4
	DefaultSuffix  = ".pdf"
)

var (
	ErrSyncInProgress = errors.New("download: sync in progress")
	ErrNoTargetDir    = errors.New("download: target dir missing")
	ErrNoRemote       = errors.New("download: remote client missing")
)

// Remote is the subset of the remote client a sync needs
type Remote interface {
	ResolveContainerID(ctx context.Context) (string, error)
	ListOrSearch(ctx context.Context, containerID string, q remote.Query) ([]*remote.Item, error)
	Download(ctx context.Context, containerID, itemID, destPath string) (int64, error)
}

type Config struct {
	TargetDir     string
	Folder        string // remote folder the filtered query lists; "" is the drive root
	Prefixes      []string
	Suffix        string
	Workers       int
	SkipUnchanged bool
}

// Result tallies one sync pass
type Result struct {
	Candidates int // matching items after deduplication
	Conflicts  int // same named items dropped in favor of the newest one
	Skipped    int // unchanged since the last download
	Downloaded int
	Failed     int
	Bytes      int64
	Duration   time.Duration
}

type Downloader struct {
	cfg    Config
	remote Remote
	tokens auth.TokenSource
	index  *changeindex.Index
	events events.Publisher
	log    *slog.Logger

	muSync sync.Mutex
}

type Option func(*Downloader)

func WithLogger(log *slog.Logger) Option {
	return func(d *Downloader) {
		if log != nil {
			d.log = log
		}
	}
}

func WithEvents(p events.Publisher) Option {
	return func(d *Downloader) {
		if p != nil {
			d.events = p
		}
	}
}

// New opens the change index inside cfg.TargetDir
func New(cfg Config, r Remote, tokens auth.TokenSource, opts ...Option) (*Downloader, error) {
	if cfg.TargetDir == "" {
		return nil, ErrNoTargetDir
	}
	if r == nil {
		return nil, ErrNoRemote
	}
	if tokens == nil {
		return nil, auth.ErrNoCredentials
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if err := utils.EnsureDir(cfg.TargetDir); err != nil {
		return nil, fmt.Errorf("download: target dir: %w", err)
	}

	d := &Downloader{
		cfg:    cfg,
		remote: r,
		tokens: tokens,
		events: events.Discard,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.index = changeindex.Open(cfg.TargetDir)
	return d, nil
}

func (d *Downloader) Index() *changeindex.Index {
	return d.index
}

// Sync downloads every new or changed item matching the configured and extra prefixes
func (d *Downloader) Sync(ctx context.Context, extraPrefixes []string) (*Result, error) {
	if !d.muSync.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer d.muSync.Unlock()

	start := time.Now()
	res := &Result{}

	prefixes := d.prefixes(extraPrefixes)
	if prefixes.Cardinality() == 0 {
		d.log.Debug("download skipped", "reason", "no prefixes")
		return res, nil
	}

	if _, err := d.tokens.Token(ctx); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("download: token: %w", err)
	}
	containerID, err := d.remote.ResolveContainerID(ctx)
	if err != nil {
		return res, fmt.Errorf("download: resolve container: %w", err)
	}

	candidates, err := d.collect(ctx, containerID, prefixes)
	if err != nil {
		return res, err
	}
	candidates, res.Conflicts = d.uniqueNames(candidates)
	res.Candidates = len(candidates)

	var todo []*remote.Item
	for _, item := range candidates {
		if d.index.ShouldDownload(item.ID, item.ETag, d.cfg.SkipUnchanged) {
			todo = append(todo, item)
		} else {
			res.Skipped++
		}
	}

	d.log.Info("download sync", "prefixes", prefixes.Cardinality(), "candidates", res.Candidates, "conflicts", res.Conflicts, "skipped", res.Skipped)
	d.fetch(ctx, containerID, todo, res)

	// once per pass, not per item
	saveErr := d.index.Save()
	res.Duration = time.Since(start)

	d.log.Info("download sync done",
		"downloaded", res.Downloaded,
		"failed", res.Failed,
		"bytes", humanize.IBytes(uint64(res.Bytes)),
		"took", res.Duration,
	)

	if saveErr != nil {
		return res, fmt.Errorf("download: save index: %w", saveErr)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (d *Downloader) prefixes(extra []string) mapset.Set[string] {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, p := range append(append([]string{}, d.cfg.Prefixes...), extra...) {
		if p = strings.TrimSpace(p); p != "" {
			set.Add(p)
		}
	}
	return set
}

// collect queries each prefix and returns matching files, deduplicated by container and id
func (d *Downloader) collect(ctx context.Context, containerID string, prefixes mapset.Set[string]) ([]*remote.Item, error) {
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []*remote.Item

	for _, prefix := range sorted(prefixes) {
		items, err := d.query(ctx, containerID, prefix)
		if err != nil {
			return nil, err
		}

		for _, item := range items {
			if item.IsFolder() || item.ID == "" {
				continue
			}
			if !matchesAny(item.Name, prefixes, d.cfg.Suffix) {
				continue
			}
			if !seen.Add(item.ContainerID(containerID) + "/" + item.ID) {
				continue
			}
			out = append(out, item)
		}
	}
	return out, nil
}

// uniqueNames keeps one item per local file name, the most recently modified, since every
// item lands flat in the target dir. Names compare case-insensitively.
func (d *Downloader) uniqueNames(items []*remote.Item) ([]*remote.Item, int) {
	byName := make(map[string]int, len(items))
	out := make([]*remote.Item, 0, len(items))
	conflicts := 0

	for _, item := range items {
		name, ok := localName(item.Name)
		if !ok {
			out = append(out, item) // reported by fetchOne
			continue
		}
		key := strings.ToLower(name)
		i, dup := byName[key]
		if !dup {
			byName[key] = len(out)
			out = append(out, item)
			continue
		}

		conflicts++
		kept, dropped := out[i], item
		if newer(item, out[i]) {
			kept, dropped = item, out[i]
			out[i] = item
		}
		d.log.Warn("download name conflict",
			"name", name,
			"kept", itemLocation(kept),
			"dropped", itemLocation(dropped),
		)
	}
	return out, conflicts
}

func newer(a, b *remote.Item) bool {
	if !a.LastModified.Equal(b.LastModified) {
		return a.LastModified.After(b.LastModified)
	}
	return a.ID < b.ID
}

func itemLocation(item *remote.Item) string {
	if item.ParentReference != nil && item.ParentReference.Path != "" {
		return item.ParentReference.Path + "/" + item.Name
	}
	return item.ID
}

// localName is the file name an item is stored under, or false when it has none
func localName(remoteName string) (string, bool) {
	name := filepath.Base(filepath.Clean("/" + remoteName))
	if name == string(filepath.Separator) || name == "." {
		return "", false
	}
	return name, true
}

// query prefers the structured filter and falls back to free text search when the service rejects it
func (d *Downloader) query(ctx context.Context, containerID, prefix string) ([]*remote.Item, error) {
	items, err := d.remote.ListOrSearch(ctx, containerID, remote.Query{
		Folder: d.cfg.Folder,
		Filter: remote.StartsWithFilter(prefix),
	})
	if err == nil {
		return items, nil
	}
	if remote.KindOf(err) != remote.KindBadRequest {
		return nil, fmt.Errorf("download: list %q: %w", prefix, err)
	}

	d.log.Debug("filter rejected, searching", "prefix", prefix, "error", err)
	items, err = d.remote.ListOrSearch(ctx, containerID, remote.Query{
		Folder: d.cfg.Folder,
		Search: prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("download: search %q: %w", prefix, err)
	}
	return items, nil
}

func (d *Downloader) fetch(ctx context.Context, containerID string, items []*remote.Item, res *Result) {
	sem := semaphore.NewWeighted(int64(d.cfg.Workers))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			n, err := d.fetchOne(ctx, containerID, item)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() == nil {
					res.Failed++
				}
				return
			}
			res.Downloaded++
			res.Bytes += n
		}()
	}
	wg.Wait()
}

func (d *Downloader) fetchOne(ctx context.Context, containerID string, item *remote.Item) (int64, error) {
	name, ok := localName(item.Name)
	if !ok {
		err := fmt.Errorf("download: invalid name %q", item.Name)
		d.log.Error("download", "id", item.ID, "error", err)
		d.events.Publish(events.FileDownloadFailed(item.Name, err))
		return 0, err
	}
	dest := filepath.Join(d.cfg.TargetDir, name)

	n, err := d.remote.Download(ctx, item.ContainerID(containerID), item.ID, dest)
	if err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		d.log.Error("download", "name", item.Name, "id", item.ID, "error", err)
		d.events.Publish(events.FileDownloadFailed(item.Name, err))
		return 0, err
	}

	d.index.Record(item.ID, item.ETag)
	d.log.Info("download", "name", item.Name, "size", humanize.IBytes(uint64(n)))
	d.events.Publish(events.FileDownloaded(dest, item.Name, n))
	return n, nil
}

// matchesAny reports whether name is <prefix>*<suffix> for some prefix, ignoring case
func matchesAny(name string, prefixes mapset.Set[string], suffix string) bool {
	name = strings.ToLower(name)
	matched := false
	prefixes.Each(func(prefix string) bool {
		pattern := quoteMeta(strings.ToLower(prefix)) + "*" + quoteMeta(strings.ToLower(suffix))
		ok, err := doublestar.Match(pattern, name)
		matched = err == nil && ok
		return matched
	})
	return matched
}

// quoteMeta escapes glob syntax so names are matched literally
func quoteMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sorted(set mapset.Set[string]) []string {
	out := set.ToSlice()
	slices.Sort(out)
	return out
}
