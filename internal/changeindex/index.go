// Package changeindex remembers the version tag of every remote object that was
// downloaded, so unchanged objects can be skipped on the next pass.
//
// The index is only a cache: losing it causes redundant downloads, never wrong ones.
package changeindex

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/openmined/visitsync/internal/utils"
)

// FileName is the index document kept inside the download folder
const FileName = ".visitsync-index.json"

type Index struct {
	path  string
	tags  map[string]string
	dirty bool
	mu    sync.RWMutex
}

// Open loads the index stored in dir. A missing or unreadable document yields an empty index.
func Open(dir string) *Index {
	idx := &Index{
		path: filepath.Join(dir, FileName),
		tags: make(map[string]string),
	}
	idx.load()
	return idx
}

func (i *Index) Path() string {
	return i.path
}

// ShouldDownload reports whether the object must be fetched. It is false only when
// skipping is enabled and the recorded tag equals versionTag exactly.
func (i *Index) ShouldDownload(objectID, versionTag string, skipUnchanged bool) bool {
	if !skipUnchanged || objectID == "" || versionTag == "" {
		return true
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	prev, ok := i.tags[objectID]
	return !ok || prev != versionTag
}

// Record upserts the tag for an object after it was downloaded
func (i *Index) Record(objectID, versionTag string) {
	if objectID == "" {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if prev, ok := i.tags[objectID]; ok && prev == versionTag {
		return
	}
	i.tags[objectID] = versionTag
	i.dirty = true
}

// Forget drops an object, forcing its next download
func (i *Index) Forget(objectID string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.tags[objectID]; ok {
		delete(i.tags, objectID)
		i.dirty = true
	}
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.tags)
}

// Save writes the index when it changed since the last load or save
func (i *Index) Save() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.dirty {
		return nil
	}

	data, err := json.Marshal(i.tags)
	if err != nil {
		return fmt.Errorf("encode change index: %w", err)
	}
	if err := utils.WriteFileAtomic(i.path, data); err != nil {
		return fmt.Errorf("write change index: %w", err)
	}

	i.dirty = false
	slog.Debug("change index saved", "path", i.path, "entries", len(i.tags))
	return nil
}

func (i *Index) load() {
	data, err := os.ReadFile(i.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("change index unreadable, starting empty", "path", i.path, "error", err)
		}
		return
	}

	var tags map[string]string
	if err := json.Unmarshal(data, &tags); err != nil {
		slog.Warn("change index corrupt, starting empty", "path", i.path, "error", err)
		return
	}
	if tags != nil {
		i.tags = tags
	}
}
