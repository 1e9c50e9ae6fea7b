package queue

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	watchBufferSize      = 64
	defaultWatchDebounce = 2 * time.Second
)

// Watch calls onChange, at most once per debounce window, after files are created or
// written anywhere below pending/. Events for paths that are already gone, such as the
// cycle's own moves to sent/ and error/, are ignored. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	events := make(chan notify.EventInfo, watchBufferSize)
	if err := notify.Watch(filepath.Join(s.pendingDir, "..."), events, notify.Create, notify.Write, notify.Rename); err != nil {
		return err
	}
	defer notify.Stop(events)

	s.logger.Info("watching pending", "dir", s.pendingDir)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	armed := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if armed || !s.relevant(ev.Path()) || !exists(ev.Path()) {
				continue
			}
			armed = true
			timer.Reset(debounce)
		case <-timer.C:
			armed = false
			onChange()
		}
	}
}

func (s *Store) relevant(p string) bool {
	rel, err := filepath.Rel(s.pendingDir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	return !s.ignore.ShouldIgnore(filepath.ToSlash(rel))
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}
