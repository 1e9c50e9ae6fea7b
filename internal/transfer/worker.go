package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/visitsync/internal/events"
	"github.com/openmined/visitsync/internal/queue"
	"github.com/openmined/visitsync/internal/remote"
	"github.com/openmined/visitsync/internal/utils"
)

const (
	OpUpload = "UPLOAD"
	OpFailed = "FAILED"
	OpSkip   = "SKIP"
)

var errLocalIO = errors.New("local io")

type result struct {
	uploaded bool
	skipped  bool
	bytes    int64
	authErr  error // set when credentials were rejected; the item stays pending
}

func (o *Orchestrator) transferItem(ctx context.Context, containerID string, item *queue.Item) result {
	folder := utils.JoinRemote(o.cfg.RemoteRoot, item.RemoteFolder)
	remotePath := utils.JoinRemote(folder, item.Name)

	var size int64
	attempts, err := o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		if err := o.remote.EnsureFolder(ctx, containerID, folder); err != nil {
			return err
		}
		n, err := o.upload(ctx, containerID, folder, item)
		size = n
		return err
	}, func(err error, wait time.Duration) {
		o.log.Warn("transfer retry", "path", item.RelPath, "wait", wait, "error", err)
	})

	switch {
	case err == nil:
		return o.succeeded(item, remotePath, size)

	case ctx.Err() != nil || remote.KindOf(err) == remote.KindCancelled:
		o.log.Debug("transfer", "op", OpSkip, "path", item.RelPath, "reason", "cancelled")
		return result{skipped: true}

	case remote.IsAuthFailure(err):
		o.log.Warn("transfer", "op", OpSkip, "path", item.RelPath, "reason", "auth", "error", err)
		return result{skipped: true, authErr: err}

	case errors.Is(err, fs.ErrNotExist):
		o.log.Warn("transfer", "op", OpSkip, "path", item.RelPath, "reason", "vanished")
		return result{skipped: true}

	case errors.Is(err, errLocalIO):
		o.log.Error("transfer", "op", OpSkip, "path", item.RelPath, "error", err)
		return result{}
	}

	return o.failed(item, remotePath, attempts, err)
}

func (o *Orchestrator) upload(ctx context.Context, containerID, folder string, item *queue.Item) (int64, error) {
	f, err := os.Open(item.Path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errLocalIO, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errLocalIO, err)
	}
	size := info.Size()

	if size <= o.remote.SmallUploadThreshold() {
		_, err = o.remote.UploadSmall(ctx, containerID, folder, item.Name, f, size)
	} else {
		_, err = o.remote.UploadLarge(ctx, containerID, folder, item.Name, f, size)
	}
	return size, err
}

func (o *Orchestrator) succeeded(item *queue.Item, remotePath string, size int64) result {
	res := result{uploaded: true, bytes: size}

	o.log.Info("transfer", "op", OpUpload, "path", item.RelPath, "remote", remotePath, "size", humanize.IBytes(uint64(size)))
	if err := o.queue.MarkSent(item); err != nil {
		// uploaded but still pending; the next cycle replaces the remote copy
		o.log.Error("mark sent", "path", item.RelPath, "error", err)
		return res
	}

	o.events.Publish(events.CountersChanged(o.counters.uploaded()))
	o.events.Publish(events.FileUploaded(item.Path, remotePath, size))
	return res
}

func (o *Orchestrator) failed(item *queue.Item, remotePath string, attempts int, err error) result {
	kind := remote.KindOf(err)
	o.log.Error("transfer", "op", OpFailed, "path", item.RelPath, "kind", kind, "attempts", attempts, "error", err)

	failure := &queue.Failure{
		Timestamp:  time.Now().UTC(),
		Kind:       kind.String(),
		Message:    err.Error(),
		Attempts:   attempts,
		RemotePath: remotePath,
	}
	if merr := o.queue.MarkError(item, failure); merr != nil {
		o.log.Error("mark error", "path", item.RelPath, "error", merr)
		return result{}
	}

	o.events.Publish(events.CountersChanged(o.counters.failed()))
	o.events.Publish(events.FileUploadFailed(item.Path, err))
	return result{}
}
