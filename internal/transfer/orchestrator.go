// Package transfer drives upload cycles: it drains the pending queue into the
// remote store with a bounded number of workers, at most one cycle at a time.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/visitsync/internal/auth"
	"github.com/openmined/visitsync/internal/events"
	"github.com/openmined/visitsync/internal/queue"
	"github.com/openmined/visitsync/internal/remote"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkers   = 4
	DefaultBatchSize = 50
	DefaultInterval  = 30 * time.Second
)

var (
	ErrCycleInProgress = errors.New("transfer: cycle in progress")
	ErrAuthFailure     = errors.New("transfer: authentication failed")
	ErrNoQueue         = errors.New("transfer: queue missing")
	ErrNoRemote        = errors.New("transfer: remote client missing")
)

// Queue is the subset of the queue store a cycle needs
type Queue interface {
	Counts() queue.Counts
	ListPendingBatch(limit int) []*queue.Item
	MarkSent(item *queue.Item) error
	MarkError(item *queue.Item, failure *queue.Failure) error
	RequeueErrors() int
	PurgeSent(retention time.Duration) int
}

// Remote is the subset of the remote client a cycle needs
type Remote interface {
	ResolveContainerID(ctx context.Context) (string, error)
	EnsureFolder(ctx context.Context, containerID, path string) error
	SmallUploadThreshold() int64
	UploadSmall(ctx context.Context, containerID, folder, name string, body io.Reader, size int64) (*remote.Item, error)
	UploadLarge(ctx context.Context, containerID, folder, name string, content io.ReaderAt, size int64) (*remote.Item, error)
}

type Config struct {
	RemoteRoot    string
	Workers       int
	BatchSize     int
	Retry         RetryPolicy
	Interval      time.Duration
	AutoRequeue   time.Duration // 0 disables
	SentRetention time.Duration // 0 keeps sent items forever
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = max(c.Retry.BaseDelay, 30*time.Second)
	}
}

// Orchestrator runs transfer cycles. It is safe to call RunCycle from several
// goroutines; overlapping calls return ErrCycleInProgress.
type Orchestrator struct {
	cfg    Config
	queue  Queue
	remote Remote
	tokens auth.TokenSource
	events events.Publisher
	log    *slog.Logger

	muCycle     sync.Mutex
	lastRequeue time.Time // guarded by muCycle

	counters counters
	state    atomic.Int32
	wake     chan struct{}

	inflight    atomic.Int64
	maxInflight atomic.Int64
}

type Option func(*Orchestrator)

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.events = p
		}
	}
}

func New(cfg Config, q Queue, r Remote, tokens auth.TokenSource, opts ...Option) (*Orchestrator, error) {
	if q == nil {
		return nil, ErrNoQueue
	}
	if r == nil {
		return nil, ErrNoRemote
	}
	if tokens == nil {
		return nil, auth.ErrNoCredentials
	}
	cfg.setDefaults()

	o := &Orchestrator{
		cfg:         cfg,
		queue:       q,
		remote:      r,
		tokens:      tokens,
		events:      events.Discard,
		log:         slog.Default(),
		wake:        make(chan struct{}, 1),
		lastRequeue: time.Now(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) Counters() events.Counters {
	return o.counters.snapshot()
}

// MaxInFlight is the peak number of items uploaded concurrently since construction
func (o *Orchestrator) MaxInFlight() int {
	return int(o.maxInflight.Load())
}

// Wake asks a running Start loop for an early cycle. Extra wakes coalesce.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// RunOnce runs a single cycle on the caller's goroutine
func (o *Orchestrator) RunOnce(ctx context.Context) (*events.CycleSummary, error) {
	return o.RunCycle(ctx)
}

// Start runs an initial cycle, then one per Interval and one per Wake, until ctx is done
func (o *Orchestrator) Start(ctx context.Context) error {
	o.log.Info("transfer start", "interval", o.cfg.Interval, "workers", o.cfg.Workers, "batch", o.cfg.BatchSize)
	o.runLogged(ctx)

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info("transfer stop")
			return nil
		case <-ticker.C:
			o.runLogged(ctx)
		case <-o.wake:
			o.runLogged(ctx)
		}
	}
}

func (o *Orchestrator) runLogged(ctx context.Context) {
	_, err := o.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInProgress):
		o.log.Debug("transfer cycle skipped", "reason", "in progress")
	case errors.Is(err, context.Canceled):
	default:
		o.log.Error("transfer cycle", "error", err)
	}
}

// RunCycle uploads one batch of pending items. Failures of single items never fail the
// cycle; failures of shared steps (token, container, root folder) abort it.
func (o *Orchestrator) RunCycle(ctx context.Context) (*events.CycleSummary, error) {
	if !o.muCycle.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer o.muCycle.Unlock()
	defer o.setState(StateIdle)
	o.setState(StateLocked)

	summary := &events.CycleSummary{ID: uuid.NewString()}
	start := time.Now()

	o.housekeeping()
	counts := o.counters.refresh(o.queue.Counts())
	o.events.Publish(events.CountersChanged(counts))
	if counts.Pending == 0 {
		return summary, nil
	}

	o.setState(StateAuthenticating)
	if _, err := o.tokens.Token(ctx); err != nil {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		o.events.Publish(events.Status("authentication failed"))
		return summary, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}

	o.setState(StateResolvingTarget)
	containerID, err := o.remote.ResolveContainerID(ctx)
	if err != nil {
		return summary, fmt.Errorf("transfer: resolve container: %w", err)
	}
	if err := o.remote.EnsureFolder(ctx, containerID, o.cfg.RemoteRoot); err != nil {
		return summary, fmt.Errorf("transfer: ensure remote root %q: %w", o.cfg.RemoteRoot, err)
	}

	o.setState(StateListing)
	items := o.queue.ListPendingBatch(o.cfg.BatchSize)
	if len(items) == 0 {
		return summary, nil
	}

	o.setState(StateTransferring)
	o.log.Info("transfer cycle", "id", summary.ID, "items", len(items), "pending", counts.Pending)
	o.events.Publish(events.Status("uploading %d of %d pending files", len(items), counts.Pending))

	authErr := o.transferBatch(ctx, containerID, items, summary)

	summary.Duration = time.Since(start)
	o.log.Info("transfer cycle done",
		"id", summary.ID,
		"attempted", summary.Attempted,
		"uploaded", summary.Uploaded,
		"failed", summary.Failed,
		"bytes", humanize.IBytes(uint64(summary.Bytes)),
		"took", summary.Duration,
	)
	o.events.Publish(events.CycleCompleted(*summary))

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if authErr != nil {
		o.events.Publish(events.Status("authentication failed"))
		return summary, fmt.Errorf("%w: %w", ErrAuthFailure, authErr)
	}
	return summary, nil
}

// transferBatch uploads items concurrently. The first auth failure stops the batch and
// is returned; items not finished by then stay pending.
func (o *Orchestrator) transferBatch(ctx context.Context, containerID string, items []*queue.Item, summary *events.CycleSummary) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(o.cfg.Workers))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var authErr error

	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // cancelled, the rest stays pending
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			o.enter()
			res := o.transferItem(ctx, containerID, item)
			o.leave()

			mu.Lock()
			defer mu.Unlock()
			if res.authErr != nil && authErr == nil {
				authErr = res.authErr
				cancel()
			}
			if res.skipped {
				return
			}
			summary.Attempted++
			if res.uploaded {
				summary.Uploaded++
				summary.Bytes += res.bytes
			} else {
				summary.Failed++
			}
		}()
	}
	wg.Wait()
	return authErr
}

func (o *Orchestrator) housekeeping() {
	if o.cfg.AutoRequeue > 0 && time.Since(o.lastRequeue) >= o.cfg.AutoRequeue {
		o.lastRequeue = time.Now()
		if n := o.queue.RequeueErrors(); n > 0 {
			o.log.Info("requeued errored items", "count", n)
		}
	}
	if o.cfg.SentRetention > 0 {
		if n := o.queue.PurgeSent(o.cfg.SentRetention); n > 0 {
			o.log.Info("purged sent items", "count", n, "retention", o.cfg.SentRetention)
		}
	}
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

func (o *Orchestrator) enter() {
	n := o.inflight.Add(1)
	for {
		peak := o.maxInflight.Load()
		if n <= peak || o.maxInflight.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (o *Orchestrator) leave() {
	o.inflight.Add(-1)
}
