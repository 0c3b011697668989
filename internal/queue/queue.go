// Package queue implements a sequential, retrying, merge-capable save
// queue. Change-sets enqueued while a persist call is in flight accumulate
// into the next batch instead of being lost or clobbered: the queue is
// cleared before the persist call is awaited, so at most one write is ever
// in flight and later edits always land in a later batch.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ChangeSet is a partial state update. Merging is last-write-wins per key,
// recursing into values that are themselves ChangeSet-shaped maps.
type ChangeSet = map[string]any

// Metadata describes one queued change-set, or a merged batch of them.
type Metadata struct {
	Label           string
	EnqueuedAt      time.Time
	FirstEnqueuedAt time.Time
	LastEnqueuedAt  time.Time
	BatchSize       int
	RetryCount      int
	Failed          bool
	LastError       string
}

// PersistFunc writes one merged change-set to the backing store.
type PersistFunc func(ctx context.Context, changes ChangeSet, meta Metadata) error

// Options tune a queue. Zero values pick the defaults: 3 retries and
// exponential backoff from 1s capped at 5s.
type Options struct {
	MaxRetries int
	Backoff    func(retry int) time.Duration
	OnSuccess  func(changes ChangeSet, meta Metadata)
	OnError    func(err error, changes ChangeSet, meta Metadata)
}

// ErrFailed is reported by WaitIdle when processing stopped with a
// change-set that exhausted its retries. The change-set stays queued so a
// later enqueue triggers another attempt.
var ErrFailed = errors.New("queue: save failed after retries")

// DefaultMaxRetries is used when Options.MaxRetries is unset.
const DefaultMaxRetries = 3

func defaultBackoff(retry int) time.Duration {
	d := time.Second << retry
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

type entry struct {
	changes ChangeSet
	meta    Metadata
}

// Queue is a sequential save queue. All methods are safe for concurrent
// use; persistence runs on a single worker goroutine.
type Queue struct {
	persist PersistFunc
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	cond       *sync.Cond
	items      []entry
	processing bool
	saving     bool
}

func New(persist PersistFunc, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Backoff == nil {
		opts.Backoff = defaultBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{persist: persist, opts: opts, ctx: ctx, cancel: cancel}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a change-set and starts processing if the worker is idle.
func (q *Queue) Enqueue(changes ChangeSet, label string) {
	q.mu.Lock()
	q.items = append(q.items, entry{
		changes: changes,
		meta:    Metadata{Label: label, EnqueuedAt: time.Now()},
	})
	start := !q.processing
	if start {
		q.processing = true
		q.saving = true
	}
	q.mu.Unlock()

	if start {
		go q.process()
	}
}

func (q *Queue) IsSaving() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.saving
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsIdle reports whether the queue is completely quiet: not saving and
// nothing pending.
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.saving && len(q.items) == 0
}

// WaitIdle blocks until the queue drains, the front change-set is marked
// failed (ErrFailed), or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		q.cond.Broadcast()
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if !q.processing && len(q.items) == 0 {
			return nil
		}
		if !q.processing && len(q.items) > 0 && q.items[0].meta.Failed {
			return ErrFailed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.cond.Wait()
	}
}

// Clear drops all pending change-sets. In-flight work is unaffected.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Close stops the queue. In-flight persistence is cancelled via context.
func (q *Queue) Close() {
	q.cancel()
	q.cond.Broadcast()
}

func (q *Queue) process() {
	for {
		if q.ctx.Err() != nil {
			q.stop()
			return
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			// The worker flags must flip inside the same critical section
			// as the emptiness check. A concurrent Enqueue then either
			// hands its entry to this pass or sees processing == false and
			// starts a fresh worker; with a separate deferred reset an
			// entry appended in between would sit unpersisted.
			q.processing = false
			q.saving = false
			q.mu.Unlock()
			q.cond.Broadcast()
			return
		}

		// Merge everything queued so far into one batch and clear the
		// queue before persisting: changes arriving during the write go
		// to the next batch.
		merged := ChangeSet{}
		for _, item := range q.items {
			merged = Merge(merged, item.changes)
		}
		meta := Metadata{
			BatchSize:       len(q.items),
			FirstEnqueuedAt: q.items[0].meta.EnqueuedAt,
			LastEnqueuedAt:  q.items[len(q.items)-1].meta.EnqueuedAt,
			RetryCount:      q.items[0].meta.RetryCount,
			Label:           q.items[0].meta.Label,
		}
		if !q.items[0].meta.FirstEnqueuedAt.IsZero() {
			meta.FirstEnqueuedAt = q.items[0].meta.FirstEnqueuedAt
		}
		q.items = nil
		q.mu.Unlock()
		q.cond.Broadcast()

		err := q.persist(q.ctx, merged, meta)
		if err == nil {
			if q.opts.OnSuccess != nil {
				q.opts.OnSuccess(merged, meta)
			}
			continue
		}

		if q.opts.OnError != nil {
			q.opts.OnError(err, merged, meta)
		}

		if meta.RetryCount < q.opts.MaxRetries {
			retry := meta
			retry.RetryCount++
			retry.LastError = err.Error()
			q.requeueFront(merged, retry)

			if !q.sleep(q.opts.Backoff(meta.RetryCount)) {
				q.stop()
				return
			}
			continue
		}

		// Out of retries: keep the change-set queued but marked failed so
		// a caller can surface a manual retry. Processing stops here and
		// resumes on the next enqueue. Requeue and worker-flag reset share
		// one critical section so waiters never observe a stopped worker
		// without the failed front entry in place.
		failed := meta
		failed.Failed = true
		failed.LastError = err.Error()
		q.mu.Lock()
		q.items = append([]entry{{changes: merged, meta: failed}}, q.items...)
		q.processing = false
		q.saving = false
		q.mu.Unlock()
		q.cond.Broadcast()
		return
	}
}

func (q *Queue) requeueFront(changes ChangeSet, meta Metadata) {
	q.mu.Lock()
	q.items = append([]entry{{changes: changes, meta: meta}}, q.items...)
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) stop() {
	q.mu.Lock()
	q.processing = false
	q.saving = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-q.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
