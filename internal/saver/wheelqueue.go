package saver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"ringplan/api/internal/queue"
	"ringplan/api/internal/store"
)

// Notifier receives user-facing save outcome notices. The HTTP layer
// forwards them to connected clients.
type Notifier interface {
	SaveSucceeded(documentID string)
	SaveFailed(documentID string, err error, final bool)
}

// SnapshotPersister applies a merged partial snapshot to a document.
type SnapshotPersister interface {
	PersistSnapshot(ctx context.Context, documentID string, snap store.Snapshot) error
}

// WheelQueue adapts document snapshots to the generic change-set queue.
// Concurrent partial snapshots merge before hitting storage, and queued
// work survives transient persistence failures.
type WheelQueue struct {
	documentID string
	queue      *queue.Queue
}

func NewWheelQueue(documentID string, persister SnapshotPersister, notifier Notifier, maxRetries int) *WheelQueue {
	persist := func(ctx context.Context, changes queue.ChangeSet, meta queue.Metadata) error {
		snap, err := decodeSnapshot(changes)
		if err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		return persister.PersistSnapshot(ctx, documentID, snap)
	}

	if maxRetries <= 0 {
		maxRetries = queue.DefaultMaxRetries
	}
	opts := queue.Options{MaxRetries: maxRetries}
	if notifier != nil {
		opts.OnSuccess = func(changes queue.ChangeSet, meta queue.Metadata) {
			notifier.SaveSucceeded(documentID)
		}
		opts.OnError = func(err error, changes queue.ChangeSet, meta queue.Metadata) {
			final := meta.RetryCount >= maxRetries
			notifier.SaveFailed(documentID, err, final)
			if final {
				log.Printf("save: document %s change set kept queued after repeated failures", documentID)
			}
		}
	}

	return &WheelQueue{
		documentID: documentID,
		queue:      queue.New(persist, opts),
	}
}

// QueueSave merges the partial snapshot into the pending change set.
func (w *WheelQueue) QueueSave(snap store.Snapshot) {
	w.queue.Enqueue(encodeSnapshot(snap), "wheel")
}

// Flush blocks until everything queued has been persisted.
func (w *WheelQueue) Flush(ctx context.Context) error {
	return w.queue.WaitIdle(ctx)
}

// HasQueuedChanges reports whether unsaved work exists, either waiting in
// the queue or mid-persist.
func (w *WheelQueue) HasQueuedChanges() bool {
	return w.queue.PendingCount() > 0 || w.queue.IsSaving()
}

func (w *WheelQueue) Close() { w.queue.Close() }

// encodeSnapshot turns a partial snapshot into a change set keyed by
// section, so that later metadata edits overwrite earlier ones while an
// untouched structure section survives the merge.
func encodeSnapshot(snap store.Snapshot) queue.ChangeSet {
	changes := queue.ChangeSet{}
	if snap.Metadata != nil {
		changes["metadata"] = *snap.Metadata
	}
	if snap.Structure != nil {
		changes["structure"] = *snap.Structure
	}
	if len(snap.Pages) > 0 {
		changes["pages"] = snap.Pages
	}
	return changes
}

func decodeSnapshot(changes queue.ChangeSet) (store.Snapshot, error) {
	// The merge layer is type-agnostic, so a round-trip through JSON is
	// the safe way back to concrete records.
	raw, err := json.Marshal(changes)
	if err != nil {
		return store.Snapshot{}, err
	}
	var decoded struct {
		Metadata  *store.Metadata      `json:"metadata"`
		Structure *store.Structure     `json:"structure"`
		Pages     []store.PageSnapshot `json:"pages"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Metadata: decoded.Metadata, Structure: decoded.Structure, Pages: decoded.Pages}, nil
}
