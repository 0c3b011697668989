package saver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ringplan/api/internal/store"
)

type fakePersister struct {
	mu    sync.Mutex
	snaps []store.Snapshot
	fn    func(snap store.Snapshot) error
}

func (f *fakePersister) PersistSnapshot(ctx context.Context, documentID string, snap store.Snapshot) error {
	f.mu.Lock()
	f.snaps = append(f.snaps, snap)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(snap)
	}
	return nil
}

func (f *fakePersister) snapshots() []store.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Snapshot(nil), f.snaps...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	succeeded int
	failed    []error
	finals    []bool
}

func (f *fakeNotifier) SaveSucceeded(documentID string) {
	f.mu.Lock()
	f.succeeded++
	f.mu.Unlock()
}

func (f *fakeNotifier) SaveFailed(documentID string, err error, final bool) {
	f.mu.Lock()
	f.failed = append(f.failed, err)
	f.finals = append(f.finals, final)
	f.mu.Unlock()
}

func TestQueuedSnapshotsMergeBySection(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	persister := &fakePersister{}
	persister.fn = func(store.Snapshot) error {
		var wait bool
		once.Do(func() { wait = true })
		if wait {
			<-release
		}
		return nil
	}

	w := NewWheelQueue("doc-1", persister, nil, 0)
	defer w.Close()

	// First save blocks inside the persister so the next two pile up.
	w.QueueSave(store.Snapshot{Metadata: &store.Metadata{Title: "old"}})
	deadline := time.Now().Add(2 * time.Second)
	for len(persister.snapshots()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first persist never started")
		}
		time.Sleep(time.Millisecond)
	}

	w.QueueSave(store.Snapshot{Metadata: &store.Metadata{Title: "new"}})
	w.QueueSave(store.Snapshot{Structure: &store.Structure{
		Rings: []store.Ring{{Name: "Outer", Type: store.RingTypeOuter}},
	}})
	close(release)

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	snaps := persister.snapshots()
	if len(snaps) != 2 {
		t.Fatalf("persist calls = %d, want 2", len(snaps))
	}
	merged := snaps[1]
	if merged.Metadata == nil || merged.Metadata.Title != "new" {
		t.Fatalf("merged metadata = %+v, want title %q", merged.Metadata, "new")
	}
	if merged.Structure == nil || len(merged.Structure.Rings) != 1 || merged.Structure.Rings[0].Name != "Outer" {
		t.Fatalf("merged structure = %+v", merged.Structure)
	}
}

func TestHasQueuedChangesTracksInFlightWork(t *testing.T) {
	release := make(chan struct{})
	persister := &fakePersister{}
	persister.fn = func(store.Snapshot) error {
		<-release
		return nil
	}

	w := NewWheelQueue("doc-1", persister, nil, 0)
	defer w.Close()

	if w.HasQueuedChanges() {
		t.Fatal("fresh queue reports queued changes")
	}

	w.QueueSave(store.Snapshot{Metadata: &store.Metadata{Title: "draft"}})
	deadline := time.Now().Add(2 * time.Second)
	for !w.HasQueuedChanges() {
		if time.Now().After(deadline) {
			t.Fatal("queued change never observed")
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if w.HasQueuedChanges() {
		t.Fatal("queue still reports changes after flush")
	}
}

func TestNotifierHearsAboutOutcomes(t *testing.T) {
	notifier := &fakeNotifier{}
	persister := &fakePersister{}
	w := NewWheelQueue("doc-1", persister, notifier, 0)
	defer w.Close()

	w.QueueSave(store.Snapshot{Metadata: &store.Metadata{Title: "ok"}})
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	notifier.mu.Lock()
	succeeded := notifier.succeeded
	notifier.mu.Unlock()
	if succeeded != 1 {
		t.Fatalf("success notices = %d, want 1", succeeded)
	}
}

func TestNotifierHearsAboutFailures(t *testing.T) {
	boom := errors.New("connection reset")
	notifier := &fakeNotifier{}
	persister := &fakePersister{fn: func(store.Snapshot) error { return boom }}
	w := NewWheelQueue("doc-1", persister, notifier, 0)

	w.QueueSave(store.Snapshot{Metadata: &store.Metadata{Title: "doomed"}})

	// The failure notice fires before the retry backoff, so there is no
	// need to wait out the retries.
	deadline := time.Now().Add(2 * time.Second)
	for {
		notifier.mu.Lock()
		n := len(notifier.failed)
		notifier.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failure notice never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	w.Close()

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if !errors.Is(notifier.failed[0], boom) {
		t.Fatalf("failure notice = %v, want %v", notifier.failed[0], boom)
	}
	if notifier.finals[0] {
		t.Fatal("first failure reported as final")
	}
}

func TestConfiguredRetryLimitDrivesFinalNotice(t *testing.T) {
	boom := errors.New("connection reset")
	notifier := &fakeNotifier{}
	persister := &fakePersister{fn: func(store.Snapshot) error { return boom }}
	w := NewWheelQueue("doc-1", persister, notifier, 1)
	defer w.Close()

	w.QueueSave(store.Snapshot{Metadata: &store.Metadata{Title: "doomed"}})

	// One retry means two attempts: the second failure exhausts the limit.
	deadline := time.Now().Add(10 * time.Second)
	for {
		notifier.mu.Lock()
		n := len(notifier.finals)
		notifier.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("final failure notice never arrived")
		}
		time.Sleep(time.Millisecond)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.finals[0] {
		t.Fatal("first failure reported as final")
	}
	if !notifier.finals[1] {
		t.Fatal("exhausting failure not reported as final")
	}
	if len(persister.snapshots()) != 2 {
		t.Fatalf("attempts = %d, want 2 with a limit of one retry", len(persister.snapshots()))
	}
}
