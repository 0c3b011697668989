package queue

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"
)

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func noBackoff(int) time.Duration { return 0 }

func TestMergesQueuedChangeSetsIntoOnePersistCall(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var calls []ChangeSet

	var q *Queue
	q = New(func(ctx context.Context, changes ChangeSet, meta Metadata) error {
		<-block
		mu.Lock()
		calls = append(calls, changes)
		mu.Unlock()
		return nil
	}, Options{Backoff: noBackoff})
	defer q.Close()

	// First enqueue starts the worker, which parks on block holding an
	// empty batch of one. The rest pile up behind it and must merge.
	q.Enqueue(ChangeSet{"title": "a"}, "")
	for q.PendingCount() > 0 {
		time.Sleep(time.Millisecond)
	}
	q.Enqueue(ChangeSet{"title": "b", "year": 2026}, "")
	q.Enqueue(ChangeSet{"title": "c"}, "")
	q.Enqueue(ChangeSet{"color": "red"}, "")
	close(block)
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("expected 2 persist calls (first item, merged rest), got %d", len(calls))
	}
	want := ChangeSet{"title": "c", "year": 2026, "color": "red"}
	if !reflect.DeepEqual(calls[1], want) {
		t.Errorf("merged batch = %v, want %v", calls[1], want)
	}
}

func TestMergeIsDeepForNestedMaps(t *testing.T) {
	a := ChangeSet{"metadata": map[string]any{"title": "x", "colors": []string{"red"}}}
	b := ChangeSet{"metadata": map[string]any{"title": "y"}}
	merged := Merge(a, b)

	meta := merged["metadata"].(map[string]any)
	if meta["title"] != "y" {
		t.Errorf("later key should win: %v", meta["title"])
	}
	if _, ok := meta["colors"]; !ok {
		t.Error("sibling key lost in deep merge")
	}
	// Inputs must stay untouched.
	if a["metadata"].(map[string]any)["title"] != "x" {
		t.Error("Merge mutated its input")
	}
}

func TestChangesDuringSaveGoToNextBatch(t *testing.T) {
	firstStarted := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var batches []ChangeSet
	first := true

	q := New(func(ctx context.Context, changes ChangeSet, meta Metadata) error {
		mu.Lock()
		wasFirst := first
		first = false
		mu.Unlock()
		if wasFirst {
			close(firstStarted)
			<-release
		}
		mu.Lock()
		batches = append(batches, changes)
		mu.Unlock()
		return nil
	}, Options{Backoff: noBackoff})
	defer q.Close()

	q.Enqueue(ChangeSet{"a": 1}, "")
	<-firstStarted

	if !q.IsSaving() {
		t.Fatal("expected IsSaving while persist is in flight")
	}
	// Enqueued mid-save: must not join the in-flight batch.
	q.Enqueue(ChangeSet{"b": 2}, "")
	close(release)
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if _, leaked := batches[0]["b"]; leaked {
		t.Error("mid-save change leaked into the in-flight batch")
	}
	if batches[1]["b"] != 2 {
		t.Errorf("mid-save change missing from next batch: %v", batches[1])
	}
}

func TestRetryPreservesChangeSetVerbatim(t *testing.T) {
	var mu sync.Mutex
	var attempts []ChangeSet
	var delays []time.Duration
	fails := 3

	q := New(func(ctx context.Context, changes ChangeSet, meta Metadata) error {
		mu.Lock()
		attempts = append(attempts, changes)
		remaining := fails
		fails--
		mu.Unlock()
		if remaining > 0 {
			return errors.New("transient")
		}
		return nil
	}, Options{Backoff: func(retry int) time.Duration {
		mu.Lock()
		delays = append(delays, defaultBackoff(retry))
		mu.Unlock()
		return 0
	}})
	defer q.Close()

	want := ChangeSet{"snapshot": map[string]any{"title": "Launch"}}
	q.Enqueue(want, "")
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 4 {
		t.Fatalf("expected 3 failures + 1 success, got %d attempts", len(attempts))
	}
	for i, got := range attempts {
		if !reflect.DeepEqual(got, want) {
			t.Errorf("attempt %d mutated the change-set: %v", i, got)
		}
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Errorf("backoff decreased: %v", delays)
		}
	}
}

func TestBackoffIsCappedAtFiveSeconds(t *testing.T) {
	if d := defaultBackoff(0); d != time.Second {
		t.Errorf("defaultBackoff(0) = %v", d)
	}
	if d := defaultBackoff(1); d != 2*time.Second {
		t.Errorf("defaultBackoff(1) = %v", d)
	}
	if d := defaultBackoff(10); d != 5*time.Second {
		t.Errorf("defaultBackoff(10) = %v, want cap", d)
	}
}

func TestExhaustedRetriesKeepChangeSetQueuedAsFailed(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	var lastMeta Metadata

	q := New(func(ctx context.Context, changes ChangeSet, meta Metadata) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("store down")
	}, Options{
		MaxRetries: 2,
		Backoff:    noBackoff,
		OnError: func(err error, changes ChangeSet, meta Metadata) {
			mu.Lock()
			lastMeta = meta
			mu.Unlock()
		},
	})
	defer q.Close()

	q.Enqueue(ChangeSet{"a": 1}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); !errors.Is(err, ErrFailed) {
		t.Fatalf("WaitIdle = %v, want ErrFailed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("expected initial attempt + 2 retries, got %d", attempts)
	}
	if lastMeta.RetryCount != 2 {
		t.Errorf("final retry count = %d", lastMeta.RetryCount)
	}
	if q.PendingCount() != 1 {
		t.Errorf("failed change-set should stay queued, pending = %d", q.PendingCount())
	}
	if q.IsSaving() {
		t.Error("worker should have stopped")
	}
}

func TestLaterEnqueueRetriesFailedChangeSet(t *testing.T) {
	var mu sync.Mutex
	failing := true
	var succeeded []ChangeSet

	q := New(func(ctx context.Context, changes ChangeSet, meta Metadata) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("store down")
		}
		succeeded = append(succeeded, changes)
		return nil
	}, Options{MaxRetries: 1, Backoff: noBackoff})
	defer q.Close()

	q.Enqueue(ChangeSet{"a": 1}, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); !errors.Is(err, ErrFailed) {
		t.Fatalf("WaitIdle = %v, want ErrFailed", err)
	}

	mu.Lock()
	failing = false
	mu.Unlock()

	// An unrelated edit revives processing; the failed change-set rides
	// along in the merged batch.
	q.Enqueue(ChangeSet{"b": 2}, "")
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(succeeded) != 1 {
		t.Fatalf("expected one successful batch, got %d", len(succeeded))
	}
	want := ChangeSet{"a": 1, "b": 2}
	if !reflect.DeepEqual(succeeded[0], want) {
		t.Errorf("batch = %v, want %v", succeeded[0], want)
	}
}

func TestSuccessCallbackReceivesMergedBatch(t *testing.T) {
	done := make(chan Metadata, 1)
	q := New(func(ctx context.Context, changes ChangeSet, meta Metadata) error {
		return nil
	}, Options{
		Backoff: noBackoff,
		OnSuccess: func(changes ChangeSet, meta Metadata) {
			done <- meta
		},
	})
	defer q.Close()

	q.Enqueue(ChangeSet{"a": 1}, "drag item")
	select {
	case meta := <-done:
		if meta.Label != "drag item" {
			t.Errorf("label = %q", meta.Label)
		}
		if meta.BatchSize != 1 {
			t.Errorf("batch size = %d", meta.BatchSize)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("success callback never fired")
	}
}

func TestEnqueueDuringWorkerShutdownIsNotStranded(t *testing.T) {
	// An enqueue racing the worker's exit must either join the batch the
	// worker is draining or start a fresh worker. Hammer the handoff and
	// require every change-set to reach the persist func before WaitIdle
	// reports the queue drained.
	var mu sync.Mutex
	persisted := map[string]bool{}

	q := New(func(ctx context.Context, changes ChangeSet, meta Metadata) error {
		mu.Lock()
		for key := range changes {
			persisted[key] = true
		}
		mu.Unlock()
		return nil
	}, Options{Backoff: noBackoff})
	defer q.Close()

	const rounds = 200
	for i := 0; i < rounds; i++ {
		first := "a" + strconv.Itoa(i)
		second := "b" + strconv.Itoa(i)
		q.Enqueue(ChangeSet{first: 1}, "")
		// Land the second enqueue around the moment the worker drains the
		// first and decides whether to exit.
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(ChangeSet{second: 1}, "")
		}()
		wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := q.WaitIdle(ctx)
		cancel()
		if err != nil {
			t.Fatalf("round %d: queue never drained: %v", i, err)
		}
		mu.Lock()
		gotFirst, gotSecond := persisted[first], persisted[second]
		mu.Unlock()
		if !gotFirst || !gotSecond {
			t.Fatalf("round %d: change-set stranded (first=%v second=%v)", i, gotFirst, gotSecond)
		}
	}
}

func TestClearDropsPendingWork(t *testing.T) {
	q := New(func(ctx context.Context, changes ChangeSet, meta Metadata) error {
		return nil
	}, Options{Backoff: noBackoff})
	q.Close() // stop the worker so entries stay pending

	q.Enqueue(ChangeSet{"a": 1}, "")
	q.Clear()
	if q.PendingCount() != 0 {
		t.Errorf("pending = %d after Clear", q.PendingCount())
	}
}
