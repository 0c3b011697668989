package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ringplan/api/internal/config"
	"ringplan/api/internal/store"
)

func TestDocumentSessionPersistsQueuedSnapshots(t *testing.T) {
	svc, fs, _ := newTestService(t)
	svc.cfg = config.Config{MetadataDebounce: 10 * time.Millisecond, OrganizationDebounce: 10 * time.Millisecond}
	view := seedDocument(t, svc, "Wheel", 2026)

	session := svc.NewDocumentSession(view.Document.ID, nil)
	defer session.Close()

	session.Queue.QueueSave(store.Snapshot{
		Structure: &store.Structure{
			Rings: []store.Ring{{ID: "ring-1", Name: "Ops", Type: store.RingTypeOuter}},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Queue.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if session.Queue.HasQueuedChanges() {
		t.Fatal("queue should be drained")
	}
	if len(fs.rings) != 1 || fs.rings[0].Name != "Ops" {
		t.Fatalf("rings after queued save: %+v", fs.rings)
	}
}

func TestDocumentSessionManagerDrivesExecutor(t *testing.T) {
	svc, fs, _ := newTestService(t)
	svc.cfg = config.Config{MetadataDebounce: time.Hour, OrganizationDebounce: time.Hour}
	view := seedDocument(t, svc, "Wheel", 2026)

	session := svc.NewDocumentSession(view.Document.ID, nil)
	defer session.Close()

	session.Manager.SetMetadata(store.MetadataPatch{Title: strPtr("Renamed")})
	session.Manager.SetStructure(store.Structure{
		Rings: []store.Ring{{ID: "ring-1", Name: "Ops", Type: store.RingTypeOuter}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Manager.SaveNow(ctx, ""); err != nil {
		t.Fatalf("save now: %v", err)
	}

	doc, _ := fs.GetDocument(context.Background(), view.Document.ID)
	if doc.Metadata.Title != "Renamed" {
		t.Fatalf("title = %q", doc.Metadata.Title)
	}
	if len(fs.rings) != 1 {
		t.Fatalf("rings = %+v", fs.rings)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	finals []bool
}

func (n *recordingNotifier) SaveSucceeded(documentID string) {}

func (n *recordingNotifier) SaveFailed(documentID string, err error, final bool) {
	n.mu.Lock()
	n.finals = append(n.finals, final)
	n.mu.Unlock()
}

func TestDocumentSessionHonorsConfiguredRetryLimit(t *testing.T) {
	svc, fs, _ := newTestService(t)
	svc.cfg = config.Config{SaveMaxRetries: 1}
	view := seedDocument(t, svc, "Wheel", 2026)
	fs.metadataErr = errors.New("store down")

	notifier := &recordingNotifier{}
	session := svc.NewDocumentSession(view.Document.ID, notifier)
	defer session.Close()

	session.Queue.QueueSave(store.Snapshot{Metadata: &store.Metadata{Title: "doomed"}})

	// One configured retry: the second failure must be the final one.
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
	if notifier.finals[0] || !notifier.finals[1] {
		t.Fatalf("finals = %v, want [false true]", notifier.finals)
	}
}
