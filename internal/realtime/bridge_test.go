package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	testDoc  = "11111111-1111-4111-8111-111111111111"
	testPage = "22222222-2222-4222-8222-222222222222"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) handle(event Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *eventCollector) wait(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, have %d", n, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestPublishedChangesReachDocumentSubscribers(t *testing.T) {
	client := newTestClient(t)
	feed := NewFeedWithClient(client)
	bridge := NewBridge(client)

	var collected eventCollector
	sub, err := bridge.Subscribe(context.Background(), testDoc, testPage, true, collected.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if !sub.Active() {
		t.Fatal("subscription not active after Subscribe")
	}

	row, _ := json.Marshal(map[string]string{"id": "r1", "name": "Outer"})
	feed.Publish(context.Background(), Event{
		Type:       EventInsert,
		Table:      TableRings,
		DocumentID: testDoc,
		New:        row,
	})

	events := collected.wait(t, 1)
	if events[0].Table != TableRings || events[0].Type != EventInsert {
		t.Fatalf("event = %+v, want rings INSERT", events[0])
	}
}

func TestItemChangesArePageScoped(t *testing.T) {
	client := newTestClient(t)
	feed := NewFeedWithClient(client)
	bridge := NewBridge(client)

	var collected eventCollector
	sub, err := bridge.Subscribe(context.Background(), testDoc, testPage, true, collected.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	otherPage := "33333333-3333-4333-8333-333333333333"
	feed.Publish(context.Background(), Event{
		Type:       EventInsert,
		Table:      TableItems,
		DocumentID: testDoc,
		PageID:     otherPage,
	})
	feed.Publish(context.Background(), Event{
		Type:       EventUpdate,
		Table:      TableItems,
		DocumentID: testDoc,
		PageID:     testPage,
	})

	events := collected.wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	events = collected.wait(t, 1)
	for _, event := range events {
		if event.PageID != testPage {
			t.Fatalf("received item event for page %s, want only %s", event.PageID, testPage)
		}
	}
}

func TestDocumentScopedItemsWhenPageScopeUnsupported(t *testing.T) {
	client := newTestClient(t)
	feed := NewFeedWithClient(client)
	bridge := NewBridge(client)

	var collected eventCollector
	sub, err := bridge.Subscribe(context.Background(), testDoc, testPage, false, collected.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// With page scoping off, item events for any page of the document
	// arrive on the document channel.
	feed.Publish(context.Background(), Event{
		Type:       EventInsert,
		Table:      TableItems,
		DocumentID: testDoc,
		PageID:     "33333333-3333-4333-8333-333333333333",
	})

	events := collected.wait(t, 1)
	if events[0].Table != TableItems {
		t.Fatalf("event = %+v, want items INSERT", events[0])
	}
}

func TestDocumentMetadataWatch(t *testing.T) {
	client := newTestClient(t)
	feed := NewFeedWithClient(client)
	bridge := NewBridge(client)

	var collected eventCollector
	sub, err := bridge.SubscribeDocumentMetadata(context.Background(), collected.handle)
	if err != nil {
		t.Fatalf("SubscribeDocumentMetadata: %v", err)
	}
	defer sub.Close()

	feed.Publish(context.Background(), Event{
		Type:       EventDelete,
		Table:      TableDocuments,
		DocumentID: testDoc,
	})

	events := collected.wait(t, 1)
	if events[0].Type != EventDelete || events[0].DocumentID != testDoc {
		t.Fatalf("event = %+v, want documents DELETE for %s", events[0], testDoc)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	client := newTestClient(t)
	feed := NewFeedWithClient(client)
	bridge := NewBridge(client)

	var collected eventCollector
	sub, err := bridge.Subscribe(context.Background(), testDoc, testPage, true, collected.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not wind down after Close")
	}
	if sub.Active() {
		t.Fatal("subscription still active after Close")
	}

	feed.Publish(context.Background(), Event{
		Type:       EventInsert,
		Table:      TableRings,
		DocumentID: testDoc,
	})
	time.Sleep(50 * time.Millisecond)

	collected.mu.Lock()
	defer collected.mu.Unlock()
	if len(collected.events) != 0 {
		t.Fatalf("events after Close = %d, want 0", len(collected.events))
	}
}
