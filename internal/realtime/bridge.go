package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Handler receives one decoded change event.
type Handler func(event Event)

// Bridge opens scoped subscriptions against the change feed. One logical
// subscription covers the four watches of an editing session: rings,
// activity groups and labels filtered by document, items filtered by page
// when the store supports page scoping, else by document.
//
// The HTTP API only publishes to the feed; the subscriber side is for the
// process that holds live edit connections, which pairs one Subscribe per
// open document with that document's save session.
type Bridge struct {
	client *redis.Client
}

func NewBridge(client *redis.Client) *Bridge {
	return &Bridge{client: client}
}

// Subscription is one live set of watches. Close tears it down; a fresh
// Subscribe is required after the document or page changes.
type Subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc

	mu     sync.Mutex
	active bool
	done   chan struct{}
}

// Active reports whether the subscription is still delivering events.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Done is closed once the delivery loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

func (s *Subscription) setActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// Subscribe opens the change watches for one (document, page) editing
// session. pageID may be empty when no page is selected; pageScope selects
// page-level item filtering when the store supports it.
func (b *Bridge) Subscribe(ctx context.Context, documentID, pageID string, pageScope bool, handler Handler) (*Subscription, error) {
	channels := []string{
		documentChannel(documentID, TableRings),
		documentChannel(documentID, TableActivityGroups),
		documentChannel(documentID, TableLabels),
	}
	if pageScope && pageID != "" {
		channels = append(channels, pageItemsChannel(pageID))
	} else {
		channels = append(channels, documentChannel(documentID, TableItems))
	}

	return b.subscribe(ctx, channels, handler)
}

// SubscribeDocumentMetadata watches document-level metadata changes
// (deletion, title change) independent of any page.
func (b *Bridge) SubscribeDocumentMetadata(ctx context.Context, handler Handler) (*Subscription, error) {
	return b.subscribe(ctx, []string{documentsChannel}, handler)
}

func (b *Bridge) subscribe(ctx context.Context, channels []string, handler Handler) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(ctx, channels...)

	// Force the SUBSCRIBE round-trip so a broken connection surfaces here
	// instead of as a silent dead watch.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}

	sub := &Subscription{
		pubsub: pubsub,
		cancel: cancel,
		active: true,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer sub.setActive(false)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("realtime: decode event on %s: %v", msg.Channel, err)
					continue
				}
				handler(event)
			}
		}
	}()

	return sub, nil
}
