package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Feed publishes change events to Redis. Publishing is fire-and-forget:
// a realtime hiccup must never fail the write that produced the event.
type Feed struct {
	client *redis.Client
}

// NewFeed connects to Redis and verifies the connection.
func NewFeed(redisURL string) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Feed{client: client}, nil
}

// NewFeedWithClient creates a feed from an existing Redis client.
func NewFeedWithClient(client *redis.Client) *Feed {
	return &Feed{client: client}
}

func (f *Feed) Close() error {
	return f.client.Close()
}

func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Publish fans the event out to its channels. Items additionally reach the
// page channel so page-scoped subscribers see them; document metadata
// additionally reaches the global documents channel.
func (f *Feed) Publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("realtime: marshal event: %v", err)
		return
	}

	channels := []string{documentChannel(event.DocumentID, event.Table)}
	if event.Table == TableItems && event.PageID != "" {
		channels = append(channels, pageItemsChannel(event.PageID))
	}
	if event.Table == TableDocuments {
		channels = append(channels, documentsChannel)
	}

	for _, channel := range channels {
		if err := f.client.Publish(ctx, channel, payload).Err(); err != nil {
			log.Printf("realtime: publish %s: %v", channel, err)
		}
	}
}
