// Package events emits fire-and-forget audit records for external
// consumers. Failures are logged and never block the caller.
package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const stream = "note-updates"

// Publisher appends note lifecycle events to a Redis stream.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(redisURL string) (*Publisher, error) {
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

	return NewPublisherWithClient(client), nil
}

func NewPublisherWithClient(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishNoteEvent records that actor performed action on a note. Errors are
// logged only; the real-time path must never wait on the audit feed.
func (p *Publisher) PublishNoteEvent(ctx context.Context, noteID, userID, action string) {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"noteId":    noteID,
			"userId":    userID,
			"action":    action,
			"timestamp": time.Now().UnixMilli(),
		},
	}).Err()
	if err != nil {
		log.Printf("publish note event %s/%s: %v", noteID, action, err)
	}
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
