package realtime

import (
	"context"
	"log"
	"time"

	"github.com/stefan-sfarti/Collaborative-Notes/internal/message"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/presence"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/topic"
)

type sweepRegistry interface {
	Sweep(ctx context.Context, threshold time.Duration) ([]presence.Eviction, error)
}

// Sweeper periodically evicts presence entries that have gone silent and
// broadcasts the departure so other viewers see it without the evicted
// client being reachable.
type Sweeper struct {
	registry  sweepRegistry
	broker    broker
	interval  time.Duration
	threshold time.Duration
}

func NewSweeper(registry sweepRegistry, broker broker, interval, threshold time.Duration) *Sweeper {
	if interval <= 0 {
		interval = threshold / 10
	}
	return &Sweeper{
		registry:  registry,
		broker:    broker,
		interval:  interval,
		threshold: threshold,
	}
}

// Run loops until ctx is cancelled. A failed sweep is logged and retried on
// the next tick; it is never fatal.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	evicted, err := s.registry.Sweep(ctx, s.threshold)
	if err != nil {
		log.Printf("presence sweep: %v", err)
	}

	for _, eviction := range evicted {
		msg, err := message.New(message.KindPresenceUpdate, eviction.NoteID, eviction.UserID, message.PresenceUpdate{
			IsJoining: false,
		})
		if err != nil {
			log.Printf("build eviction broadcast for %s: %v", eviction.UserID, err)
			continue
		}
		raw, err := msg.Encode()
		if err != nil {
			log.Printf("encode eviction broadcast for %s: %v", eviction.UserID, err)
			continue
		}
		if err := s.broker.Publish(ctx, topic.NotePresence(eviction.NoteID), raw); err != nil {
			log.Printf("broadcast eviction of %s from note %s: %v", eviction.UserID, eviction.NoteID, err)
		}
	}
}
