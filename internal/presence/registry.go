// Package presence tracks which users currently have a note open.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	viewersPrefix  = "note:viewers:"
	activityPrefix = "note:activity:"
)

// Eviction identifies a presence entry removed by a sweep.
type Eviction struct {
	NoteID string
	UserID string
}

// Registry is the Redis-backed presence set. One entry per (note, user);
// its existence is the sole source of truth for "is this user viewing".
// All operations are safe for concurrent use from many sessions.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRegistry creates a registry from a Redis URL. ttl is the hard expiry
// ceiling on presence keys, a safety net against leaked entries; the sweep
// handles normal inactivity eviction well before it.
func NewRegistry(redisURL string, ttl time.Duration) (*Registry, error) {
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

	return NewRegistryWithClient(client, ttl), nil
}

// NewRegistryWithClient creates a registry from an existing Redis client.
func NewRegistryWithClient(client *redis.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{client: client, ttl: ttl}
}

func viewersKey(noteID string) string {
	return viewersPrefix + noteID
}

func activityKey(noteID string) string {
	return activityPrefix + noteID
}

// Join creates or refreshes the presence entry for (noteID, userID).
func (r *Registry) Join(ctx context.Context, noteID, userID string) error {
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, viewersKey(noteID), userID)
	pipe.Expire(ctx, viewersKey(noteID), r.ttl)
	pipe.HSet(ctx, activityKey(noteID), userID, time.Now().UnixMilli())
	pipe.Expire(ctx, activityKey(noteID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("join note %s: %w", noteID, err)
	}
	return nil
}

// Touch refreshes the last-activity timestamp without changing membership.
func (r *Registry) Touch(ctx context.Context, noteID, userID string) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, activityKey(noteID), userID, time.Now().UnixMilli())
	pipe.Expire(ctx, activityKey(noteID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch note %s: %w", noteID, err)
	}
	return nil
}

// Leave removes the presence entry. Removing an absent entry is a no-op.
func (r *Registry) Leave(ctx context.Context, noteID, userID string) error {
	pipe := r.client.Pipeline()
	pipe.SRem(ctx, viewersKey(noteID), userID)
	pipe.HDel(ctx, activityKey(noteID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("leave note %s: %w", noteID, err)
	}
	return nil
}

// Viewers returns a best-effort snapshot of the note's current viewers.
func (r *Registry) Viewers(ctx context.Context, noteID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, viewersKey(noteID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list viewers of note %s: %w", noteID, err)
	}
	return members, nil
}

func (r *Registry) IsViewing(ctx context.Context, noteID, userID string) (bool, error) {
	viewing, err := r.client.SIsMember(ctx, viewersKey(noteID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check viewer of note %s: %w", noteID, err)
	}
	return viewing, nil
}

func (r *Registry) Count(ctx context.Context, noteID string) (int, error) {
	size, err := r.client.SCard(ctx, viewersKey(noteID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count viewers of note %s: %w", noteID, err)
	}
	return int(size), nil
}

// LastActivity returns the recorded activity time, or the zero time when the
// user has no entry for the note.
func (r *Registry) LastActivity(ctx context.Context, noteID, userID string) (time.Time, error) {
	raw, err := r.client.HGet(ctx, activityKey(noteID), userID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read activity for note %s: %w", noteID, err)
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse activity for note %s: %w", noteID, err)
	}
	return time.UnixMilli(millis), nil
}

// Sweep removes every entry whose last activity is older than threshold and
// returns the evicted pairs. It re-reads each candidate's timestamp right
// before deleting so an entry touched mid-sweep is preserved.
func (r *Registry) Sweep(ctx context.Context, threshold time.Duration) ([]Eviction, error) {
	var evicted []Eviction
	cutoff := time.Now().Add(-threshold).UnixMilli()

	iter := r.client.Scan(ctx, 0, activityPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		noteID := strings.TrimPrefix(key, activityPrefix)

		entries, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return evicted, fmt.Errorf("scan activity for note %s: %w", noteID, err)
		}

		for userID, raw := range entries {
			millis, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || millis > cutoff {
				continue
			}
			// Concurrent touches race with the sweep; re-validate before
			// deleting to avoid evicting a just-active user.
			current, err := r.client.HGet(ctx, key, userID).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return evicted, fmt.Errorf("revalidate activity for note %s: %w", noteID, err)
			}
			if millis, err = strconv.ParseInt(current, 10, 64); err == nil && millis > cutoff {
				continue
			}
			if err := r.Leave(ctx, noteID, userID); err != nil {
				return evicted, err
			}
			evicted = append(evicted, Eviction{NoteID: noteID, UserID: userID})
		}
	}
	if err := iter.Err(); err != nil {
		return evicted, fmt.Errorf("scan presence keys: %w", err)
	}
	return evicted, nil
}

// Ping checks if Redis is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Registry) Close() error {
	return r.client.Close()
}
