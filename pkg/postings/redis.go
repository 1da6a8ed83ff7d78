package postings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

// RedisDirectory is a shared cache for multi-instance deployments, so a
// posting invalidation on one engine instance is seen by all of them.
type RedisDirectory struct {
	src    Source
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis creates a Redis-backed directory.
func NewRedis(src Source, client *redis.Client, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisDirectory{src: src, client: client, ttl: ttl, prefix: "postings:"}
}

// HasRole implements Directory.
func (r *RedisDirectory) HasRole(ctx context.Context, officerID, authorityID, role string) (bool, error) {
	postings, err := r.load(ctx, officerID)
	if err != nil {
		return false, err
	}
	return holdsRole(postings, authorityID, role), nil
}

// Invalidate implements Directory.
func (r *RedisDirectory) Invalidate(ctx context.Context, officerID string) error {
	if err := r.client.Del(ctx, r.prefix+officerID).Err(); err != nil {
		return fmt.Errorf("postings: invalidate %s: %w", officerID, err)
	}
	return nil
}

func (r *RedisDirectory) load(ctx context.Context, officerID string) ([]contracts.OfficerPosting, error) {
	key := r.prefix + officerID
	cached, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var postings []contracts.OfficerPosting
		if err := json.Unmarshal(cached, &postings); err == nil {
			return postings, nil
		}
		// Corrupt cache entry: fall through and refresh.
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("postings: cache read %s: %w", officerID, err)
	}

	postings, err := r.src.Postings(ctx, officerID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(postings)
	if err != nil {
		return nil, fmt.Errorf("postings: cache encode %s: %w", officerID, err)
	}
	if err := r.client.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		return nil, fmt.Errorf("postings: cache write %s: %w", officerID, err)
	}
	return postings, nil
}
