package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/logharvest/internal/core/domain"
)

// Client wraps Redis operations for the harvest queue.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL           string        `yaml:"url"`
	Password      string        `yaml:"password"`
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"` // How long progress survives a dead worker (default: 24h)
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func queueKey(name string) string {
	return fmt.Sprintf("harvest_ranges:%s", name)
}

func lockKey(name string, r domain.BlockRange) string {
	return fmt.Sprintf("harvesting:%s:%s", name, r)
}

func checkpointKey(name string, r domain.BlockRange) string {
	return fmt.Sprintf("harvested:%s:%s", name, r)
}

// releaseScript deletes a lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RangeQueue is a sorted set of pending ranges for one harvest target,
// ordered by start block. Locks carry a per-queue token so a worker only
// releases locks it holds.
type RangeQueue struct {
	rdb           *redis.Client
	name          string
	token         string
	checkpointTTL time.Duration
}

// Queue returns the range queue called name.
func (c *Client) Queue(name string, checkpointTTL time.Duration) *RangeQueue {
	if checkpointTTL <= 0 {
		checkpointTTL = 24 * time.Hour
	}
	return &RangeQueue{
		rdb:           c.rdb,
		name:          name,
		token:         uuid.NewString(),
		checkpointTTL: checkpointTTL,
	}
}

// Name returns the queue name.
func (q *RangeQueue) Name() string {
	return q.name
}

// PopRange pops the next range from the queue (lowest score = smallest block).
func (q *RangeQueue) PopRange(ctx context.Context) (domain.BlockRange, bool, error) {
	results, err := q.rdb.ZPopMin(ctx, queueKey(q.name), 1).Result()
	if err != nil {
		return domain.BlockRange{}, false, fmt.Errorf("zpopmin failed: %w", err)
	}
	if len(results) == 0 {
		return domain.BlockRange{}, false, nil
	}

	member, ok := results[0].Member.(string)
	if !ok {
		return domain.BlockRange{}, false, fmt.Errorf("unexpected member type %T", results[0].Member)
	}
	r, err := domain.ParseRange(member)
	if err != nil {
		return domain.BlockRange{}, false, fmt.Errorf("invalid range format: %w", err)
	}
	return r, true, nil
}

// PushRange adds a range to the queue.
func (q *RangeQueue) PushRange(ctx context.Context, r domain.BlockRange) error {
	if r.Start > r.End {
		return domain.ErrInvalidRange
	}
	z := redis.Z{Score: float64(r.Start), Member: r.String()}
	if err := q.rdb.ZAdd(ctx, queueKey(q.name), z).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// Ranges returns all ranges in the queue.
func (q *RangeQueue) Ranges(ctx context.Context) ([]domain.BlockRange, error) {
	members, err := q.rdb.ZRange(ctx, queueKey(q.name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	return domain.RangesFromStrings(members)
}

// ReplaceRanges atomically swaps the queue contents.
func (q *RangeQueue) ReplaceRanges(ctx context.Context, ranges []domain.BlockRange) error {
	key := queueKey(q.name)
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(ranges) == 0 {
			return nil
		}
		zs := make([]redis.Z, len(ranges))
		for i, r := range ranges {
			zs[i] = redis.Z{Score: float64(r.Start), Member: r.String()}
		}
		pipe.ZAdd(ctx, key, zs...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace ranges: %w", err)
	}
	return nil
}

// Len returns the number of queued ranges.
func (q *RangeQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, queueKey(q.name)).Result()
}

// Clear removes all ranges from the queue.
func (q *RangeQueue) Clear(ctx context.Context) error {
	return q.rdb.Del(ctx, queueKey(q.name)).Err()
}

// AcquireLock attempts to acquire a processing lock for a range.
func (q *RangeQueue) AcquireLock(ctx context.Context, r domain.BlockRange, ttl time.Duration) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, lockKey(q.name, r), q.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// RefreshLock extends the TTL of a lock.
func (q *RangeQueue) RefreshLock(ctx context.Context, r domain.BlockRange, ttl time.Duration) error {
	return q.rdb.Expire(ctx, lockKey(q.name, r), ttl).Err()
}

// ReleaseLock releases a processing lock held by this queue.
func (q *RangeQueue) ReleaseLock(ctx context.Context, r domain.BlockRange) error {
	return releaseScript.Run(ctx, q.rdb, []string{lockKey(q.name, r)}, q.token).Err()
}

// SaveCheckpoint records the next block to harvest in r.
func (q *RangeQueue) SaveCheckpoint(ctx context.Context, r domain.BlockRange, next uint64) error {
	return q.rdb.Set(ctx, checkpointKey(q.name, r), strconv.FormatUint(next, 10), q.checkpointTTL).Err()
}

// LoadCheckpoint returns the next block to harvest in r, if recorded.
func (q *RangeQueue) LoadCheckpoint(ctx context.Context, r domain.BlockRange) (uint64, bool, error) {
	val, err := q.rdb.Get(ctx, checkpointKey(q.name, r)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get failed: %w", err)
	}
	next, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid checkpoint %q: %w", val, err)
	}
	return next, true, nil
}

// ClearCheckpoint removes progress tracking for a range.
func (q *RangeQueue) ClearCheckpoint(ctx context.Context, r domain.BlockRange) error {
	return q.rdb.Del(ctx, checkpointKey(q.name, r)).Err()
}
