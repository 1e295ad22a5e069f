package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Directory is the set of identities that are online somewhere. Add and
// Remove are counted, so an identity connected twice stays listed until both
// connections are gone.
type Directory interface {
	Add(ctx context.Context, identity string) error
	Remove(ctx context.Context, identity string) error
	List(ctx context.Context) ([]string, error)
	Online(ctx context.Context, identity string) (bool, error)
}

type MemoryDirectory struct {
	mu    sync.Mutex
	count map[string]int
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{count: make(map[string]int)}
}

func (d *MemoryDirectory) Add(_ context.Context, identity string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count[identity]++
	return nil
}

func (d *MemoryDirectory) Remove(_ context.Context, identity string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count[identity] <= 1 {
		delete(d.count, identity)
		return nil
	}
	d.count[identity]--
	return nil
}

func (d *MemoryDirectory) List(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.count))
	for id := range d.count {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (d *MemoryDirectory) Online(_ context.Context, identity string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count[identity] > 0, nil
}

// RedisDirectory shares the online set between relay processes. Each
// identity maps to the number of live announcements in a single hash.
type RedisDirectory struct {
	rdb *redis.Client
	key string
}

const DefaultRedisKey = "presence:users"

func NewRedisDirectory(rdb *redis.Client, key string) *RedisDirectory {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisDirectory{rdb: rdb, key: key}
}

func (d *RedisDirectory) Add(ctx context.Context, identity string) error {
	if err := d.rdb.HIncrBy(ctx, d.key, identity, 1).Err(); err != nil {
		return fmt.Errorf("presence add %s: %w", identity, err)
	}
	return nil
}

func (d *RedisDirectory) Remove(ctx context.Context, identity string) error {
	n, err := d.rdb.HIncrBy(ctx, d.key, identity, -1).Result()
	if err != nil {
		return fmt.Errorf("presence remove %s: %w", identity, err)
	}
	if n <= 0 {
		if err := d.rdb.HDel(ctx, d.key, identity).Err(); err != nil {
			return fmt.Errorf("presence remove %s: %w", identity, err)
		}
	}
	return nil
}

func (d *RedisDirectory) List(ctx context.Context) ([]string, error) {
	all, err := d.rdb.HGetAll(ctx, d.key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	out := make([]string, 0, len(all))
	for id, raw := range all {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *RedisDirectory) Online(ctx context.Context, identity string) (bool, error) {
	n, err := d.rdb.HGet(ctx, d.key, identity).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence lookup %s: %w", identity, err)
	}
	return n > 0, nil
}
