package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper decides whether a callback key is seen for the first time.
type Deduper interface {
	FirstSeen(ctx context.Context, key string) bool
	// Forget releases a key whose processing failed so a redelivery
	// is not mistaken for a duplicate.
	Forget(ctx context.Context, key string)
}

type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewRedis(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, log: log}
}

// FirstSeen returns false only when the key already exists. When Redis is
// unavailable the event is let through.
func (d *Redis) FirstSeen(ctx context.Context, key string) bool {
	if key == "" {
		return true
	}
	ok, err := d.rdb.SetNX(ctx, "dedup:callback:"+key, 1, d.ttl).Result()
	if err != nil {
		d.log.Warn("dedup unavailable, processing event", zap.String("dedup_key", key), zap.Error(err))
		return true
	}
	return ok
}

func (d *Redis) Forget(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := d.rdb.Del(ctx, "dedup:callback:"+key).Err(); err != nil {
		d.log.Warn("dedup forget failed", zap.String("dedup_key", key), zap.Error(err))
	}
}

// Nop treats every event as new.
type Nop struct{}

func (Nop) FirstSeen(context.Context, string) bool { return true }

func (Nop) Forget(context.Context, string) {}
