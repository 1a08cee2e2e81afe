// ABOUTME: Redis-backed presence tracker for a shared key-value store
// ABOUTME: One hash per conversation (operator -> connection count) plus a set per operator

package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCommands is the subset of redis.Cmdable the tracker uses
type redisCommands interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a Tracker stored in Redis. Keys expire after ttl without activity
// so presence left behind by a crashed process eventually disappears.
type Redis struct {
	client redisCommands
	prefix string
	ttl    time.Duration
}

// NewRedisFromURL connects to redis:// or rediss:// and verifies the connection.
func NewRedisFromURL(ctx context.Context, url, prefix string, ttl time.Duration) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedis(client, prefix, ttl), client, nil
}

// NewRedis wraps an existing client
func NewRedis(client redisCommands, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "switchboard:presence"
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) roomKey(conversationID string) string {
	return r.prefix + ":conv:" + conversationID
}

func (r *Redis) operatorKey(operatorID string) string {
	return r.prefix + ":op:" + operatorID
}

func (r *Redis) Join(ctx context.Context, conversationID, operatorID string) error {
	room := r.roomKey(conversationID)
	if err := r.client.HIncrBy(ctx, room, operatorID, 1).Err(); err != nil {
		return fmt.Errorf("presence join: %w", err)
	}
	if err := r.client.Expire(ctx, room, r.ttl).Err(); err != nil {
		return fmt.Errorf("presence ttl: %w", err)
	}
	opKey := r.operatorKey(operatorID)
	if err := r.client.SAdd(ctx, opKey, conversationID).Err(); err != nil {
		return fmt.Errorf("presence index: %w", err)
	}
	return r.client.Expire(ctx, opKey, r.ttl).Err()
}

func (r *Redis) Leave(ctx context.Context, conversationID, operatorID string) error {
	room := r.roomKey(conversationID)
	n, err := r.client.HIncrBy(ctx, room, operatorID, -1).Result()
	if err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := r.client.HDel(ctx, room, operatorID).Err(); err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	return r.client.SRem(ctx, r.operatorKey(operatorID), conversationID).Err()
}

func (r *Redis) LeaveAll(ctx context.Context, operatorID string) error {
	opKey := r.operatorKey(operatorID)
	convs, err := r.client.SMembers(ctx, opKey).Result()
	if err != nil {
		return fmt.Errorf("presence list: %w", err)
	}
	for _, conv := range convs {
		if err := r.client.HDel(ctx, r.roomKey(conv), operatorID).Err(); err != nil {
			return fmt.Errorf("presence leave: %w", err)
		}
	}
	return r.client.Del(ctx, opKey).Err()
}

func (r *Redis) IsPresent(ctx context.Context, conversationID, operatorID string) (bool, error) {
	v, err := r.client.HGet(ctx, r.roomKey(conversationID), operatorID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return false, fmt.Errorf("presence count %q: %w", v, err)
	}
	return n > 0, nil
}

func (r *Redis) Present(ctx context.Context, conversationID string) ([]string, error) {
	all, err := r.client.HGetAll(ctx, r.roomKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	ops := make([]string, 0, len(all))
	for op, v := range all {
		if n, _ := strconv.Atoi(v); n > 0 {
			ops = append(ops, op)
		}
	}
	slices.Sort(ops)
	return ops, nil
}
