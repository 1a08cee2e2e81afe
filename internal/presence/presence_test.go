// ABOUTME: Tests for presence trackers (memory and Redis through an in-memory fake client)
// ABOUTME: Both backends must satisfy the same reference-counting contract

package presence

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the hash and set commands the tracker uses
type fakeRedis struct {
	mu     sync.Mutex
	hashes map[string]map[string]int64
	sets   map[string]map[string]bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: map[string]map[string]int64{}, sets: map[string]map[string]bool{}}
}

func (f *fakeRedis) HIncrBy(_ context.Context, key, field string, incr int64) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = map[string]int64{}
	}
	f.hashes[key][field] += incr
	return redis.NewIntResult(f.hashes[key][field], nil)
}

func (f *fakeRedis) HDel(_ context.Context, key string, fields ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, field := range fields {
		if _, ok := f.hashes[key][field]; ok {
			delete(f.hashes[key], field)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) HGet(_ context.Context, key, field string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hashes[key][field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(strconv.FormatInt(v, 10), nil)
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for k, v := range f.hashes[key] {
		out[k] = strconv.FormatInt(v, 10)
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (f *fakeRedis) Expire(context.Context, string, time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) SAdd(_ context.Context, key string, members ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = map[string]bool{}
	}
	for _, m := range members {
		f.sets[key][m.(string)] = true
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) SRem(_ context.Context, key string, members ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], m.(string))
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) SMembers(_ context.Context, key string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.sets, k)
		delete(f.hashes, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func trackers() map[string]func() Tracker {
	return map[string]func() Tracker{
		"memory": func() Tracker { return NewMemory() },
		"redis":  func() Tracker { return NewRedis(newFakeRedis(), "", 0) },
	}
}

func TestTracker_JoinLeave(t *testing.T) {
	for name, mk := range trackers() {
		t.Run(name, func(t *testing.T) {
			tr := mk()
			ctx := context.Background()

			present, err := tr.IsPresent(ctx, "c1", "alice")
			require.NoError(t, err)
			assert.False(t, present)

			require.NoError(t, tr.Join(ctx, "c1", "alice"))
			require.NoError(t, tr.Join(ctx, "c1", "bob"))

			present, err = tr.IsPresent(ctx, "c1", "alice")
			require.NoError(t, err)
			assert.True(t, present)

			ops, err := tr.Present(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, []string{"alice", "bob"}, ops)

			present, err = tr.IsPresent(ctx, "c2", "alice")
			require.NoError(t, err)
			assert.False(t, present, "presence is per conversation")

			require.NoError(t, tr.Leave(ctx, "c1", "alice"))
			present, err = tr.IsPresent(ctx, "c1", "alice")
			require.NoError(t, err)
			assert.False(t, present)
		})
	}
}

func TestTracker_TwoConnectionsKeepPresence(t *testing.T) {
	for name, mk := range trackers() {
		t.Run(name, func(t *testing.T) {
			tr := mk()
			ctx := context.Background()

			require.NoError(t, tr.Join(ctx, "c1", "alice"))
			require.NoError(t, tr.Join(ctx, "c1", "alice"))
			require.NoError(t, tr.Leave(ctx, "c1", "alice"))

			present, err := tr.IsPresent(ctx, "c1", "alice")
			require.NoError(t, err)
			assert.True(t, present, "second tab still open")

			require.NoError(t, tr.Leave(ctx, "c1", "alice"))
			present, err = tr.IsPresent(ctx, "c1", "alice")
			require.NoError(t, err)
			assert.False(t, present)
		})
	}
}

func TestTracker_LeaveAll(t *testing.T) {
	for name, mk := range trackers() {
		t.Run(name, func(t *testing.T) {
			tr := mk()
			ctx := context.Background()

			require.NoError(t, tr.Join(ctx, "c1", "alice"))
			require.NoError(t, tr.Join(ctx, "c2", "alice"))
			require.NoError(t, tr.Join(ctx, "c2", "bob"))
			require.NoError(t, tr.LeaveAll(ctx, "alice"))

			for _, conv := range []string{"c1", "c2"} {
				present, err := tr.IsPresent(ctx, conv, "alice")
				require.NoError(t, err)
				assert.False(t, present)
			}
			present, err := tr.IsPresent(ctx, "c2", "bob")
			require.NoError(t, err)
			assert.True(t, present)
		})
	}
}

func TestMemory_LeaveUnknownIsNoop(t *testing.T) {
	tr := NewMemory()
	require.NoError(t, tr.Leave(context.Background(), "nope", "alice"))
	assert.Empty(t, tr.rooms)
}
