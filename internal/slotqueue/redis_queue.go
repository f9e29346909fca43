package slotqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// RedisQueue is the production queue backend. Each provider gets its own
// pair of keys: the order lives in a sorted set scored by enqueue time and
// entry metadata lives in a companion hash. Pop runs as a Lua script so
// concurrent dispatchers never hand the same voice to two workers.
type RedisQueue struct {
	client    redis.UniversalClient
	keyPrefix string
	pop       *redis.Script
}

// popScript removes and returns up to ARGV[1] head members with their
// metadata. KEYS[1] is the sorted set, KEYS[2] the metadata hash.
var popScript = redis.NewScript(`
	local members = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
	if #members == 0 then
		return {}
	end
	local out = {}
	for i, m in ipairs(members) do
		out[2*i - 1] = m
		out[2*i] = redis.call('HGET', KEYS[2], m) or ''
		redis.call('ZREM', KEYS[1], m)
		redis.call('HDEL', KEYS[2], m)
	end
	return out
`)

// NewRedisQueue creates a Redis-backed slot queue. The client can be a
// *redis.Client, *redis.ClusterClient, or *redis.Ring.
func NewRedisQueue(client redis.UniversalClient, keyPrefix string) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = "storyvoice:"
	}
	return &RedisQueue{
		client:    client,
		keyPrefix: keyPrefix,
		pop:       popScript,
	}, nil
}

func (q *RedisQueue) zkey(provider string) string {
	return q.keyPrefix + "slotqueue:" + provider + ":order"
}

func (q *RedisQueue) hkey(provider string) string {
	return q.keyPrefix + "slotqueue:" + provider + ":entries"
}

type redisEntry struct {
	UserID     string `json:"userId"`
	EnqueuedAt int64  `json:"enqueuedAt"` // unix millis
}

func (q *RedisQueue) Enqueue(ctx context.Context, e Entry) (bool, error) {
	score := float64(e.EnqueuedAt.UnixMilli())
	added, err := q.client.ZAddNX(ctx, q.zkey(e.Provider), redis.Z{
		Score:  score,
		Member: e.VoiceID,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue voice: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	meta, _ := json.Marshal(redisEntry{UserID: e.UserID, EnqueuedAt: e.EnqueuedAt.UnixMilli()})
	if err := q.client.HSet(ctx, q.hkey(e.Provider), e.VoiceID, meta).Err(); err != nil {
		return false, fmt.Errorf("store queue entry: %w", err)
	}
	return true, nil
}

func (q *RedisQueue) Peek(ctx context.Context, provider string) (*Entry, error) {
	zs, err := q.client.ZRangeWithScores(ctx, q.zkey(provider), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("peek queue: %w", err)
	}
	if len(zs) == 0 {
		return nil, ErrEmpty
	}
	voiceID, _ := zs[0].Member.(string)
	e := q.decode(ctx, provider, voiceID, int64(zs[0].Score))
	return &e, nil
}

func (q *RedisQueue) PopReady(ctx context.Context, provider string, max int) ([]Entry, error) {
	if max <= 0 {
		return nil, nil
	}
	raw, err := q.pop.Run(ctx, q.client, []string{q.zkey(provider), q.hkey(provider)}, max).Slice()
	if err != nil {
		return nil, fmt.Errorf("pop queue: %w", err)
	}

	var entries []Entry
	for i := 0; i+1 < len(raw); i += 2 {
		voiceID, _ := raw[i].(string)
		meta, _ := raw[i+1].(string)
		e := Entry{VoiceID: voiceID, Provider: provider}
		var re redisEntry
		if meta != "" && json.Unmarshal([]byte(meta), &re) == nil {
			e.UserID = re.UserID
			e.EnqueuedAt = time.UnixMilli(re.EnqueuedAt)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (q *RedisQueue) Remove(ctx context.Context, provider, voiceID string) error {
	removed, err := q.client.ZRem(ctx, q.zkey(provider), voiceID).Result()
	if err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	_ = q.client.HDel(ctx, q.hkey(provider), voiceID).Err()
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context, provider string) (int, error) {
	n, err := q.client.ZCard(ctx, q.zkey(provider)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Position(ctx context.Context, provider, voiceID string) (int, error) {
	rank, err := q.client.ZRank(ctx, q.zkey(provider), voiceID).Result()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return int(rank) + 1, nil
}

func (q *RedisQueue) Snapshot(ctx context.Context, provider string) ([]Entry, error) {
	zs, err := q.client.ZRangeWithScores(ctx, q.zkey(provider), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot queue: %w", err)
	}
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		voiceID, _ := z.Member.(string)
		entries = append(entries, q.decode(ctx, provider, voiceID, int64(z.Score)))
	}
	return entries, nil
}

// decode fills an Entry from the metadata hash, falling back to the sorted
// set score when the hash entry is missing.
func (q *RedisQueue) decode(ctx context.Context, provider, voiceID string, score int64) Entry {
	e := Entry{VoiceID: voiceID, Provider: provider, EnqueuedAt: time.UnixMilli(score)}
	meta, err := q.client.HGet(ctx, q.hkey(provider), voiceID).Result()
	if err != nil {
		return e
	}
	var re redisEntry
	if json.Unmarshal([]byte(meta), &re) == nil {
		e.UserID = re.UserID
		if re.EnqueuedAt != 0 {
			e.EnqueuedAt = time.UnixMilli(re.EnqueuedAt)
		}
	}
	return e
}
