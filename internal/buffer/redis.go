package buffer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanCount = 100

type RedisBuffer struct {
	client *redis.Client
	maxLen int64
}

func NewRedisBuffer(client *redis.Client, maxLen int64) *RedisBuffer {
	return &RedisBuffer{client: client, maxLen: maxLen}
}

// NewRedisClient connects and pings once so a bad address fails at startup.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (b *RedisBuffer) Init(ctx context.Context, key string, sessionID int64) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			Values: map[string]interface{}{FieldSessionID: strconv.FormatInt(sessionID, 10)},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("init stream %s: %w", key, err)
	}
	return nil
}

func (b *RedisBuffer) Append(ctx context.Context, key string, ts time.Time, values []float64) error {
	fields, err := sampleFields(ts, values)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{
			FieldTimestamp: fields[FieldTimestamp],
			FieldValues:    fields[FieldValues],
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

func (b *RedisBuffer) Drain(ctx context.Context, key string) ([]Entry, error) {
	msgs, err := b.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprint(v)
			}
		}
		entries = append(entries, Entry{ID: m.ID, Fields: fields})
	}
	return entries, nil
}

func (b *RedisBuffer) Streams(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	iter := b.client.Scan(ctx, 0, KeyPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		seen[iter.Val()] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan streams: %w", err)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *RedisBuffer) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := b.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

func (b *RedisBuffer) Remove(ctx context.Context, key string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XDel(ctx, key, ids...).Err(); err != nil {
		return fmt.Errorf("remove from %s: %w", key, err)
	}
	return nil
}

var _ Buffer = (*RedisBuffer)(nil)
