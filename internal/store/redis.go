package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/finshield-project/finshield/internal/core"
)

//go:embed lua/slide_window.lua
var slideWindowScript string

//go:embed lua/touch.lua
var touchScript string

//go:embed lua/record_endpoint.lua
var recordEndpointScript string

// Redis is the shared AdmissionStore. Sliding windows and endpoint stats run
// as Lua scripts so trim, count and append happen in one atomic step across
// every process using the same Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string

	slide  *redis.Script
	touch  *redis.Script
	record *redis.Script
}

// NewRedis connects to the configured Redis and verifies it answers PING.
func NewRedis(ctx context.Context, cfg core.RedisConfig) (*Redis, error) {
	client := newClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg.KeyPrefix), nil
}

func newClient(cfg core.RedisConfig) *redis.Client {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		MaxRetries:      2,
		MinIdleConns:    2,
		DialTimeout:     2 * time.Second,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	})
}

// NewRedisWithClient wraps an existing client. prefix namespaces every key.
func NewRedisWithClient(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		slide:  redis.NewScript(slideWindowScript),
		touch:  redis.NewScript(touchScript),
		record: redis.NewScript(recordEndpointScript),
	}
}

func (r *Redis) windowKey(key string) string { return r.prefix + "win:" + key }
func (r *Redis) activityKey(id string) string { return r.prefix + "act:" + id }
func (r *Redis) blockKey(key string) string { return r.prefix + "block:" + key }
func (r *Redis) blockIndexKey() string { return r.prefix + "blocks" }
func (r *Redis) statsKey(route string) string { return r.prefix + "stats:" + route }
func (r *Redis) identKey(route string) string { return r.prefix + "stats-ids:" + route }
func (r *Redis) routeIndexKey() string { return r.prefix + "routes" }

func millis(t time.Time) int64 { return t.UnixMilli() }

func (r *Redis) SlideWindow(ctx context.Context, key string, limit int, window, recent time.Duration, now time.Time) (core.WindowResult, error) {
	res, err := r.slide.Run(ctx, r.client,
		[]string{r.windowKey(key)},
		millis(now),
		window.Milliseconds(),
		limit,
		uuid.NewString(),
		recent.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return core.WindowResult{}, fmt.Errorf("sliding window %s: %w", key, err)
	}
	if len(res) != 4 {
		return core.WindowResult{}, fmt.Errorf("unexpected response from sliding window script: %v", res)
	}

	out := core.WindowResult{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		Recent:  int(res[3]),
	}
	if res[2] >= 0 {
		out.Oldest = time.UnixMilli(res[2])
	}
	return out, nil
}

func (r *Redis) Touch(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	n, err := r.touch.Run(ctx, r.client,
		[]string{r.windowKey(key)},
		millis(now),
		window.Milliseconds(),
		uuid.NewString(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("touch %s: %w", key, err)
	}
	return n, nil
}

// Activity members are prefixed with a uuid so identical records made in the
// same millisecond stay distinct in the sorted set.
func (r *Redis) AppendActivity(ctx context.Context, identifier string, rec core.ActivityRecord, retention time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling activity: %w", err)
	}
	key := r.activityKey(identifier)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(millis(rec.Timestamp)),
			Member: uuid.NewString() + "|" + string(data),
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(millis(rec.Timestamp.Add(-retention)), 10))
		pipe.PExpire(ctx, key, retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending activity for %s: %w", identifier, err)
	}
	return nil
}

func (r *Redis) Activity(ctx context.Context, identifier string, since time.Time) ([]core.ActivityRecord, error) {
	members, err := r.client.ZRangeByScore(ctx, r.activityKey(identifier), &redis.ZRangeBy{
		Min: strconv.FormatInt(millis(since), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading activity for %s: %w", identifier, err)
	}

	out := make([]core.ActivityRecord, 0, len(members))
	for _, m := range members {
		_, data, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		var rec core.ActivityRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decoding activity for %s: %w", identifier, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) Block(ctx context.Context, entry core.BlockEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling block entry: %w", err)
	}
	// The TTL follows the caller's clock, not this host's.
	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		from := entry.CreatedAt
		if from.IsZero() {
			from = time.Now()
		}
		if ttl = entry.ExpiresAt.Sub(from); ttl <= 0 {
			return nil
		}
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.blockKey(entry.Key), data, ttl)
		pipe.SAdd(ctx, r.blockIndexKey(), entry.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing block %s: %w", entry.Key, err)
	}
	return nil
}

func (r *Redis) Blocked(ctx context.Context, key string, now time.Time) (*core.BlockEntry, error) {
	data, err := r.client.Get(ctx, r.blockKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading block %s: %w", key, err)
	}
	var entry core.BlockEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding block %s: %w", key, err)
	}
	if !entry.Live(now) {
		return nil, nil
	}
	return &entry, nil
}

func (r *Redis) Unblock(ctx context.Context, key string) (bool, error) {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.blockKey(key))
		pipe.SRem(ctx, r.blockIndexKey(), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("removing block %s: %w", key, err)
	}
	return del.Val() > 0, nil
}

// Blocks lists live entries. Index members whose entry expired are pruned.
func (r *Redis) Blocks(ctx context.Context, now time.Time) ([]core.BlockEntry, error) {
	keys, err := r.client.SMembers(ctx, r.blockIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.blockKey(k)
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading blocks: %w", err)
	}

	var stale []any
	out := make([]core.BlockEntry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		var entry core.BlockEntry
		if err := json.Unmarshal([]byte(s), &entry); err != nil || !entry.Live(now) {
			stale = append(stale, keys[i])
			continue
		}
		out = append(out, entry)
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, r.blockIndexKey(), stale...).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Redis) RecordEndpoint(ctx context.Context, sample core.PerformanceSample, window time.Duration) (core.EndpointStats, error) {
	isErr := 0
	if sample.Status >= 400 {
		isErr = 1
	}
	res, err := r.record.Run(ctx, r.client,
		[]string{r.statsKey(sample.Route), r.identKey(sample.Route), r.routeIndexKey()},
		millis(sample.At),
		window.Milliseconds(),
		sample.Latency.Microseconds(),
		isErr,
		sample.Identity,
		sample.Route,
	).Int64Slice()
	if err != nil {
		return core.EndpointStats{}, fmt.Errorf("recording endpoint %s: %w", sample.Route, err)
	}
	if len(res) != 5 {
		return core.EndpointStats{}, fmt.Errorf("unexpected response from endpoint script: %v", res)
	}
	return core.EndpointStats{
		Route:                sample.Route,
		RequestCount:         res[0],
		ErrorCount:           res[1],
		TotalLatency:         time.Duration(res[2]) * time.Microsecond,
		ConcurrentIdentities: res[3],
		WindowStart:          time.UnixMilli(res[4]),
		LastRequestAt:        time.UnixMilli(millis(sample.At)),
	}, nil
}

func (r *Redis) EndpointStats(ctx context.Context) ([]core.EndpointStats, error) {
	routes, err := r.client.SMembers(ctx, r.routeIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing endpoints: %w", err)
	}
	sort.Strings(routes)

	pipe := r.client.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(routes))
	cards := make([]*redis.IntCmd, len(routes))
	for i, route := range routes {
		hashes[i] = pipe.HGetAll(ctx, r.statsKey(route))
		cards[i] = pipe.SCard(ctx, r.identKey(route))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading endpoint stats: %w", err)
	}

	out := make([]core.EndpointStats, 0, len(routes))
	for i, route := range routes {
		h := hashes[i].Val()
		if len(h) == 0 {
			continue
		}
		out = append(out, core.EndpointStats{
			Route:                route,
			RequestCount:         parseInt(h["request_count"]),
			ErrorCount:           parseInt(h["error_count"]),
			TotalLatency:         time.Duration(parseInt(h["total_latency"])) * time.Microsecond,
			ConcurrentIdentities: cards[i].Val(),
			WindowStart:          time.UnixMilli(parseInt(h["window_start"])),
			LastRequestAt:        time.UnixMilli(parseInt(h["last_request_at"])),
		})
	}
	return out, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
