package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKey          = "gateway:client_logs"
	defaultOpTimeout  = 500 * time.Millisecond
	defaultRedisLimit = 10_000
)

// RedisSink appends entries to a capped Redis list (LPUSH + LTRIM), newest
// first. Redis errors are logged at WARN and swallowed so the gateway's
// request path never depends on the sink being reachable.
type RedisSink struct {
	client *redis.Client
	limit  int64
}

// NewRedisSinkFromClient wraps an existing Redis client. The caller owns the
// client lifecycle. A non-positive limit defaults to 10 000 entries.
func NewRedisSinkFromClient(cli *redis.Client, limit int) *RedisSink {
	if limit <= 0 {
		limit = defaultRedisLimit
	}
	return &RedisSink{client: cli, limit: int64(limit)}
}

// NewRedisSinkFromURL parses redisURL, verifies connectivity with a PING and
// returns a RedisSink that owns the connection.
func NewRedisSinkFromURL(ctx context.Context, redisURL string, limit int) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("logsink: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("logsink: ping: %w", err)
	}

	return NewRedisSinkFromClient(cli, limit), nil
}

// Append pushes e onto the list head and trims to the configured limit.
// Always returns nil — the sink degrades silently when Redis is down.
func (s *RedisSink) Append(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, redisKey, data)
	pipe.LTrim(ctx, redisKey, 0, s.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "logsink_append_error", slog.String("error", err.Error()))
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	if n <= 0 {
		n = int(s.limit)
	}
	raw, err := s.client.LRange(ctx, redisKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("logsink: lrange: %w", err)
	}

	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the Redis connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
