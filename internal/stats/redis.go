package stats

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultPrefix = "unsub:stats"
	writeTimeout  = 2 * time.Second
)

// RedisRecorder mirrors the counters into Redis hashes so several workers
// can share them:
//
//	<prefix>                 total, success, failure, error:<kind>, method:<name>, duration_ms
//	<prefix>:domain:<domain> attempts, success
//
// Write failures are logged and dropped; statistics never fail an attempt.
type RedisRecorder struct {
	client redis.Cmdable
	prefix string
	logger zerolog.Logger
}

func NewRedisRecorder(client redis.Cmdable, prefix string, logger zerolog.Logger) *RedisRecorder {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisRecorder{client: client, prefix: prefix, logger: logger}
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	opt.DialTimeout = 3 * time.Second
	opt.ReadTimeout = writeTimeout
	opt.WriteTimeout = writeTimeout
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (r *RedisRecorder) domainKey(u string) string {
	return r.prefix + ":domain:" + Domain(u)
}

func (r *RedisRecorder) RecordAttempt(ctx context.Context, a LinkAttempt) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	key := r.domainKey(a.URL)
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, key, "attempts", 1)
	if a.Success {
		pipe.HIncrBy(ctx, key, "success", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("redis stats write failed")
	}
}

func (r *RedisRecorder) RecordResult(ctx context.Context, o Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, r.prefix, "total", 1)
	if o.Success {
		pipe.HIncrBy(ctx, r.prefix, "success", 1)
		pipe.HIncrBy(ctx, r.prefix, "method:"+o.Method, 1)
	} else {
		pipe.HIncrBy(ctx, r.prefix, "failure", 1)
		pipe.HIncrBy(ctx, r.prefix, "error:"+string(o.ErrorType), 1)
	}
	pipe.HIncrBy(ctx, r.prefix, "duration_ms", o.Duration.Milliseconds())
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn().Err(err).Str("key", r.prefix).Msg("redis stats write failed")
	}
}
