package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/switchboard/internal/reliability"
)

// RedisKV implements KV on a redigo connection pool.
type RedisKV struct {
	pool *redis.Pool
}

// OpenRedis connects to the shared store, retrying with capped exponential
// backoff. Exhausting the attempts is an error; callers treat it as fatal
// rather than running without a store.
func OpenRedis(ctx context.Context, addr string, opts Options) (*RedisKV, error) {
	dialOpts := []redis.DialOption{
		redis.DialConnectTimeout(3 * time.Second),
		redis.DialReadTimeout(2 * time.Second),
		redis.DialWriteTimeout(2 * time.Second),
	}
	if opts.Password != "" {
		dialOpts = append(dialOpts, redis.DialPassword(opts.Password))
	}

	pool := &redis.Pool{
		MaxIdle:     8,
		MaxActive:   64,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr, dialOpts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	kv := &RedisKV{pool: pool}

	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, opts.BackoffBase, opts.BackoffCap)
			log.Warn().
				Str("addr", addr).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Err(lastErr).
				Msg("store unreachable, retrying")
			select {
			case <-ctx.Done():
				pool.Close()
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		if lastErr = kv.Ping(ctx); lastErr == nil {
			return kv, nil
		}
	}
	pool.Close()
	return nil, fmt.Errorf("store connect failed after %d attempts: %w", attempts, lastErr)
}

func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("store get %q: %w", key, err)
	}
	defer conn.Close()

	data, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store get %q: %w", key, err)
	}
	return data, true, nil
}

func (s *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("store set %q: %w", key, err)
	}
	defer conn.Close()

	if ttl > 0 {
		_, err = redis.DoContext(conn, ctx, "SET", key, value, "EX", ttlSeconds(ttl))
	} else {
		_, err = redis.DoContext(conn, ctx, "SET", key, value)
	}
	if err != nil {
		return fmt.Errorf("store set %q: %w", key, err)
	}
	return nil
}

// ttlSeconds converts a positive ttl to whole seconds for EX. Sub-second
// values round up to one; EX 0 is a Redis error.
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *RedisKV) Delete(ctx context.Context, key string) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("store delete %q: %w", key, err)
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "DEL", key); err != nil {
		return fmt.Errorf("store delete %q: %w", key, err)
	}
	return nil
}

func (s *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store keys %q: %w", prefix, err)
	}
	defer conn.Close()

	var keys []string
	cursor := int64(0)
	for {
		reply, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor, "MATCH", prefix+"*", "COUNT", 100))
		if err != nil {
			return nil, fmt.Errorf("store keys %q: %w", prefix, err)
		}
		cursor, err = redis.Int64(reply[0], nil)
		if err != nil {
			return nil, fmt.Errorf("store keys %q: %w", prefix, err)
		}
		batch, err := redis.Strings(reply[1], nil)
		if err != nil {
			return nil, fmt.Errorf("store keys %q: %w", prefix, err)
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *RedisKV) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

func (s *RedisKV) Close() error {
	return s.pool.Close()
}
