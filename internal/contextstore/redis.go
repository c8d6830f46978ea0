package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	proxy "github.com/eugener/palantir/internal"
)

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis stores one conversation record per credential as a JSON value with a
// server-side TTL; expiry is delegated to Redis, so SweepExpired is a no-op.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, ttl: ttl}, nil
}

type redisRecord struct {
	Turns   []proxy.Turn `json:"turns"`
	Created time.Time    `json:"created"`
}

func contextKey(credential string) string {
	return fmt.Sprintf("palantir:ctx:%s", credential)
}

// loadRecord fetches and decodes the record, refreshing the TTL on read so
// active conversations do not expire mid-dialogue. Returns nil when absent.
func (r *Redis) loadRecord(ctx context.Context, credential string) (*redisRecord, error) {
	raw, err := r.client.GetEx(ctx, contextKey(credential), r.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get context: %w", err)
	}
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode context record: %w", err)
	}
	return &rec, nil
}

// Load fetches the stored turns.
func (r *Redis) Load(ctx context.Context, credential string) ([]proxy.Turn, error) {
	rec, err := r.loadRecord(ctx, credential)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Turns, nil
}

// Save merges, truncates, and writes the record back with a fresh TTL.
func (r *Redis) Save(ctx context.Context, credential string, appended []proxy.Turn, tokenLimit int) error {
	rec, err := r.loadRecord(ctx, credential)
	if err != nil {
		return err
	}

	var existing []proxy.Turn
	created := time.Now()
	if rec != nil {
		existing = rec.Turns
		if !rec.Created.IsZero() {
			created = rec.Created
		}
	}
	merged, err := merge(existing, appended, tokenLimit)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(redisRecord{Turns: merged, Created: created})
	if err != nil {
		return fmt.Errorf("encode context record: %w", err)
	}
	if err := r.client.Set(ctx, contextKey(credential), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set context: %w", err)
	}
	return nil
}

// Delete removes the credential's record.
func (r *Redis) Delete(ctx context.Context, credential string) error {
	if err := r.client.Del(ctx, contextKey(credential)).Err(); err != nil {
		return fmt.Errorf("redis del context: %w", err)
	}
	return nil
}

// SweepExpired is a no-op: Redis expires records server-side via TTL.
func (r *Redis) SweepExpired(context.Context) (int, error) { return 0, nil }

// Close releases the client connection pool.
func (r *Redis) Close() error { return r.client.Close() }
