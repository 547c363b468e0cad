// Package stream connects the pipeline to Redis: a distributed run lock and
// a stream publisher for freshly ingested records.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
)

const (
	DefaultStream  = "aqi:observations"
	DefaultLockKey = "aqi:ingest:lock"
)

// Config describes the Redis connection and keys.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	LockKey  string
	LockTTL  time.Duration
	// MaxLen caps the stream length (approximate trimming). Zero disables.
	MaxLen int64
}

// NewClient creates a Redis client and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// LockClient is the subset of *redis.Client used by Lock.
type LockClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Lock is a run lock shared by every process pointing at the same Redis.
// It expires after TTL so a crashed run cannot block ingestion forever.
type Lock struct {
	client LockClient
	key    string
	ttl    time.Duration
}

func NewLock(client LockClient, cfg Config) *Lock {
	key := cfg.LockKey
	if key == "" {
		key = DefaultLockKey
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Lock{client: client, key: key, ttl: ttl}
}

// Acquire takes the lock or returns airquality.ErrLocked if it is held.
func (l *Lock) Acquire(ctx context.Context) (func() error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire redis lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: redis key %s is held", airquality.ErrLocked, l.key)
	}

	release := func() error {
		// The run context may already be cancelled; release regardless.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}
	return release, nil
}

// Message is the JSON payload published per record.
type Message struct {
	RunID  string                       `json:"run_id"`
	Record airquality.ObservationRecord `json:"record"`
}

// Publisher appends each record of a batch to a Redis stream.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewPublisher(client *redis.Client, cfg Config) *Publisher {
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{client: client, stream: stream, maxLen: cfg.MaxLen}
}

// Publish sends the batch in a single pipeline.
func (p *Publisher) Publish(ctx context.Context, runID string, records []airquality.ObservationRecord) error {
	if len(records) == 0 {
		return nil
	}

	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range records {
			data, err := json.Marshal(Message{RunID: runID, Record: r})
			if err != nil {
				return fmt.Errorf("serialize %s: %w", r.City, err)
			}
			args := &redis.XAddArgs{
				Stream: p.stream,
				Values: map[string]interface{}{"data": string(data)},
			}
			if p.maxLen > 0 {
				args.MaxLen = p.maxLen
				args.Approx = true
			}
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish to redis stream %s: %w", p.stream, err)
	}

	log.Debug().Str("stream", p.stream).Int("records", len(records)).Msg("published batch")
	return nil
}
