package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
)

func TestMessagePayload(t *testing.T) {
	rec := airquality.ObservationRecord{
		City:       "Perth",
		ObservedAt: airquality.At(time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)),
		AQI:        airquality.Float(42),
		Pollutants: map[airquality.Pollutant]float64{airquality.PM25: 42},
	}

	data, err := json.Marshal(Message{RunID: "run-1", Record: rec})
	require.NoError(t, err)

	var got struct {
		RunID  string         `json:"run_id"`
		Record map[string]any `json:"record"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "Perth", got.Record["city"])
	assert.Equal(t, "2024-05-01T06:00:00Z", got.Record["observed_at_utc"])
	assert.Equal(t, "Good", got.Record["aqi_category"])
	assert.Equal(t, "0-50", got.Record["aqi_range"])
	assert.Nil(t, got.Record["dominentpol"])
	assert.Equal(t, map[string]any{"pm25": 42.0}, got.Record["pollutants"])
}

func TestDefaults(t *testing.T) {
	l := NewLock(nil, Config{})
	assert.Equal(t, DefaultLockKey, l.key)
	assert.Equal(t, 10*time.Minute, l.ttl)

	p := NewPublisher(nil, Config{Stream: "custom"})
	assert.Equal(t, "custom", p.stream)
	assert.Equal(t, DefaultStream, NewPublisher(nil, Config{}).stream)
}

// memRedis answers SETNX and the release script from a map. EVALSHA always
// misses so the EVAL fallback runs.
type memRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMemRedis() *memRedis {
	return &memRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memRedis) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	m.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (m *memRedis) EvalSha(context.Context, string, []string, ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("NOSCRIPT No matching script. Please use EVAL."))
}

func (m *memRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[keys[0]] == fmt.Sprint(args[0]) {
		delete(m.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (m *memRedis) ScriptExists(context.Context, ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{false}, nil)
}

func (m *memRedis) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func TestLockContention(t *testing.T) {
	ctx := context.Background()
	mem := newMemRedis()
	lock := NewLock(mem, Config{LockTTL: time.Minute})

	release, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mem.ttls[DefaultLockKey])

	_, err = lock.Acquire(ctx)
	assert.ErrorIs(t, err, airquality.ErrLocked)

	require.NoError(t, release())
	assert.NotContains(t, mem.data, DefaultLockKey)

	_, err = lock.Acquire(ctx)
	assert.NoError(t, err)
}

func TestLockReleaseKeepsForeignOwner(t *testing.T) {
	ctx := context.Background()
	mem := newMemRedis()
	lock := NewLock(mem, Config{})

	release, err := lock.Acquire(ctx)
	require.NoError(t, err)

	// The TTL expired and another process took the key.
	mem.data[DefaultLockKey] = "someone-else"
	require.NoError(t, release())
	assert.Equal(t, "someone-else", mem.data[DefaultLockKey])
}

func TestLockSetNXError(t *testing.T) {
	lock := NewLock(&brokenRedis{memRedis: newMemRedis()}, Config{})
	_, err := lock.Acquire(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, airquality.ErrLocked)
}

type brokenRedis struct{ *memRedis }

func (b *brokenRedis) SetNX(context.Context, string, interface{}, time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(false, errors.New("connection refused"))
}

var errOffline = errors.New("offline")

// captureHook records pipelined commands and stops them before any network I/O.
type captureHook struct {
	cmds []redis.Cmder
}

func (h *captureHook) BeforeProcess(ctx context.Context, _ redis.Cmder) (context.Context, error) {
	return ctx, errOffline
}

func (h *captureHook) AfterProcess(context.Context, redis.Cmder) error { return nil }

func (h *captureHook) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	h.cmds = append(h.cmds, cmds...)
	return ctx, errOffline
}

func (h *captureHook) AfterProcessPipeline(context.Context, []redis.Cmder) error { return nil }

func offlineClient(t *testing.T) (*redis.Client, *captureHook) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { client.Close() })
	hook := &captureHook{}
	client.AddHook(hook)
	return client, hook
}

func TestPublishPipelinesOneXAddPerRecord(t *testing.T) {
	client, hook := offlineClient(t)
	pub := NewPublisher(client, Config{Stream: "aqi:test", MaxLen: 1000})

	recs := []airquality.ObservationRecord{
		{City: "Perth", AQI: airquality.Float(42)},
		{City: "Delhi", AQI: airquality.Float(180)},
	}
	err := pub.Publish(context.Background(), "run-1", recs)
	require.ErrorIs(t, err, errOffline)
	assert.Contains(t, err.Error(), "aqi:test")

	require.Len(t, hook.cmds, 2)
	for i, cmd := range hook.cmds {
		args := cmd.Args()
		require.Len(t, args, 8)
		assert.Equal(t, []interface{}{"xadd", "aqi:test", "maxlen", "~", int64(1000), "*", "data"}, args[:7])

		var msg struct {
			RunID  string         `json:"run_id"`
			Record map[string]any `json:"record"`
		}
		require.NoError(t, json.Unmarshal([]byte(args[7].(string)), &msg))
		assert.Equal(t, "run-1", msg.RunID)
		assert.Equal(t, recs[i].City, msg.Record["city"])
	}
}

func TestPublishWithoutMaxLen(t *testing.T) {
	client, hook := offlineClient(t)
	pub := NewPublisher(client, Config{})

	err := pub.Publish(context.Background(), "run-2", []airquality.ObservationRecord{{City: "Perth"}})
	require.ErrorIs(t, err, errOffline)
	require.Len(t, hook.cmds, 1)
	assert.Equal(t, []interface{}{"xadd", DefaultStream, "*", "data"}, hook.cmds[0].Args()[:4])
}

func TestPublishEmptyBatch(t *testing.T) {
	client, hook := offlineClient(t)
	require.NoError(t, NewPublisher(client, Config{}).Publish(context.Background(), "run-3", nil))
	assert.Empty(t, hook.cmds)
}
