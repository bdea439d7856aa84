// Package status publishes the progress and final report of background
// import tasks to Redis, where a web front end can poll them.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// KeyPrefix prefixes every task hash.
const KeyPrefix = "geoimport:task:"

// DefaultTTL is how long a task status is kept after its last update.
const DefaultTTL = 24 * time.Hour

// ErrUnknownTask is returned by Get for tasks without a status.
var ErrUnknownTask = errors.New("unknown task")

// Task is the stored status of one import task.
type Task struct {
	ID      string
	State   core.State
	Model   string
	Source  string
	Line    int
	Total   int
	Percent int
	Report  string // Text rendering, set by Finish
	JSON    string // JSON rendering, set by Finish
	HTML    string // HTML rendering, set by Finish
	Error   string
	Updated time.Time
}

// RedisStore writes task statuses as Redis hashes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps a client. A zero ttl uses DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, ttl), nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func key(taskID string) string {
	return KeyPrefix + taskID
}

func (s *RedisStore) write(ctx context.Context, taskID string, values map[string]any) error {
	values["updated"] = time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key(taskID), values)
	pipe.Expire(ctx, key(taskID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write status of task %s: %w", taskID, err)
	}
	return nil
}

// Progress records the current stage of a task.
func (s *RedisStore) Progress(ctx context.Context, taskID string, p core.Progress) error {
	return s.write(ctx, taskID, map[string]any{
		"state":   string(p.State),
		"model":   p.Model,
		"source":  p.Source,
		"line":    p.Line,
		"total":   p.Total,
		"percent": p.Percent(),
	})
}

// Finish stores the final report of a task.
func (s *RedisStore) Finish(ctx context.Context, taskID string, r *core.Report) error {
	text, err := r.Render(ctx, core.FormatText)
	if err != nil {
		return err
	}
	js, err := r.Render(ctx, core.FormatJSON)
	if err != nil {
		return err
	}
	html, err := r.Render(ctx, core.FormatHTML)
	if err != nil {
		return err
	}

	state := core.StateDone
	if r.Error != "" {
		state = core.StateFailed
	}
	return s.write(ctx, taskID, map[string]any{
		"state":   string(state),
		"model":   r.Model,
		"source":  r.Source,
		"line":    r.Processed(),
		"total":   r.Processed(),
		"percent": 100,
		"report":  text,
		"json":    js,
		"html":    html,
		"error":   r.Error,
	})
}

// Callback adapts Progress to a core.ProgressCallback. Write errors are
// dropped so a Redis outage never fails an import.
func (s *RedisStore) Callback(ctx context.Context, taskID string) core.ProgressCallback {
	return func(p core.Progress) {
		_ = s.Progress(ctx, taskID, p)
	}
}

// Get reads the status of a task.
func (s *RedisStore) Get(ctx context.Context, taskID string) (*Task, error) {
	m, err := s.client.HGetAll(ctx, key(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read status of task %s: %w", taskID, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	t := &Task{
		ID:     taskID,
		State:  core.State(m["state"]),
		Model:  m["model"],
		Source: m["source"],
		Report: m["report"],
		JSON:   m["json"],
		HTML:   m["html"],
		Error:  m["error"],
	}
	t.Line, _ = strconv.Atoi(m["line"])
	t.Total, _ = strconv.Atoi(m["total"])
	t.Percent, _ = strconv.Atoi(m["percent"])
	t.Updated, _ = time.Parse(time.RFC3339Nano, m["updated"])
	return t, nil
}
