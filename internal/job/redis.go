package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Job records are hashes under jobKeyPrefix.
const (
	jobKeyPrefix   = "job:"
	submissionsKey = "submissions_queue"
	scanBatch      = 100
)

func jobKey(id string) string { return jobKeyPrefix + id }

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisLogger sets a custom logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

// RedisStore implements Store on Redis hashes, a list for the pending queue
// and plain string keys for scalars.
type RedisStore struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisStore wraps client. The store owns the client and closes it on Close.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OpenRedisStore parses a redis:// URL, connects and pings.
func OpenRedisStore(ctx context.Context, rawURL string, opts ...RedisOption) (*RedisStore, error) {
	o, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", o.Addr, err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]string, 0, 2*len(fields))
	for name, value := range fields {
		args = append(args, name, value)
	}
	if err := s.client.HSet(ctx, jobKey(id), args).Err(); err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) GetField(ctx context.Context, id, name string) (string, bool, error) {
	v, err := s.client.HGet(ctx, jobKey(id), name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get job %s field %s: %w", id, name, err)
	}
	return v, true, nil
}

func (s *RedisStore) GetAll(ctx context.Context, id string) (Fields, error) {
	m, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return Fields(m), nil
}

// Scan walks the keyspace with SCAN; Redis may return a key more than once.
func (s *RedisStore) Scan(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		it := s.client.Scan(ctx, 0, jobKeyPrefix+prefix+"*", scanBatch).Iterator()
		for it.Next(ctx) {
			if !yield(strings.TrimPrefix(it.Val(), jobKeyPrefix), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield("", fmt.Errorf("scan jobs: %w", err))
		}
	}
}

func (s *RedisStore) PushSubmission(ctx context.Context, sub Submission) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode submission %s: %w", sub.ID, err)
	}
	if err := s.client.LPush(ctx, submissionsKey, raw).Err(); err != nil {
		return fmt.Errorf("push submission %s: %w", sub.ID, err)
	}
	return nil
}

func (s *RedisStore) DequeueSubmission(ctx context.Context) (*Submission, error) {
	raw, err := s.client.RPop(ctx, submissionsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue submission: %w", err)
	}

	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		// The entry is already popped; a malformed one can only be dropped.
		s.logger.Error("dropping malformed submission", "payload", string(raw), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrMalformedSubmission, err)
	}
	return &sub, nil
}

func (s *RedisStore) GetScalar(ctx context.Context, name string) (string, bool, error) {
	v, err := s.client.Get(ctx, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get scalar %s: %w", name, err)
	}
	return v, true, nil
}

func (s *RedisStore) SetScalar(ctx context.Context, name, value string) error {
	if err := s.client.Set(ctx, name, value, 0).Err(); err != nil {
		return fmt.Errorf("set scalar %s: %w", name, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
