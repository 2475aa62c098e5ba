// Package callrecord persists a summary of each relayed call.
package callrecord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound  = errors.New("call record not found")
	ErrInvalidID = errors.New("invalid call record id")
)

// Entry is one line of the conversation transcript as reported by the agent.
type Entry struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

type Record struct {
	SessionID string    `json:"session_id"`
	StreamSID string    `json:"stream_sid,omitempty"`
	CallSID   string    `json:"call_sid,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	EndReason string    `json:"end_reason"`

	Transcript []Entry `json:"transcript,omitempty"`
	BargeIns   int     `json:"barge_ins"`
	Fillers    int     `json:"fillers"`
	// FirstAudioMS holds one latency per agent turn, in milliseconds.
	FirstAudioMS []int64 `json:"first_audio_ms,omitempty"`
}

// Sink receives the record of a finished call.
type Sink interface {
	Save(ctx context.Context, rec Record) error
}

// RedisStore keeps records as JSON values with a TTL and indexes them per call
// SID so every stream of a call can be found.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type RedisOption func(*RedisStore)

// WithTTL sets how long a record is kept. 0 keeps records forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		ttl:    7 * 24 * time.Hour,
		prefix: "vai-phone",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// NewRedisStoreFromURL parses a redis:// URL.
func NewRedisStoreFromURL(url string, opts ...RedisOption) (*RedisStore, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(parsed), opts...), nil
}

func (s *RedisStore) recordKey(id string) string {
	return s.prefix + ":call:" + id
}

func (s *RedisStore) callIndexKey(callSID string) string {
	return s.prefix + ":callsid:" + callSID
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	if rec.SessionID == "" {
		return ErrInvalidID
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.recordKey(rec.SessionID), data, s.ttl)
	if rec.CallSID != "" {
		indexKey := s.callIndexKey(rec.CallSID)
		pipe.SAdd(ctx, indexKey, rec.SessionID)
		if s.ttl > 0 {
			pipe.Expire(ctx, indexKey, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	if sessionID == "" {
		return nil, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.recordKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &rec, nil
}

// SessionsForCall lists the session ids recorded for a call SID.
func (s *RedisStore) SessionsForCall(ctx context.Context, callSID string) ([]string, error) {
	if callSID == "" {
		return nil, ErrInvalidID
	}
	ids, err := s.client.SMembers(ctx, s.callIndexKey(callSID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	return ids, nil
}

// Ping checks connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Sink = (*RedisStore)(nil)
