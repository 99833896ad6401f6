package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps conversation turns per (session, node).
type MemoryStore interface {
	GetMessages(ctx context.Context, sessionID, nodeID string) ([]Message, error)
	AddMessages(ctx context.Context, sessionID, nodeID string, messages []Message) error
}

// RedisMemory stores each conversation as a capped Redis list.
type RedisMemory struct {
	client      redis.UniversalClient
	prefix      string
	maxMessages int64
	ttl         time.Duration
}

// NewRedisMemory keeps at most maxTurns prompt/response pairs per
// conversation, expiring idle conversations after ttl.
func NewRedisMemory(client redis.UniversalClient, prefix string, maxTurns int, ttl time.Duration) *RedisMemory {
	if prefix == "" {
		prefix = "workflow:memory"
	}
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &RedisMemory{
		client:      client,
		prefix:      prefix,
		maxMessages: int64(maxTurns * 2),
		ttl:         ttl,
	}
}

func (m *RedisMemory) key(sessionID, nodeID string) string {
	return fmt.Sprintf("%s:%s:%s", m.prefix, sessionID, nodeID)
}

// GetMessages implements MemoryStore.
func (m *RedisMemory) GetMessages(ctx context.Context, sessionID, nodeID string) ([]Message, error) {
	vals, err := m.client.LRange(ctx, m.key(sessionID, nodeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}
	out := make([]Message, 0, len(vals))
	for _, v := range vals {
		var msg Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			return nil, fmt.Errorf("decode memory message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// AddMessages implements MemoryStore.
func (m *RedisMemory) AddMessages(ctx context.Context, sessionID, nodeID string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	key := m.key(sessionID, nodeID)
	vals := make([]interface{}, 0, len(messages))
	for _, msg := range messages {
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode memory message: %w", err)
		}
		vals = append(vals, string(b))
	}
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, vals...)
		pipe.LTrim(ctx, key, -m.maxMessages, -1)
		if m.ttl > 0 {
			pipe.Expire(ctx, key, m.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return nil
}

// InMemory is a process-local MemoryStore.
type InMemory struct {
	mu          sync.Mutex
	maxMessages int
	convs       map[string][]Message
}

// NewInMemory creates a store keeping at most maxTurns pairs per conversation.
func NewInMemory(maxTurns int) *InMemory {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &InMemory{maxMessages: maxTurns * 2, convs: make(map[string][]Message)}
}

func (m *InMemory) GetMessages(_ context.Context, sessionID, nodeID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.convs[sessionID+"\x00"+nodeID]
	return append([]Message(nil), msgs...), nil
}

func (m *InMemory) AddMessages(_ context.Context, sessionID, nodeID string, messages []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionID + "\x00" + nodeID
	msgs := append(m.convs[k], messages...)
	if len(msgs) > m.maxMessages {
		msgs = msgs[len(msgs)-m.maxMessages:]
	}
	m.convs[k] = msgs
	return nil
}
