package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// RedisStore implements Store backed by Redis.
//
// Layout per workflow id:
//
//	{prefix}:{wf}:meta          JSON run-level fields (created with SET NX)
//	{prefix}:{wf}:node:{nodeId} JSON node record
//	{prefix}:{wf}:nodes         set of node ids that have a record
//	{prefix}:{wf}:completed     set of completed node ids
//
// Writes go through WATCH/MULTI and are retried when a concurrent writer
// touched the same key.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	maxRetries int
}

// NewRedisStore creates a Redis-backed Store on an existing client.
func NewRedisStore(client redis.UniversalClient, cfg *Config) *RedisStore {
	cfg = cfg.withDefaults()
	return &RedisStore{
		client:     client,
		prefix:     cfg.Prefix,
		ttl:        cfg.TTL,
		maxRetries: cfg.MaxRetries,
	}
}

// Key helpers
func (s *RedisStore) keyMeta(wf string) string      { return fmt.Sprintf("%s:%s:meta", s.prefix, wf) }
func (s *RedisStore) keyNodeIndex(wf string) string { return fmt.Sprintf("%s:%s:nodes", s.prefix, wf) }
func (s *RedisStore) keyCompleted(wf string) string {
	return fmt.Sprintf("%s:%s:completed", s.prefix, wf)
}
func (s *RedisStore) keyNode(wf, nodeID string) string {
	return fmt.Sprintf("%s:%s:node:%s", s.prefix, wf, nodeID)
}

// expireRun refreshes TTL on the run-level keys.
func (s *RedisStore) expireRun(ctx context.Context, pipe redis.Pipeliner, wf string) {
	if s.ttl <= 0 {
		return
	}
	pipe.Expire(ctx, s.keyMeta(wf), s.ttl)
	pipe.Expire(ctx, s.keyNodeIndex(wf), s.ttl)
	pipe.Expire(ctx, s.keyCompleted(wf), s.ttl)
}

// runMeta is the persisted run-level subset of an ExecutionContext.
func runMeta(ec *types.ExecutionContext) ([]byte, error) {
	meta := *ec
	meta.NodeExecutions = nil
	meta.CompletedNodes = nil
	return json.Marshal(&meta)
}

// CreateContext implements Store.
func (s *RedisStore) CreateContext(ctx context.Context, ec *types.ExecutionContext) (*types.ExecutionContext, bool, error) {
	wf := ec.WorkflowID
	data, err := runMeta(ec)
	if err != nil {
		return nil, false, fmt.Errorf("marshal context: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.keyMeta(wf), data, s.ttl).Result()
	if err != nil {
		metrics.ContextStoreOperations.WithLabelValues("create", "error").Inc()
		return nil, false, fmt.Errorf("create context: %w", err)
	}
	if !created {
		metrics.ContextStoreOperations.WithLabelValues("create", "resumed").Inc()
		existing, err := s.LoadContext(ctx, wf)
		return existing, false, err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for nodeID, ne := range ec.NodeExecutions {
			b, err := json.Marshal(ne)
			if err != nil {
				return fmt.Errorf("marshal node %s: %w", nodeID, err)
			}
			pipe.Set(ctx, s.keyNode(wf, nodeID), b, s.ttl)
			pipe.SAdd(ctx, s.keyNodeIndex(wf), nodeID)
		}
		if len(ec.CompletedNodes) > 0 {
			pipe.SAdd(ctx, s.keyCompleted(wf), toArgs(ec.CompletedNodes.Sorted())...)
		}
		s.expireRun(ctx, pipe, wf)
		return nil
	})
	if err != nil {
		metrics.ContextStoreOperations.WithLabelValues("create", "error").Inc()
		return nil, false, fmt.Errorf("seed context: %w", err)
	}
	metrics.ContextStoreOperations.WithLabelValues("create", "success").Inc()
	return ec.Clone(), true, nil
}

// LoadContext implements Store.
func (s *RedisStore) LoadContext(ctx context.Context, wf string) (*types.ExecutionContext, error) {
	raw, err := s.client.Get(ctx, s.keyMeta(wf)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrContextNotFound
	}
	if err != nil {
		metrics.ContextStoreOperations.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("get context meta: %w", err)
	}
	var ec types.ExecutionContext
	if err := json.Unmarshal(raw, &ec); err != nil {
		return nil, fmt.Errorf("decode context meta: %w", err)
	}

	pipe := s.client.Pipeline()
	idsCmd := pipe.SMembers(ctx, s.keyNodeIndex(wf))
	doneCmd := pipe.SMembers(ctx, s.keyCompleted(wf))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		metrics.ContextStoreOperations.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("get context sets: %w", err)
	}
	ec.CompletedNodes = types.NewNodeSet(doneCmd.Val()...)
	ec.NodeExecutions = make(map[string]*types.NodeExecution)

	ids := idsCmd.Val()
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.keyNode(wf, id)
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			metrics.ContextStoreOperations.WithLabelValues("load", "error").Inc()
			return nil, fmt.Errorf("get node records: %w", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// expired independently of the index
				continue
			}
			var ne types.NodeExecution
			if err := json.Unmarshal([]byte(str), &ne); err != nil {
				return nil, fmt.Errorf("decode node %s: %w", ids[i], err)
			}
			ec.NodeExecutions[ids[i]] = &ne
		}
	}
	if ec.AllNodes == nil {
		ec.AllNodes = types.NewNodeSet()
	}
	metrics.ContextStoreOperations.WithLabelValues("load", "success").Inc()
	return &ec, nil
}

// UpdateNode implements Store.
func (s *RedisStore) UpdateNode(ctx context.Context, wf, nodeID string, fn func(*types.NodeExecution) error) (*types.NodeExecution, error) {
	key := s.keyNode(wf, nodeID)
	var out *types.NodeExecution

	txf := func(tx *redis.Tx) error {
		ne := &types.NodeExecution{}
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, ne); err != nil {
				return fmt.Errorf("decode node %s: %w", nodeID, err)
			}
		}

		prev := ne.Version
		if err := fn(ne); err != nil {
			return err
		}
		ne.Version = prev + 1
		b, err := json.Marshal(ne)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, s.ttl)
			pipe.SAdd(ctx, s.keyNodeIndex(wf), nodeID)
			s.expireRun(ctx, pipe, wf)
			return nil
		})
		if err == nil {
			out = ne
		}
		return err
	}

	if err := s.retry(ctx, "update_node", txf, key); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkCompleted implements Store.
func (s *RedisStore) MarkCompleted(ctx context.Context, wf string, nodeIDs ...string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	ids, err := s.client.SMembers(ctx, s.keyNodeIndex(wf)).Result()
	if err != nil {
		return fmt.Errorf("get node index: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.keyCompleted(wf), toArgs(nodeIDs)...)
		s.expireRun(ctx, pipe, wf)
		if s.ttl > 0 {
			for _, id := range ids {
				pipe.Expire(ctx, s.keyNode(wf, id), s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		metrics.ContextStoreOperations.WithLabelValues("mark_completed", "error").Inc()
		return fmt.Errorf("mark completed: %w", err)
	}
	metrics.ContextStoreOperations.WithLabelValues("mark_completed", "success").Inc()
	return nil
}

// UpdateRun implements Store.
func (s *RedisStore) UpdateRun(ctx context.Context, wf string, fn func(*types.ExecutionContext) error) (*types.ExecutionContext, error) {
	key := s.keyMeta(wf)
	var out *types.ExecutionContext

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrContextNotFound
		}
		if err != nil {
			return err
		}
		var ec types.ExecutionContext
		if err := json.Unmarshal(raw, &ec); err != nil {
			return fmt.Errorf("decode context meta: %w", err)
		}

		prev := ec.Version
		if err := fn(&ec); err != nil {
			return err
		}
		ec.Version = prev + 1
		ec.UpdatedAt = time.Now().UTC()
		b, err := runMeta(&ec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, s.ttl)
			s.expireRun(ctx, pipe, wf)
			return nil
		})
		if err == nil {
			out = &ec
		}
		return err
	}

	if err := s.retry(ctx, "update_run", txf, key); err != nil {
		return nil, err
	}
	return out, nil
}

// retry runs an optimistic transaction until it commits without a
// concurrent modification of the watched keys.
func (s *RedisStore) retry(ctx context.Context, op string, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, keys...)
		if err == nil {
			metrics.ContextStoreOperations.WithLabelValues(op, "success").Inc()
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			metrics.ContextStoreOperations.WithLabelValues(op, "error").Inc()
			return err
		}
		slog.Debug("optimistic update conflict, retrying",
			slog.String("op", op),
			slog.Int("attempt", i+1),
		)
	}
	metrics.ContextStoreOperations.WithLabelValues(op, "conflict").Inc()
	return fmt.Errorf("%s: %w", op, ErrVersionConflict)
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store. The client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

func toArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

var _ Store = (*RedisStore)(nil)
