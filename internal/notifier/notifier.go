// Package notifier publishes run lifecycle events to Redis streams.
//
// Lifecycle events go to a capped store stream, kept for replay, and to a
// dispatch stream read by live subscribers. NODE_RESULT chunks go to their
// own results stream with a higher cap. Every entry carries the trigger id
// outside the JSON payload so readers can filter without decoding.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("notifier closed")

// Publisher delivers events. Delivery is best-effort; callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev *types.Event) error
	Close() error
}

// Config holds configuration for the Redis notifier.
type Config struct {
	Prefix        string
	StoreMaxLen   int64
	ResultsMaxLen int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefix:        "workflow:events",
		StoreMaxLen:   10000,
		ResultsMaxLen: 100000,
	}
}

// Stream entry fields.
const (
	FieldTriggerID = "triggerId"
	FieldType      = "type"
	FieldPayload   = "payload"
	FieldTimestamp = "ts"
)

// RedisNotifier implements Publisher with Redis streams.
type RedisNotifier struct {
	client redis.UniversalClient
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRedisNotifier creates a notifier. The caller owns client.
func NewRedisNotifier(client redis.UniversalClient, cfg *Config, logger *slog.Logger) *RedisNotifier {
	d := DefaultConfig()
	if cfg == nil {
		cfg = d
	}
	c := *cfg
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.StoreMaxLen <= 0 {
		c.StoreMaxLen = d.StoreMaxLen
	}
	if c.ResultsMaxLen <= 0 {
		c.ResultsMaxLen = d.ResultsMaxLen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{client: client, cfg: c, logger: logger.With("component", "notifier")}
}

// StoreStream is the replay stream key.
func (n *RedisNotifier) StoreStream() string { return n.cfg.Prefix + ":store" }

// DispatchStream is the live stream key.
func (n *RedisNotifier) DispatchStream() string { return n.cfg.Prefix + ":dispatch" }

// ResultsStream is the node result chunk stream key.
func (n *RedisNotifier) ResultsStream() string { return n.cfg.Prefix + ":results" }

// Publish implements Publisher.
func (n *RedisNotifier) Publish(ctx context.Context, ev *types.Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	values := map[string]interface{}{
		FieldTriggerID: ev.TriggerID,
		FieldType:      string(ev.Type),
		FieldPayload:   string(payload),
		FieldTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	pipe := n.client.Pipeline()
	if ev.Type == types.EventNodeResult {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: n.ResultsStream(),
			MaxLen: n.cfg.ResultsMaxLen,
			Approx: true,
			Values: values,
		})
	} else {
		for _, stream := range []string{n.StoreStream(), n.DispatchStream()} {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				MaxLen: n.cfg.StoreMaxLen,
				Approx: true,
				Values: values,
			})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", ev.Type, err)
	}

	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Close stops further publishing. The Redis client is left open.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

// Record is one stream entry delivered to a subscriber.
type Record struct {
	ID        string
	Stream    string
	TriggerID string
	Type      types.EventType
	Payload   json.RawMessage
}

// Subscribe reads new entries from the dispatch and results streams and
// delivers those for triggerID until ctx is done. Slow consumers miss
// records rather than stall the reader.
func (n *RedisNotifier) Subscribe(ctx context.Context, triggerID string) <-chan *Record {
	ch := make(chan *Record, 100)
	go n.streamReader(ctx, triggerID, ch)
	return ch
}

func (n *RedisNotifier) streamReader(ctx context.Context, triggerID string, ch chan<- *Record) {
	defer close(ch)

	streams := []string{n.DispatchStream(), n.ResultsStream()}
	lastIDs := []string{"$", "$"}

	// Resolve "$" once so entries added between reads are not skipped.
	for i, s := range streams {
		if msgs, err := n.client.XRevRangeN(ctx, s, "+", "-", 1).Result(); err == nil && len(msgs) > 0 {
			lastIDs[i] = msgs[0].ID
		} else {
			lastIDs[i] = "0-0"
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := n.client.XRead(ctx, &redis.XReadArgs{
			Streams: append(append([]string{}, streams...), lastIDs...),
			Count:   100,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			n.logger.Warn("subscriber read failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				for i, s := range streams {
					if s == stream.Stream {
						lastIDs[i] = msg.ID
					}
				}
				rec := parseRecord(stream.Stream, msg)
				if rec.TriggerID != triggerID {
					continue
				}
				select {
				case ch <- rec:
				case <-ctx.Done():
					return
				default:
					// Channel full, skip record
				}
			}
		}
	}
}

// Replay returns stored lifecycle records for triggerID, oldest first.
func (n *RedisNotifier) Replay(ctx context.Context, triggerID string) ([]*Record, error) {
	msgs, err := n.client.XRange(ctx, n.StoreStream(), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}
	var out []*Record
	for _, msg := range msgs {
		if rec := parseRecord(n.StoreStream(), msg); rec.TriggerID == triggerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func parseRecord(stream string, msg redis.XMessage) *Record {
	trig, _ := msg.Values[FieldTriggerID].(string)
	typ, _ := msg.Values[FieldType].(string)
	payload, _ := msg.Values[FieldPayload].(string)
	return &Record{
		ID:        msg.ID,
		Stream:    stream,
		TriggerID: trig,
		Type:      types.EventType(typ),
		Payload:   json.RawMessage(payload),
	}
}

var _ Publisher = (*RedisNotifier)(nil)
