// Package queue admits run requests from a Redis stream consumer group.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// PayloadField is the stream entry field holding the JSON run request.
const PayloadField = "payload"

// Handler runs one admitted request. Its error is logged; the message is
// acknowledged either way.
type Handler func(ctx context.Context, req *types.RunRequest) error

// Config holds consumer configuration.
type Config struct {
	Stream   string
	Group    string
	Consumer string

	// MaxParallelJobs bounds in-flight handler calls.
	MaxParallelJobs int

	// Block is how long one XREADGROUP waits for messages.
	Block time.Duration

	// IdleThreshold is how long another consumer must be idle before its
	// pending messages are taken over.
	IdleThreshold time.Duration

	MaintenanceInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Stream:              "workflow:runs",
		Group:               "flowengine",
		Consumer:            "flowengine-1",
		MaxParallelJobs:     10,
		Block:               5 * time.Second,
		IdleThreshold:       5 * time.Minute,
		MaintenanceInterval: time.Minute,
	}
}

// Consumer reads run requests from a stream consumer group.
type Consumer struct {
	client redis.UniversalClient
	cfg    Config
	logger *slog.Logger

	validate PayloadValidator
	slots    chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// PayloadValidator checks a raw payload before it is decoded.
type PayloadValidator func(payload []byte) error

// Option configures a Consumer.
type Option func(*Consumer)

// WithPayloadValidator rejects payloads that fail v. Rejected messages are
// acknowledged and dropped.
func WithPayloadValidator(v PayloadValidator) Option {
	return func(c *Consumer) { c.validate = v }
}

// NewConsumer creates a consumer. The caller owns client.
func NewConsumer(client redis.UniversalClient, cfg *Config, logger *slog.Logger, opts ...Option) *Consumer {
	d := DefaultConfig()
	if cfg == nil {
		cfg = d
	}
	c := *cfg
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.Group == "" {
		c.Group = d.Group
	}
	if c.Consumer == "" {
		c.Consumer = d.Consumer
	}
	if c.MaxParallelJobs <= 0 {
		c.MaxParallelJobs = d.MaxParallelJobs
	}
	if c.Block <= 0 {
		c.Block = d.Block
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = d.IdleThreshold
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	consumer := &Consumer{
		client: client,
		cfg:    c,
		logger: logger.With("component", "queue", slog.String("consumer", c.Consumer)),
		slots:  make(chan struct{}, c.MaxParallelJobs),
	}
	for _, opt := range opts {
		opt(consumer)
	}
	return consumer
}

// Initialize creates the consumer group, and the stream if needed. An
// existing group is not an error.
func (c *Consumer) Initialize(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Consume reads and dispatches messages until ctx is done or Close is
// called. Reads only happen while a handler slot is free and ask for at most
// the number of free slots.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	go c.maintenanceLoop(ctx, handler)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	for !c.closed.Load() {
		free, err := c.acquire(ctx)
		if err != nil {
			return nil
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    int64(free),
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			c.release(free)
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil || c.closed.Load() {
				return nil
			}
			wait := bo.NextBackOff()
			c.logger.Error("failed to read stream",
				slog.Any("error", err),
				slog.Duration("retry_in", wait),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		used := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				used++
				c.dispatch(ctx, msg, handler)
			}
		}
		c.release(free - used)
	}
	return nil
}

// acquire blocks for one slot, then takes any others that are free.
func (c *Consumer) acquire(ctx context.Context) (int, error) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	n := 1
	for n < c.cfg.MaxParallelJobs {
		select {
		case c.slots <- struct{}{}:
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (c *Consumer) release(n int) {
	for i := 0; i < n; i++ {
		<-c.slots
	}
}

// dispatch runs the handler for msg in its own goroutine. The caller has
// already taken a slot for it. The message is acknowledged after the
// handler returns, fails or panics.
func (c *Consumer) dispatch(ctx context.Context, msg redis.XMessage, handler Handler) {
	c.wg.Add(1)
	metrics.QueueInFlight.Inc()
	go func() {
		defer func() {
			c.ack(ctx, msg.ID)
			metrics.QueueInFlight.Dec()
			c.release(1)
			c.wg.Done()
		}()
		defer func() {
			if rec := recover(); rec != nil {
				metrics.QueueMessages.WithLabelValues("panic").Inc()
				c.logger.Error("handler panicked",
					slog.String("message_id", msg.ID),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()

		req, err := c.decode(msg)
		if err != nil {
			metrics.QueueMessages.WithLabelValues("invalid").Inc()
			c.logger.Error("dropping undecodable message",
				slog.String("message_id", msg.ID),
				slog.Any("error", err),
			)
			return
		}

		logger := c.logger.With(
			slog.String("message_id", msg.ID),
			slog.String("workflow_id", req.WorkflowID),
		)
		logger.Info("processing run request")
		if err := handler(ctx, req); err != nil {
			metrics.QueueMessages.WithLabelValues("failed").Inc()
			logger.Warn("run request failed", slog.Any("error", err))
			return
		}
		metrics.QueueMessages.WithLabelValues("succeeded").Inc()
	}()
}

func (c *Consumer) decode(msg redis.XMessage) (*types.RunRequest, error) {
	raw, ok := msg.Values[PayloadField].(string)
	if !ok {
		return nil, fmt.Errorf("missing %q field", PayloadField)
	}
	if c.validate != nil {
		if err := c.validate([]byte(raw)); err != nil {
			return nil, err
		}
	}
	var req types.RunRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Consumer) ack(ctx context.Context, id string) {
	// Acknowledge even when the run context was cancelled by shutdown.
	if err := c.client.XAck(context.WithoutCancel(ctx), c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("failed to ack message", slog.String("message_id", id), slog.Any("error", err))
	}
}

func (c *Consumer) maintenanceLoop(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.closed.Load() {
				return
			}
			if err := c.Reclaim(ctx, handler); err != nil && ctx.Err() == nil {
				c.logger.Warn("maintenance pass failed", slog.Any("error", err))
			}
		}
	}
}

// Reclaim takes over the pending messages of every other consumer idle for
// longer than the threshold, dispatches them, and removes those consumers
// from the group.
func (c *Consumer) Reclaim(ctx context.Context, handler Handler) error {
	consumers, err := c.client.XInfoConsumers(ctx, c.cfg.Stream, c.cfg.Group).Result()
	if err != nil {
		return fmt.Errorf("xinfo consumers: %w", err)
	}

	for _, co := range consumers {
		if co.Name == c.cfg.Consumer || co.Idle < c.cfg.IdleThreshold {
			continue
		}
		logger := c.logger.With(slog.String("dead_consumer", co.Name))

		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Start:    "-",
			End:      "+",
			Count:    1000,
			Consumer: co.Name,
		}).Result()
		if err != nil {
			return fmt.Errorf("xpending %s: %w", co.Name, err)
		}

		if len(pending) > 0 {
			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}
			msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   c.cfg.Stream,
				Group:    c.cfg.Group,
				Consumer: c.cfg.Consumer,
				MinIdle:  c.cfg.IdleThreshold,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("xclaim from %s: %w", co.Name, err)
			}
			logger.Info("reclaimed pending messages", slog.Int("count", len(msgs)))
			metrics.QueueReclaimed.Add(float64(len(msgs)))

			for _, msg := range msgs {
				select {
				case c.slots <- struct{}{}:
				case <-ctx.Done():
					return ctx.Err()
				}
				c.dispatch(ctx, msg, handler)
			}
		}

		if err := c.client.XGroupDelConsumer(ctx, c.cfg.Stream, c.cfg.Group, co.Name).Err(); err != nil {
			logger.Warn("failed to remove dead consumer", slog.Any("error", err))
		}
	}
	return nil
}

// Close stops reading. In-flight handlers are not waited for.
func (c *Consumer) Close() error {
	c.closed.Store(true)
	return nil
}

// Wait blocks until every dispatched handler has settled.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// Producer enqueues run requests.
type Producer struct {
	client redis.UniversalClient
	stream string
}

// NewProducer creates a producer for stream.
func NewProducer(client redis.UniversalClient, stream string) *Producer {
	if stream == "" {
		stream = DefaultConfig().Stream
	}
	return &Producer{client: client, stream: stream}
}

// Enqueue appends req to the stream and returns the entry id.
func (p *Producer) Enqueue(ctx context.Context, req *types.RunRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal run request: %w", err)
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{PayloadField: string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}
