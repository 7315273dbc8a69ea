package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/observer/internal/model"
)

// Pusher is the only queue operation the observer needs. Implementations
// must be safe for concurrent use and tolerate duplicate names.
type Pusher interface {
	Push(ctx context.Context, name string, priority model.Priority) error
}

type ProducerConfig struct {
	Stream string // prefix; each priority level gets "<Stream>:<level>"
	MaxLen int64  // approximate MAXLEN, 0 = unbounded
	// Weights maps priority levels to the numeric priority written on each message.
	Weights map[model.Priority]int
	// Origin identifies the writing process on each message. Omitted when empty.
	Origin string
}

type RedisProducer struct {
	client *redis.Client
	cfg    ProducerConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewRedisProducer(client *redis.Client, cfg ProducerConfig, logger *slog.Logger) *RedisProducer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Weights == nil {
		cfg.Weights = map[model.Priority]int{
			model.PriorityLow:  0,
			model.PriorityHigh: 1,
		}
	}
	return &RedisProducer{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// StreamName returns the stream a priority level is written to. Consumers
// drain the high stream before the low one.
func StreamName(prefix string, priority model.Priority) string {
	return fmt.Sprintf("%s:%s", prefix, priority)
}

func (p *RedisProducer) Push(ctx context.Context, name string, priority model.Priority) error {
	weight, ok := p.cfg.Weights[priority]
	if !ok {
		return fmt.Errorf("no queue weight configured for %s", priority)
	}

	values := map[string]any{
		"name":        name,
		"priority":    weight,
		"source":      priority.String(),
		"enqueued_at": p.now().UTC().Format(time.RFC3339Nano),
	}
	if p.cfg.Origin != "" {
		values["origin"] = p.cfg.Origin
	}

	args := &redis.XAddArgs{
		Stream: StreamName(p.cfg.Stream, priority),
		Values: values,
	}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd (stream=%s): %w", args.Stream, err)
	}

	p.logger.DebugContext(ctx, "pushed package", "stream", args.Stream, "message_id", id, "weight", weight)
	return nil
}

// Pending returns the number of messages waiting in the stream of a level.
func (p *RedisProducer) Pending(ctx context.Context, priority model.Priority) (int64, error) {
	n, err := p.client.XLen(ctx, StreamName(p.cfg.Stream, priority)).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen: %w", err)
	}
	return n, nil
}

func (p *RedisProducer) Close() error {
	return p.client.Close()
}
