package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-redis/redis/v8"

	"rotaguard/internal/config"
	"rotaguard/internal/domain"
)

// RedisSink appends events to a Redis stream with XADD.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
	filter eventFilter
}

func NewRedisSink(cfg config.RedisConfig) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisSinkWithClient(client, cfg.Stream, cfg.MaxLen, cfg.Events)
}

func NewRedisSinkWithClient(client *redis.Client, stream string, maxLen int64, types []string) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen, filter: newEventFilter(types)}
}

func (s *RedisSink) Name() string { return "redis:" + s.stream }

func (s *RedisSink) Accepts(eventType string) bool { return s.filter.match(eventType) }

func (s *RedisSink) Deliver(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(NewEnvelope(evt))
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"event_id": strconv.FormatInt(evt.ID, 10),
			"type":     evt.Type,
			"data":     string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
