package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamMaxLen caps the notification stream length (approximate trim).
const DefaultStreamMaxLen = 100_000

// dedupTTL bounds how long an idempotency key suppresses duplicates.
const dedupTTL = 24 * time.Hour

// RedisStreamSink appends notifications to a Redis stream. A SET NX marker
// keyed by idempotency key suppresses duplicates from retried steps.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream.
func NewRedisStreamSink(client redis.UniversalClient, stream string) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: DefaultStreamMaxLen}
}

// Append writes the envelope as stream fields.
func (s *RedisStreamSink) Append(ctx context.Context, envelope Envelope) error {
	if envelope.IdempotencyKey != "" {
		fresh, err := s.client.SetNX(ctx, s.dedupKey(envelope.IdempotencyKey), envelope.ID, dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("dedup marker for %s: %w", envelope.Name, err)
		}
		if !fresh {
			return nil
		}
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":              envelope.ID,
			"name":            envelope.Name,
			"source":          envelope.Source,
			"occurred_at":     envelope.OccurredAt.UTC().Format(time.RFC3339Nano),
			"idempotency_key": envelope.IdempotencyKey,
			"data":            string(envelope.Data),
		},
	}).Err()
	if err != nil {
		if envelope.IdempotencyKey != "" {
			// Let a retry of the same notification through.
			s.client.Del(ctx, s.dedupKey(envelope.IdempotencyKey))
		}
		return fmt.Errorf("xadd %s: %w", envelope.Name, err)
	}
	return nil
}

func (s *RedisStreamSink) dedupKey(key string) string {
	return s.stream + ":dedup:" + key
}
