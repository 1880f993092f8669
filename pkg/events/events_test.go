package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	ProjectID string `json:"project_id"`
	Phase     int    `json:"phase"`
}

func TestNewAndDecode(t *testing.T) {
	env, err := New("thesis/phase.approved", "test", payload{ProjectID: "p1", Phase: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.OccurredAt.IsZero())

	got, err := Decode[payload](env.Data)
	require.NoError(t, err)
	assert.Equal(t, payload{ProjectID: "p1", Phase: 2}, got)

	_, err = Decode[payload](nil)
	require.Error(t, err)
	_, err = Decode[payload](json.RawMessage(`{"phase":"two"}`))
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var missing Envelope
	require.ErrorIs(t, missing.Normalize(now), ErrMissingName)

	env := Envelope{Name: "analysis/run.requested"}
	require.NoError(t, env.Normalize(now))
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, now, env.OccurredAt)
	assert.JSONEq(t, `{}`, string(env.Data))

	kept := Envelope{ID: "evt-1", Name: "x", OccurredAt: now.Add(-time.Hour)}
	require.NoError(t, kept.Normalize(now))
	assert.Equal(t, "evt-1", kept.ID)
	assert.Equal(t, now.Add(-time.Hour), kept.OccurredAt)
}

func TestMemorySinkDeduplicates(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	require.NoError(t, sink.Append(ctx, Envelope{ID: "1", Name: "a", IdempotencyKey: "k"}))
	require.NoError(t, sink.Append(ctx, Envelope{ID: "2", Name: "a", IdempotencyKey: "k"}))
	require.NoError(t, sink.Append(ctx, Envelope{ID: "3", Name: "b"}))
	require.NoError(t, sink.Append(ctx, Envelope{ID: "4", Name: "b"}))

	assert.Len(t, sink.Events(), 3)
	assert.Len(t, sink.Named("a"), 1)
	assert.Len(t, sink.Named("b"), 2)
	require.NoError(t, NewNoOpSink().Append(ctx, Envelope{}))
}

func TestRedisStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sink := NewRedisStreamSink(client, "phaseflow:events")
	ctx := context.Background()

	env, err := New("analysis/run.completed", "test", payload{ProjectID: "p1"})
	require.NoError(t, err)
	env.IdempotencyKey = "analysis-completed:a1"
	require.NoError(t, sink.Append(ctx, env))

	replay := env
	replay.ID = "another-delivery"
	require.NoError(t, sink.Append(ctx, replay))
	require.NoError(t, sink.Append(ctx, Envelope{ID: "plain", Name: "workflow/run.failed", Data: json.RawMessage(`{}`)}))

	entries, err := client.XRange(ctx, "phaseflow:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, env.ID, entries[0].Values["id"])
	assert.Equal(t, "analysis/run.completed", entries[0].Values["name"])
	assert.Equal(t, "analysis-completed:a1", entries[0].Values["idempotency_key"])
	assert.JSONEq(t, `{"project_id":"p1","phase":0}`, entries[0].Values["data"].(string))
	assert.Equal(t, "plain", entries[1].Values["id"])

	assert.True(t, mr.Exists("phaseflow:events:dedup:analysis-completed:a1"))
}

func TestRedisStreamSinkReleasesMarkerOnFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sink := NewRedisStreamSink(client, "phaseflow:events")
	ctx := context.Background()

	// A plain string under the stream key makes XADD fail with WRONGTYPE.
	require.NoError(t, mr.Set("phaseflow:events", "not-a-stream"))
	err := sink.Append(ctx, Envelope{ID: "1", Name: "a", IdempotencyKey: "k"})
	require.Error(t, err)
	assert.False(t, mr.Exists("phaseflow:events:dedup:k"))
}
