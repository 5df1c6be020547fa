package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/internal/infra/memory"
	"github.com/totegamma/minisocial/schemas"
)

func TestClockNeverGoesBackwards(t *testing.T) {
	readings := []int64{100, 105, 90, 90, 120}
	i := 0
	clock := NewClock(func() time.Time {
		ms := readings[i]
		i++
		return time.UnixMilli(ms)
	})

	var got []int64
	for range readings {
		got = append(got, clock.Next())
	}
	assert.Equal(t, []int64{100, 105, 105, 105, 120}, got)
}

func TestAppendStampsIDAndTimestamp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.records.Append(ctx, schemas.Posts, map[string]any{
		"id":        "forged",
		"timestamp": int64(1),
		"text":      "hello",
	})
	require.NoError(t, err)
	assert.NotEqual(t, "forged", id)

	rec, err := env.records.Get(ctx, schemas.Posts, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Greater(t, rec.Timestamp, int64(1))
	assert.Equal(t, "hello", rec.String("text"))
	_, ok := rec.Fields["id"]
	assert.False(t, ok)
}

func TestAppendTimestampsAreNonDecreasing(t *testing.T) {
	store := memory.NewStore()
	records := NewRecordUsecase(store, nil)
	ctx := context.Background()

	var last int64
	for range 20 {
		id, err := records.Append(ctx, schemas.Messages+"/a_b", map[string]any{"text": "x"})
		require.NoError(t, err)
		rec, err := records.Get(ctx, schemas.Messages+"/a_b", id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rec.Timestamp, last)
		last = rec.Timestamp
	}
}

func TestAppendRejectsBadPath(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.records.Append(context.Background(), "posts/$x", map[string]any{"text": "a"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpdateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, err := env.records.Append(ctx, schemas.Posts, map[string]any{"text": "a"})
	require.NoError(t, err)

	err = env.records.Update(ctx, schemas.Posts, id, map[string]any{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = env.records.Update(ctx, schemas.Posts, id, map[string]any{"id": "other"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = env.records.Update(ctx, schemas.Posts, "missing", map[string]any{"text": "b"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, env.records.Update(ctx, schemas.Posts, id, map[string]any{"text": "b", "extra": true}))
	rec, err := env.records.Get(ctx, schemas.Posts, id)
	require.NoError(t, err)
	assert.Equal(t, "b", rec.String("text"))
	assert.True(t, rec.Bool("extra"))
}

func TestRemoveTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, err := env.records.Append(ctx, schemas.Posts, map[string]any{"text": "a"})
	require.NoError(t, err)

	require.NoError(t, env.records.Remove(ctx, schemas.Posts, id))
	require.NoError(t, env.records.Remove(ctx, schemas.Posts, id))

	_, err = env.records.Get(ctx, schemas.Posts, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		_, err := env.records.Append(ctx, schemas.Posts, map[string]any{"text": text})
		require.NoError(t, err)
	}

	got, err := env.records.List(ctx, schemas.Posts, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].String("text"))
	assert.Equal(t, "b", got[1].String("text"))

	_, err = env.records.List(ctx, schemas.Posts, -1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
