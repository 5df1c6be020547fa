package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/schemas"
)

// scriptedLive hands out channels the test writes windows into.
type scriptedLive struct {
	mu    sync.Mutex
	feeds []chan domain.Window
	opens atomic.Int32
}

func (l *scriptedLive) Listen(ctx context.Context, q domain.Query) (<-chan domain.Window, error) {
	l.opens.Add(1)
	ch := make(chan domain.Window)
	l.mu.Lock()
	l.feeds = append(l.feeds, ch)
	l.mu.Unlock()
	return ch, nil
}

func (l *scriptedLive) feed(t *testing.T, i int) chan domain.Window {
	t.Helper()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.feeds) > i
	}, time.Second, time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.feeds[i]
}

func TestNewestFirst(t *testing.T) {
	records := []minisocial.Record{
		{ID: "a", Timestamp: 1},
		{ID: "b", Timestamp: 3},
		{ID: "c", Timestamp: 2},
		{ID: "d", Timestamp: 3},
	}

	got := NewestFirst(records, 0)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"d", "b", "c", "a"}, ids)
	assert.Equal(t, "a", records[0].ID)

	assert.Len(t, NewestFirst(records, 2), 2)
	assert.Empty(t, NewestFirst(nil, 5))
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts, OrderBy: "likes"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.subscriptions.Subscribe(ctx, SubscribeInput{Path: ""})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.subscriptions.Subscribe(ctx, SubscribeInput{Path: "posts.bad"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts, Limit: -1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, 0, env.subscriptions.Active())
}

func TestSubscribeEmptyCollection(t *testing.T) {
	env := newTestEnv(t)

	sub, err := env.subscriptions.Subscribe(context.Background(), SubscribeInput{Path: schemas.Posts, Limit: 20})
	require.NoError(t, err)
	defer sub.Close()

	snap := nextSnapshot(t, sub)
	assert.True(t, snap.OK())
	assert.Empty(t, snap.Records)
	assert.Equal(t, schemas.Posts, snap.Path)
}

func TestSubscribeNewestFirstWithinLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		id, err := env.records.Append(ctx, schemas.Posts, map[string]any{"text": text})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	sub, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts, Limit: 2})
	require.NoError(t, err)
	defer sub.Close()

	snap := awaitSnapshot(t, sub, hasLen(2))
	assert.Equal(t, ids[2], snap.Records[0].ID)
	assert.Equal(t, ids[1], snap.Records[1].ID)
	assert.Greater(t, snap.Records[0].Timestamp, snap.Records[1].Timestamp)
}

func TestSubscribersSeeEveryAppend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.records.Append(ctx, schemas.Posts, map[string]any{"text": "first"})
	require.NoError(t, err)
	_, err = env.records.Append(ctx, schemas.Posts, map[string]any{"text": "second"})
	require.NoError(t, err)

	a, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts, Limit: 2})
	require.NoError(t, err)
	defer a.Close()
	b, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts, Limit: 2})
	require.NoError(t, err)
	defer b.Close()

	awaitSnapshot(t, a, hasLen(2))
	awaitSnapshot(t, b, hasLen(2))

	third, err := env.records.Append(ctx, schemas.Posts, map[string]any{"text": "third"})
	require.NoError(t, err)

	for _, sub := range []*Subscription{a, b} {
		snap := awaitSnapshot(t, sub, func(s domain.Snapshot) bool {
			return s.OK() && len(s.Records) == 2 && s.Records[0].ID == third
		})
		assert.Equal(t, "second", snap.Records[1].String("text"))
	}
}

func TestSubscribeFilteredByKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.withRole(t, "alice", "user")
	env.withRole(t, "bob", "user")

	sub, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Users, Key: "alice"})
	require.NoError(t, err)
	defer sub.Close()

	snap := awaitSnapshot(t, sub, hasLen(1))
	assert.Equal(t, "alice", snap.Records[0].ID)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts})
	require.NoError(t, err)
	nextSnapshot(t, sub)
	assert.Equal(t, 1, env.subscriptions.Active())

	sub.Close()
	sub.Close()
	env.subscriptions.Unsubscribe(sub.ID())
	env.subscriptions.Unsubscribe("unknown")

	_, err = env.records.Append(ctx, schemas.Posts, map[string]any{"text": "late"})
	require.NoError(t, err)

	_, ok := <-sub.Snapshots()
	assert.False(t, ok)
	assert.Equal(t, 0, env.subscriptions.Active())
	assert.Eventually(t, func() bool { return env.store.Watchers(schemas.Posts) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts})
	require.NoError(t, err)
	nextSnapshot(t, sub)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription outlived its context")
	}
	assert.Eventually(t, func() bool { return env.subscriptions.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestListenCallbacks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var mu sync.Mutex
	var updates [][]minisocial.Record
	handle, err := env.subscriptions.Listen(ctx, SubscribeInput{Path: schemas.Posts, Limit: 20},
		func(records []minisocial.Record) {
			mu.Lock()
			updates = append(updates, records)
			mu.Unlock()
		},
		nil,
	)
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	_, err = env.records.Append(ctx, schemas.Posts, map[string]any{"text": "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) > 0 && len(updates[len(updates)-1]) == 1
	}, 2*time.Second, 5*time.Millisecond)

	env.subscriptions.Unsubscribe(handle)
	env.subscriptions.Unsubscribe(handle)

	mu.Lock()
	seen := len(updates)
	mu.Unlock()

	_, err = env.records.Append(ctx, schemas.Posts, map[string]any{"text": "after"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, seen, len(updates))
}

func TestListenRequiresCallback(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.subscriptions.Listen(context.Background(), SubscribeInput{Path: schemas.Posts}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubscriptionRecoversFromConnectionError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts})
	require.NoError(t, err)
	defer sub.Close()
	nextSnapshot(t, sub)

	require.Eventually(t, func() bool { return env.store.Watchers(schemas.Posts) == 1 }, time.Second, time.Millisecond)
	env.store.Interrupt(schemas.Posts, domain.ConnectionError{Op: "listen", Err: errors.New("reset")})

	snap := nextSnapshot(t, sub)
	assert.ErrorIs(t, snap.Err, domain.ErrConnection)

	awaitSnapshot(t, sub, hasLen(0))

	_, err = env.records.Append(ctx, schemas.Posts, map[string]any{"text": "back"})
	require.NoError(t, err)
	awaitSnapshot(t, sub, hasLen(1))
}

func TestSubscriptionGivesUpAfterRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts})
	require.NoError(t, err)
	nextSnapshot(t, sub)
	require.Eventually(t, func() bool { return env.store.Watchers(schemas.Posts) == 1 }, time.Second, time.Millisecond)

	env.store.SetFailure(domain.ConnectionError{Op: "listen", Err: errors.New("offline")})
	env.store.Interrupt(schemas.Posts, domain.ConnectionError{Op: "listen", Err: errors.New("reset")})

	seen := drain(t, sub)
	require.Len(t, seen, fastRetry.MaxRetries+1)
	for _, snap := range seen {
		assert.ErrorIs(t, snap.Err, domain.ErrConnection)
	}
	assert.Eventually(t, func() bool { return env.subscriptions.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscriptionStopsOnPermissionDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts})
	require.NoError(t, err)
	nextSnapshot(t, sub)
	require.Eventually(t, func() bool { return env.store.Watchers(schemas.Posts) == 1 }, time.Second, time.Millisecond)

	env.store.Interrupt(schemas.Posts, domain.PermissionDeniedError{})

	seen := drain(t, sub)
	require.Len(t, seen, 1)
	assert.ErrorIs(t, seen[0].Err, domain.ErrPermissionDenied)
}

func TestSlowConsumerKeepsLatestSnapshot(t *testing.T) {
	live := &scriptedLive{}
	m := NewSubscriptionManager(live, WithSnapshotBuffer(1), WithRetryPolicy(fastRetry))
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), SubscribeInput{Path: schemas.Posts})
	require.NoError(t, err)

	feed := live.feed(t, 0)
	const n = 5
	for i := 1; i <= n; i++ {
		feed <- domain.Window{Records: []minisocial.Record{{ID: "p", Timestamp: int64(i)}}}
	}

	require.Eventually(t, func() bool { return sub.Dropped() == n-1 }, time.Second, time.Millisecond)

	snap := nextSnapshot(t, sub)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, int64(n), snap.Records[0].Timestamp)
}

func TestClosedFeedReconnects(t *testing.T) {
	live := &scriptedLive{}
	m := NewSubscriptionManager(live, WithRetryPolicy(fastRetry))
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), SubscribeInput{Path: schemas.Posts})
	require.NoError(t, err)

	close(live.feed(t, 0))

	snap := nextSnapshot(t, sub)
	assert.ErrorIs(t, snap.Err, domain.ErrConnection)

	live.feed(t, 1) <- domain.Window{}
	snap = nextSnapshot(t, sub)
	assert.True(t, snap.OK())
	assert.Equal(t, int32(2), live.opens.Load())
}

func TestManagerCloseEndsEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var subs []*Subscription
	for range 3 {
		sub, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts})
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	assert.Equal(t, 3, env.subscriptions.Active())

	env.subscriptions.Close()

	for _, sub := range subs {
		_, ok := <-sub.Snapshots()
		assert.False(t, ok)
	}
	assert.Equal(t, 0, env.subscriptions.Active())

	_, err := env.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts})
	assert.Error(t, err)
}
