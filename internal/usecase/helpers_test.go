package usecase

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/internal/infra/memory"
	"github.com/totegamma/minisocial/policy"
)

var fastRetry = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

// steppingClock advances one millisecond per reading so that every write in
// a test has a distinct timestamp.
func steppingClock() func() time.Time {
	var n atomic.Int64
	base := time.UnixMilli(1700000000000)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

type testEnv struct {
	store         *memory.Store
	records       *RecordUsecase
	subscriptions *SubscriptionManager
	gate          *PermissionGate
	conversations *ConversationUsecase
	messages      *MessageUsecase
	posts         *PostUsecase
	comments      *CommentUsecase
	moderation    *ModerationUsecase
	users         *UserUsecase
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore()
	records := NewRecordUsecase(store, NewClock(steppingClock()))
	subs := NewSubscriptionManager(store, WithRetryPolicy(fastRetry))
	t.Cleanup(subs.Close)
	gate := NewPermissionGate(store, nil)
	config := domain.Config{PostsLimit: 20, MessagesLimit: 50}

	return &testEnv{
		store:         store,
		records:       records,
		subscriptions: subs,
		gate:          gate,
		conversations: NewConversationUsecase(records),
		messages:      NewMessageUsecase(records, subs, config),
		posts:         NewPostUsecase(records, subs, config),
		comments:      NewCommentUsecase(records, subs),
		moderation:    NewModerationUsecase(records, gate),
		users:         NewUserUsecase(records, subs, gate),
	}
}

func (e *testEnv) withRole(t *testing.T, uid string, role policy.Role) {
	t.Helper()
	require.NoError(t, e.users.CreateUserWithRole(context.Background(), uid, uid+"@example.com", role))
}

// nextSnapshot waits for the next snapshot on sub.
func nextSnapshot(t *testing.T, sub *Subscription) domain.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		require.True(t, ok, "subscription ended")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return domain.Snapshot{}
	}
}

// awaitSnapshot skips snapshots until one satisfies match.
func awaitSnapshot(t *testing.T, sub *Subscription, match func(domain.Snapshot) bool) domain.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-sub.Snapshots():
			require.True(t, ok, "subscription ended")
			if match(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return domain.Snapshot{}
		}
	}
}

// drain reads until the subscription ends and returns what it saw.
func drain(t *testing.T, sub *Subscription) []domain.Snapshot {
	t.Helper()
	var seen []domain.Snapshot
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-sub.Snapshots():
			if !ok {
				return seen
			}
			seen = append(seen, snap)
		case <-deadline:
			t.Fatal("subscription did not end")
			return seen
		}
	}
}

func hasLen(n int) func(domain.Snapshot) bool {
	return func(s domain.Snapshot) bool {
		return s.OK() && len(s.Records) == n
	}
}
