package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/internal/infra/memory"
	"github.com/totegamma/minisocial/internal/present/rest"
	"github.com/totegamma/minisocial/internal/present/rest/middleware"
	"github.com/totegamma/minisocial/internal/service"
	"github.com/totegamma/minisocial/internal/usecase"
)

type fixture struct {
	url   string
	auth  *service.AuthService
	store *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	config := domain.Config{
		FQDN:      "social.example.com",
		JwtSecret: "client-secret",
		TokenTTL:  time.Hour,
	}

	store := memory.NewStore()
	records := usecase.NewRecordUsecase(store, nil)
	subs := usecase.NewSubscriptionManager(store)
	t.Cleanup(subs.Close)
	gate := usecase.NewPermissionGate(store, nil)

	h := rest.NewHandler(
		config,
		usecase.NewPostUsecase(records, subs, config),
		usecase.NewCommentUsecase(records, subs),
		usecase.NewConversationUsecase(records),
		usecase.NewMessageUsecase(records, subs, config),
		usecase.NewModerationUsecase(records, gate),
		usecase.NewUserUsecase(records, subs, gate),
	)

	auth := service.NewAuthService(config)
	e := echo.New()
	e.Use(middleware.NewAuthMiddleware(auth).IdentifyIdentity)
	h.RegisterRoutes(e)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &fixture{url: srv.URL, auth: auth, store: store}
}

func (f *fixture) clientFor(t *testing.T, uid string) *Client {
	t.Helper()
	c := New(f.url)
	if uid != "" {
		token, err := f.auth.IssueToken(context.Background(), uid)
		require.NoError(t, err)
		c.SetToken(token)
	}
	return c
}

func TestPostRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.clientFor(t, "alice")

	id, err := alice.CreatePost(ctx, map[string]any{"text": "hello"})
	require.NoError(t, err)

	post, err := alice.GetPost(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, post.ID)
	assert.Equal(t, "alice", post.String("userId"))
	assert.Equal(t, "pending", post.String("status"))

	require.NoError(t, alice.UpdatePost(ctx, id, map[string]any{"text": "edited"}))
	posts, err := alice.ListPosts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "edited", posts[0].String("text"))
}

func TestErrorsCarryKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.clientFor(t, "alice").GetPost(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Kind)

	_, err = f.clientFor(t, "").CreatePost(ctx, map[string]any{"text": "anon"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "unauthorized", apiErr.Kind)

	err = f.clientFor(t, "alice").ApprovePost(ctx, "whatever")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "permission_denied", apiErr.Kind)
}

func TestProfileCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.clientFor(t, "alice")

	require.NoError(t, alice.UpdateProfile(ctx, "alice", map[string]any{"displayName": "Alice"}))

	profile, err := alice.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", profile.String("displayName"))

	// a write behind the client's back is not seen until the entry expires
	other := f.clientFor(t, "alice")
	require.NoError(t, other.UpdateProfile(ctx, "alice", map[string]any{"displayName": "Changed"}))

	profile, err = alice.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", profile.String("displayName"))

	require.NoError(t, alice.UpdateProfile(ctx, "alice", map[string]any{"displayName": "Mine"}))
	profile, err = alice.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Mine", profile.String("displayName"))
}

func TestConversationStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.clientFor(t, "alice")
	bob := f.clientFor(t, "bob")

	id, err := alice.GetOrCreateConversation(ctx, "bob")
	require.NoError(t, err)

	stream, err := bob.Subscribe(ctx, "messages/"+id, "", 10)
	require.NoError(t, err)
	defer stream.Close()

	next := func() Snapshot {
		t.Helper()
		select {
		case snap, ok := <-stream.Snapshots():
			require.True(t, ok)
			return snap
		case <-time.After(2 * time.Second):
			t.Fatal("no snapshot")
			return Snapshot{}
		}
	}

	first := next()
	require.Nil(t, first.Err)
	assert.Empty(t, first.Records)

	_, err = alice.SendMessage(ctx, id, "ping")
	require.NoError(t, err)

	got := next()
	require.Nil(t, got.Err)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "ping", got.Records[0].String("text"))
	assert.Equal(t, "alice", got.Records[0].String("senderId"))
}

func TestStreamReportsDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.clientFor(t, "alice").GetOrCreateConversation(ctx, "bob")
	require.NoError(t, err)

	stream, err := f.clientFor(t, "carol").Subscribe(ctx, "messages/"+id, "", 0)
	require.NoError(t, err)
	defer stream.Close()

	select {
	case snap := <-stream.Snapshots():
		require.NotNil(t, snap.Err)
		assert.Equal(t, "permission_denied", snap.Err.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
	}
}
