package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/internal/present/rest/middleware"
	"github.com/totegamma/minisocial/internal/present/rest/presenter"
	"github.com/totegamma/minisocial/internal/usecase"
	"github.com/totegamma/minisocial/policy"
	"github.com/totegamma/minisocial/schemas"
)

const maxListLimit = 200

type Handler struct {
	config        domain.Config
	posts         *usecase.PostUsecase
	comments      *usecase.CommentUsecase
	conversations *usecase.ConversationUsecase
	messages      *usecase.MessageUsecase
	moderation    *usecase.ModerationUsecase
	users         *usecase.UserUsecase
}

func NewHandler(
	config domain.Config,
	posts *usecase.PostUsecase,
	comments *usecase.CommentUsecase,
	conversations *usecase.ConversationUsecase,
	messages *usecase.MessageUsecase,
	moderation *usecase.ModerationUsecase,
	users *usecase.UserUsecase,
) *Handler {
	return &Handler{
		config:        config,
		posts:         posts,
		comments:      comments,
		conversations: conversations,
		messages:      messages,
		moderation:    moderation,
		users:         users,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")
	auth := middleware.RequireIdentity

	api.GET("/posts", h.handleListPosts)
	api.POST("/posts", h.handleCreatePost, auth)
	api.GET("/posts/:id", h.handleGetPost)
	api.PATCH("/posts/:id", h.handleUpdatePost, auth)
	api.DELETE("/posts/:id", h.handleDeletePost, auth)
	api.POST("/posts/:id/approve", h.handleApprovePost, auth)
	api.POST("/posts/:id/reject", h.handleRejectPost, auth)
	api.POST("/posts/:id/featured", h.handleFeaturePost, auth)

	api.GET("/posts/:id/comments", h.handleListComments)
	api.POST("/posts/:id/comments", h.handleAddComment, auth)
	api.POST("/posts/:id/comments/:cid/approve", h.handleApproveComment, auth)
	api.POST("/posts/:id/comments/:cid/reject", h.handleRejectComment, auth)
	api.DELETE("/posts/:id/comments/:cid", h.handleDeleteComment, auth)

	api.GET("/moderation/posts", h.handlePendingPosts, auth)
	api.GET("/moderation/posts/:id/comments", h.handlePendingComments, auth)

	api.POST("/conversations", h.handleGetOrCreateConversation, auth)
	api.GET("/conversations/:id/messages", h.handleListMessages, auth)
	api.POST("/conversations/:id/messages", h.handleSendMessage, auth)

	api.GET("/me", h.handleMe, auth)
	api.GET("/users/:id", h.handleGetUser)
	api.PUT("/users/:id", h.handleUpdateUser, auth)
	api.PUT("/users/:id/role", h.handleUpdateRole, auth)

	e.GET("/realtime", h.handleRealtime)
}

func requester(c echo.Context) string {
	id, _ := middleware.RequesterID(c.Request().Context())
	return id
}

func parseLimit(c echo.Context) (int, error) {
	limitStr := c.QueryParam("limit")
	if limitStr == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit parameter")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func bindFields(c echo.Context) (map[string]any, error) {
	fields := map[string]any{}
	if err := c.Bind(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (h *Handler) handleListPosts(c echo.Context) error {
	ctx := c.Request().Context()

	limit, err := parseLimit(c)
	if err != nil {
		return presenter.BadRequestMessage(c, err.Error())
	}

	posts, err := h.posts.List(ctx, limit)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, posts)
}

func (h *Handler) handleCreatePost(c echo.Context) error {
	ctx := c.Request().Context()

	fields, err := bindFields(c)
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid body")
	}
	fields[schemas.FieldUserID] = requester(c)

	id, err := h.posts.Create(ctx, fields)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.Created(c, echo.Map{"id": id})
}

func (h *Handler) handleGetPost(c echo.Context) error {
	ctx := c.Request().Context()

	post, err := h.posts.Get(ctx, c.Param("id"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, post)
}

func (h *Handler) handleUpdatePost(c echo.Context) error {
	ctx := c.Request().Context()

	fields, err := bindFields(c)
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid body")
	}

	err = h.posts.Update(ctx, requester(c), c.Param("id"), fields)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.NoContent(c)
}

// handleDeletePost lets authors remove their own posts and sends everyone
// else through the moderation permission check.
func (h *Handler) handleDeletePost(c echo.Context) error {
	ctx := c.Request().Context()
	uid := requester(c)
	id := c.Param("id")

	post, err := h.posts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return presenter.NoContent(c)
		}
		return presenter.Error(c, err)
	}

	if post.String(schemas.FieldUserID) == uid {
		err = h.posts.Delete(ctx, uid, id)
	} else {
		err = h.moderation.DeletePost(ctx, uid, id)
	}
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.NoContent(c)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type featureRequest struct {
	Featured bool `json:"featured"`
}

func (h *Handler) handleApprovePost(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.moderation.ApprovePost(ctx, requester(c), c.Param("id"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.NoContent(c)
}

func (h *Handler) handleRejectPost(c echo.Context) error {
	ctx := c.Request().Context()

	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequestMessage(c, "invalid body")
	}

	err := h.moderation.RejectPost(ctx, requester(c), c.Param("id"), req.Reason)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.NoContent(c)
}

func (h *Handler) handleFeaturePost(c echo.Context) error {
	ctx := c.Request().Context()

	var req featureRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequestMessage(c, "invalid body")
	}

	err := h.moderation.ToggleFeaturedPost(ctx, requester(c), c.Param("id"), req.Featured)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.NoContent(c)
}

func (h *Handler) handleListComments(c echo.Context) error {
	ctx := c.Request().Context()

	comments, err := h.comments.List(ctx, c.Param("id"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, comments)
}

func (h *Handler) handleAddComment(c echo.Context) error {
	ctx := c.Request().Context()

	fields, err := bindFields(c)
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid body")
	}
	fields[schemas.FieldUserID] = requester(c)

	id, err := h.comments.Add(ctx, c.Param("id"), fields)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.Created(c, echo.Map{"id": id})
}

func (h *Handler) handleApproveComment(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.moderation.ApproveComment(ctx, requester(c), c.Param("id"), c.Param("cid"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.NoContent(c)
}

func (h *Handler) handleRejectComment(c echo.Context) error {
	ctx := c.Request().Context()

	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequestMessage(c, "invalid body")
	}

	err := h.moderation.RejectComment(ctx, requester(c), c.Param("id"), c.Param("cid"), req.Reason)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.NoContent(c)
}

func (h *Handler) handleDeleteComment(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.moderation.DeleteComment(ctx, requester(c), c.Param("id"), c.Param("cid"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.NoContent(c)
}

func (h *Handler) handlePendingPosts(c echo.Context) error {
	ctx := c.Request().Context()

	posts, err := h.moderation.PendingPosts(ctx, requester(c))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, posts)
}

func (h *Handler) handlePendingComments(c echo.Context) error {
	ctx := c.Request().Context()

	comments, err := h.moderation.PendingComments(ctx, requester(c), c.Param("id"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, comments)
}

type conversationRequest struct {
	Peer string `json:"peer"`
}

func (h *Handler) handleGetOrCreateConversation(c echo.Context) error {
	ctx := c.Request().Context()

	var req conversationRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequestMessage(c, "invalid body")
	}

	id, err := h.conversations.GetOrCreate(ctx, requester(c), req.Peer)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, echo.Map{"id": id})
}

// participantOf checks that uid may read the conversation.
func (h *Handler) participantOf(ctx context.Context, conversationID, uid string) error {
	conversation, err := h.conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !usecase.IsParticipant(conversation, uid) {
		return domain.PermissionDeniedError{UserID: uid, Permission: "read_messages"}
	}
	return nil
}

func (h *Handler) handleListMessages(c echo.Context) error {
	ctx := c.Request().Context()

	limit, err := parseLimit(c)
	if err != nil {
		return presenter.BadRequestMessage(c, err.Error())
	}
	if err := h.participantOf(ctx, c.Param("id"), requester(c)); err != nil {
		return presenter.Error(c, err)
	}

	messages, err := h.messages.List(ctx, c.Param("id"), limit)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, messages)
}

func (h *Handler) handleSendMessage(c echo.Context) error {
	ctx := c.Request().Context()

	fields, err := bindFields(c)
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid body")
	}
	text, _ := fields[schemas.FieldText].(string)
	delete(fields, schemas.FieldText)

	id, err := h.messages.Send(ctx, c.Param("id"), requester(c), text, fields)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.Created(c, echo.Map{"id": id})
}

func (h *Handler) handleMe(c echo.Context) error {
	ctx := c.Request().Context()

	uid := requester(c)
	role, err := h.users.CurrentRole(ctx, uid)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, echo.Map{
		"id":          uid,
		"role":        role,
		"permissions": policy.PermissionsOf(role),
	})
}

func (h *Handler) handleGetUser(c echo.Context) error {
	ctx := c.Request().Context()

	profile, err := h.users.GetProfile(ctx, c.Param("id"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, profile)
}

func (h *Handler) handleUpdateUser(c echo.Context) error {
	ctx := c.Request().Context()

	uid := c.Param("id")
	if uid != requester(c) {
		return presenter.Error(c, domain.PermissionDeniedError{UserID: requester(c), Permission: "edit_profile"})
	}

	fields, err := bindFields(c)
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid body")
	}

	if err := h.users.UpdateProfile(ctx, uid, fields); err != nil {
		return presenter.Error(c, err)
	}
	return presenter.NoContent(c)
}

type roleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) handleUpdateRole(c echo.Context) error {
	ctx := c.Request().Context()

	var req roleRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequestMessage(c, "invalid body")
	}

	err := h.users.UpdateUserRole(ctx, requester(c), c.Param("id"), policy.Role(req.Role))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.NoContent(c)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Request is a client frame on /realtime.
type Request struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Path  string `json:"path"`
	Key   string `json:"key"`
	Limit int    `json:"limit"`
}

// Response is a server frame on /realtime.
type Response struct {
	Type    string               `json:"type"`
	ID      string               `json:"id,omitempty"`
	Records []minisocial.Record  `json:"records,omitempty"`
	Error   *presenter.ErrorBody `json:"error,omitempty"`
}

func errorFrame(id string, err error) Response {
	body := presenter.Body(err)
	return Response{Type: "error", ID: id, Error: &body}
}

// openSubscription maps a realtime path onto the collection it watches so
// the collection's default window and read rules apply.
func (h *Handler) openSubscription(ctx context.Context, uid string, req Request) (*usecase.Subscription, error) {
	segments := minisocial.SplitPath(req.Path)
	switch {
	case len(segments) == 1 && segments[0] == schemas.Posts && req.Key == "":
		return h.posts.Subscribe(ctx, req.Limit)
	case len(segments) == 2 && segments[0] == schemas.Comments:
		return h.comments.Subscribe(ctx, segments[1])
	case len(segments) == 2 && segments[0] == schemas.Messages:
		if uid == "" {
			return nil, domain.PermissionDeniedError{UserID: uid, Permission: "read_messages"}
		}
		if err := h.participantOf(ctx, segments[1], uid); err != nil {
			return nil, err
		}
		return h.messages.Subscribe(ctx, segments[1], req.Limit)
	case len(segments) == 1 && segments[0] == schemas.Users && req.Key != "":
		return h.users.SubscribeProfile(ctx, req.Key)
	}
	return nil, domain.ValidationError{Field: "path", Reason: "unsupported realtime path " + req.Path}
}

func (h *Handler) handleRealtime(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"Failed to upgrade WebSocket",
			slog.String("error", err.Error()),
			slog.String("module", "socket"),
		)
		return err
	}
	defer func() {
		ws.Close()
	}()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	uid, _ := middleware.RequesterID(ctx)

	output := make(chan Response, 16)
	var mu sync.Mutex
	subs := map[string]*usecase.Subscription{}
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
	}()

	send := func(res Response) {
		select {
		case output <- res:
		case <-ctx.Done():
		}
	}

	forward := func(id string, sub *usecase.Subscription) {
		for snap := range sub.Snapshots() {
			if !snap.OK() {
				send(errorFrame(id, snap.Err))
				continue
			}
			send(Response{Type: "snapshot", ID: id, Records: snap.Records})
		}
	}

	quit := make(chan struct{})

	go func() {
		defer close(quit)
		for {
			var req Request
			err := ws.ReadJSON(&req)
			if err != nil {

				wsErr, ok := err.(*websocket.CloseError)
				if ok {
					if !(wsErr.Code == websocket.CloseNormalClosure || wsErr.Code == websocket.CloseGoingAway) {
						slog.DebugContext(
							ctx, "WebSocket closed",
							slog.String("error", wsErr.Error()),
							slog.String("module", "socket"),
						)
					}
				} else {
					slog.ErrorContext(
						ctx, "Error reading message",
						slog.String("error", err.Error()),
						slog.String("module", "socket"),
					)
				}
				return
			}

			switch req.Type {
			case "subscribe":
				if req.ID == "" {
					send(errorFrame("", domain.ValidationError{Field: "id", Reason: "required"}))
					continue
				}
				sub, err := h.openSubscription(ctx, uid, req)
				if err != nil {
					send(errorFrame(req.ID, err))
					continue
				}
				mu.Lock()
				if old, ok := subs[req.ID]; ok {
					old.Close()
				}
				subs[req.ID] = sub
				mu.Unlock()
				go forward(req.ID, sub)
				slog.DebugContext(
					ctx, fmt.Sprintf("Socket subscribe: %s", req.Path),
					slog.String("module", "socket"),
				)
			case "unsubscribe":
				mu.Lock()
				if sub, ok := subs[req.ID]; ok {
					sub.Close()
					delete(subs, req.ID)
				}
				mu.Unlock()
			case "h": // heartbeat
				// do nothing
			default:
				slog.InfoContext(
					ctx, "Unknown request type",
					slog.String("type", req.Type),
					slog.String("module", "socket"),
				)
			}
		}
	}()

	for {
		select {
		case <-quit:
			return nil
		case res := <-output:
			err := ws.WriteJSON(res)
			if err != nil {
				slog.ErrorContext(
					ctx, "Error writing message",
					slog.String("error", err.Error()),
					slog.String("module", "socket"),
				)
				return nil
			}
		}
	}
}
