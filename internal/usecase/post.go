package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/schemas"
)

// reserved lists fields only moderation may write.
var reserved = []string{
	schemas.FieldStatus,
	schemas.FieldApprovedBy,
	schemas.FieldApprovedAt,
	schemas.FieldRejectedBy,
	schemas.FieldRejectedAt,
	schemas.FieldRejectionReason,
	schemas.FieldIsFeatured,
	schemas.FieldFeaturedAt,
	schemas.FieldFeaturedBy,
}

func withoutReserved(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	for _, k := range reserved {
		delete(out, k)
	}
	return out
}

func requireAuthorAndText(fields map[string]any, authorField string) (string, error) {
	author, _ := fields[authorField].(string)
	if author == "" {
		return "", domain.ValidationError{Field: authorField, Reason: "required"}
	}
	text, _ := fields[schemas.FieldText].(string)
	if strings.TrimSpace(text) == "" {
		return "", domain.ValidationError{Field: schemas.FieldText, Reason: "must not be empty"}
	}
	return author, nil
}

type PostUsecase struct {
	records       *RecordUsecase
	subscriptions *SubscriptionManager
	defaultLimit  int
}

func NewPostUsecase(records *RecordUsecase, subscriptions *SubscriptionManager, config domain.Config) *PostUsecase {
	limit := config.PostsLimit
	if limit <= 0 {
		limit = domain.DefaultPostsLimit
	}
	return &PostUsecase{
		records:       records,
		subscriptions: subscriptions,
		defaultLimit:  limit,
	}
}

// Create stores a new post awaiting moderation.
func (uc *PostUsecase) Create(ctx context.Context, fields map[string]any) (string, error) {
	fields = withoutReserved(fields)
	if _, err := requireAuthorAndText(fields, schemas.FieldUserID); err != nil {
		return "", err
	}
	fields[schemas.FieldStatus] = schemas.StatusPending
	return uc.records.Append(ctx, schemas.Posts, fields)
}

func (uc *PostUsecase) Get(ctx context.Context, id string) (minisocial.Record, error) {
	return uc.records.Get(ctx, schemas.Posts, id)
}

func (uc *PostUsecase) List(ctx context.Context, limit int) ([]minisocial.Record, error) {
	if limit == 0 {
		limit = uc.defaultLimit
	}
	return uc.records.List(ctx, schemas.Posts, limit)
}

func (uc *PostUsecase) Subscribe(ctx context.Context, limit int) (*Subscription, error) {
	if limit == 0 {
		limit = uc.defaultLimit
	}
	return uc.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Posts, Limit: limit})
}

// Update lets the author edit their own post.
func (uc *PostUsecase) Update(ctx context.Context, actor, id string, fields map[string]any) error {
	post, err := uc.records.Get(ctx, schemas.Posts, id)
	if err != nil {
		return err
	}
	if post.String(schemas.FieldUserID) != actor {
		return domain.PermissionDeniedError{UserID: actor, Permission: "edit_post"}
	}

	fields = withoutReserved(fields)
	delete(fields, schemas.FieldUserID)
	delete(fields, minisocial.FieldTimestamp)
	if text, ok := fields[schemas.FieldText]; ok {
		if s, _ := text.(string); strings.TrimSpace(s) == "" {
			return domain.ValidationError{Field: schemas.FieldText, Reason: "must not be empty"}
		}
	}
	return uc.records.Update(ctx, schemas.Posts, id, fields)
}

// Delete lets the author remove their own post and its comments.
// Moderators go through ModerationUsecase.DeletePost.
func (uc *PostUsecase) Delete(ctx context.Context, actor, id string) error {
	post, err := uc.records.Get(ctx, schemas.Posts, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if post.String(schemas.FieldUserID) != actor {
		return domain.PermissionDeniedError{UserID: actor, Permission: "delete_post"}
	}
	return removePost(ctx, uc.records, id)
}

// removePost deletes the comments of a post, then the post itself, so an
// interrupted removal can be retried.
func removePost(ctx context.Context, records *RecordUsecase, postID string) error {
	comments, err := records.List(ctx, schemas.CommentsPath(postID), 0)
	if err != nil {
		return err
	}
	for _, c := range comments {
		if err := records.Remove(ctx, schemas.CommentsPath(postID), c.ID); err != nil {
			return err
		}
	}
	return records.Remove(ctx, schemas.Posts, postID)
}

type CommentUsecase struct {
	records       *RecordUsecase
	subscriptions *SubscriptionManager
}

func NewCommentUsecase(records *RecordUsecase, subscriptions *SubscriptionManager) *CommentUsecase {
	return &CommentUsecase{records: records, subscriptions: subscriptions}
}

// Add attaches a comment to a post. New comments await moderation.
func (uc *CommentUsecase) Add(ctx context.Context, postID string, fields map[string]any) (string, error) {
	fields = withoutReserved(fields)
	if _, err := requireAuthorAndText(fields, schemas.FieldUserID); err != nil {
		return "", err
	}
	if _, err := uc.records.Get(ctx, schemas.Posts, postID); err != nil {
		return "", err
	}
	fields[schemas.FieldStatus] = schemas.StatusPending
	return uc.records.Append(ctx, schemas.CommentsPath(postID), fields)
}

func (uc *CommentUsecase) List(ctx context.Context, postID string) ([]minisocial.Record, error) {
	return uc.records.List(ctx, schemas.CommentsPath(postID), 0)
}

// Subscribe opens a live view of every comment on postID.
func (uc *CommentUsecase) Subscribe(ctx context.Context, postID string) (*Subscription, error) {
	return uc.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.CommentsPath(postID)})
}
