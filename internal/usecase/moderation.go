package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/policy"
	"github.com/totegamma/minisocial/schemas"
)

// ModerationUsecase drives the pending -> approved|rejected workflow and
// featuring. Every operation checks the actor's permission first.
type ModerationUsecase struct {
	records *RecordUsecase
	gate    *PermissionGate
}

func NewModerationUsecase(records *RecordUsecase, gate *PermissionGate) *ModerationUsecase {
	return &ModerationUsecase{records: records, gate: gate}
}

var pendingOnly = map[string]any{schemas.FieldStatus: schemas.StatusPending}

// transition moves a pending record out of pending. A record that is
// missing or already moderated yields NotFound or Conflict.
func (uc *ModerationUsecase) transition(ctx context.Context, path, id string, fields map[string]any) error {
	err := uc.records.UpdateIf(ctx, path, id, fields, pendingOnly)
	if errors.Is(err, domain.ErrConflict) {
		current, getErr := uc.records.Get(ctx, path, id)
		if getErr == nil {
			return domain.ConflictError{
				Resource: minisocial.ComposePath(path, id),
				Reason:   "status is " + current.String(schemas.FieldStatus),
			}
		}
	}
	return err
}

func (uc *ModerationUsecase) approve(ctx context.Context, actor, path, id string) error {
	now := uc.records.Now()
	err := uc.transition(ctx, path, id, map[string]any{
		schemas.FieldStatus:     schemas.StatusApproved,
		schemas.FieldApprovedBy: actor,
		schemas.FieldApprovedAt: now,
	})
	if err != nil {
		return err
	}
	slog.InfoContext(
		ctx, "approved",
		slog.String("path", path),
		slog.String("id", id),
		slog.String("moderator", actor),
		slog.String("module", "moderation"),
	)
	return nil
}

func (uc *ModerationUsecase) reject(ctx context.Context, actor, path, id, reason string) error {
	now := uc.records.Now()
	fields := map[string]any{
		schemas.FieldStatus:     schemas.StatusRejected,
		schemas.FieldRejectedBy: actor,
		schemas.FieldRejectedAt: now,
	}
	if reason != "" {
		fields[schemas.FieldRejectionReason] = reason
	}
	err := uc.transition(ctx, path, id, fields)
	if err != nil {
		return err
	}
	slog.InfoContext(
		ctx, "rejected",
		slog.String("path", path),
		slog.String("id", id),
		slog.String("moderator", actor),
		slog.String("module", "moderation"),
	)
	return nil
}

func (uc *ModerationUsecase) pending(ctx context.Context, path string) ([]minisocial.Record, error) {
	return uc.records.Find(ctx, domain.Query{Path: path, Equals: pendingOnly})
}

func (uc *ModerationUsecase) ApprovePost(ctx context.Context, actor, postID string) error {
	if err := uc.gate.Require(ctx, actor, policy.ManagePosts); err != nil {
		return err
	}
	return uc.approve(ctx, actor, schemas.Posts, postID)
}

func (uc *ModerationUsecase) RejectPost(ctx context.Context, actor, postID, reason string) error {
	if err := uc.gate.Require(ctx, actor, policy.ManagePosts); err != nil {
		return err
	}
	return uc.reject(ctx, actor, schemas.Posts, postID, reason)
}

// DeletePost removes a post and its comments.
func (uc *ModerationUsecase) DeletePost(ctx context.Context, actor, postID string) error {
	if err := uc.gate.Require(ctx, actor, policy.ManagePosts); err != nil {
		return err
	}
	return removePost(ctx, uc.records, postID)
}

// PendingPosts lists posts awaiting review, newest first.
func (uc *ModerationUsecase) PendingPosts(ctx context.Context, actor string) ([]minisocial.Record, error) {
	if err := uc.gate.Require(ctx, actor, policy.ManagePosts); err != nil {
		return nil, err
	}
	return uc.pending(ctx, schemas.Posts)
}

// ToggleFeaturedPost marks or unmarks a post as featured.
func (uc *ModerationUsecase) ToggleFeaturedPost(ctx context.Context, actor, postID string, featured bool) error {
	if err := uc.gate.Require(ctx, actor, policy.ManageContent); err != nil {
		return err
	}

	fields := map[string]any{
		schemas.FieldIsFeatured: featured,
		schemas.FieldFeaturedAt: nil,
		schemas.FieldFeaturedBy: nil,
	}
	if featured {
		fields[schemas.FieldFeaturedAt] = uc.records.Now()
		fields[schemas.FieldFeaturedBy] = actor
	}
	return uc.records.Update(ctx, schemas.Posts, postID, fields)
}

func (uc *ModerationUsecase) ApproveComment(ctx context.Context, actor, postID, commentID string) error {
	if err := uc.gate.Require(ctx, actor, policy.ManageComments); err != nil {
		return err
	}
	return uc.approve(ctx, actor, schemas.CommentsPath(postID), commentID)
}

func (uc *ModerationUsecase) RejectComment(ctx context.Context, actor, postID, commentID, reason string) error {
	if err := uc.gate.Require(ctx, actor, policy.ManageComments); err != nil {
		return err
	}
	return uc.reject(ctx, actor, schemas.CommentsPath(postID), commentID, reason)
}

func (uc *ModerationUsecase) DeleteComment(ctx context.Context, actor, postID, commentID string) error {
	if err := uc.gate.Require(ctx, actor, policy.ManageComments); err != nil {
		return err
	}
	return uc.records.Remove(ctx, schemas.CommentsPath(postID), commentID)
}

func (uc *ModerationUsecase) PendingComments(ctx context.Context, actor, postID string) ([]minisocial.Record, error) {
	if err := uc.gate.Require(ctx, actor, policy.ManageComments); err != nil {
		return nil, err
	}
	return uc.pending(ctx, schemas.CommentsPath(postID))
}
