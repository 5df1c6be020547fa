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

type UserUsecase struct {
	records       *RecordUsecase
	subscriptions *SubscriptionManager
	gate          *PermissionGate
}

func NewUserUsecase(records *RecordUsecase, subscriptions *SubscriptionManager, gate *PermissionGate) *UserUsecase {
	return &UserUsecase{
		records:       records,
		subscriptions: subscriptions,
		gate:          gate,
	}
}

func (uc *UserUsecase) GetProfile(ctx context.Context, uid string) (minisocial.Record, error) {
	return uc.records.Get(ctx, schemas.Users, uid)
}

// UpdateProfile replaces the profile of uid. Role and permissions are kept
// from the stored profile and cannot be set here.
func (uc *UserUsecase) UpdateProfile(ctx context.Context, uid string, fields map[string]any) error {
	role := policy.RoleUser
	current, err := uc.records.Get(ctx, schemas.Users, uid)
	switch {
	case err == nil:
		role = policy.ParseRole(current.String(schemas.FieldRole))
	case errors.Is(err, domain.ErrNotFound):
	default:
		return err
	}

	profile := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		profile[k] = v
	}
	profile[schemas.FieldRole] = string(role)
	profile[schemas.FieldPermissions] = policy.PermissionStrings(role)
	if createdAt, ok := current.Get(schemas.FieldCreatedAt); ok && err == nil {
		profile[schemas.FieldCreatedAt] = createdAt
	}

	return uc.records.Put(ctx, schemas.Users, uid, profile)
}

// SubscribeProfile opens a live view of a single profile. Snapshots hold
// zero or one record.
func (uc *UserUsecase) SubscribeProfile(ctx context.Context, uid string) (*Subscription, error) {
	return uc.subscriptions.Subscribe(ctx, SubscribeInput{Path: schemas.Users, Key: uid})
}

// CreateUserWithRole writes a fresh profile carrying role.
func (uc *UserUsecase) CreateUserWithRole(ctx context.Context, uid, email string, role policy.Role) error {
	if !role.Valid() {
		return domain.ValidationError{Field: schemas.FieldRole, Reason: "unknown role " + string(role)}
	}
	err := uc.records.Put(ctx, schemas.Users, uid, map[string]any{
		schemas.FieldEmail:       email,
		schemas.FieldRole:        string(role),
		schemas.FieldPermissions: policy.PermissionStrings(role),
		schemas.FieldCreatedAt:   uc.records.Now(),
	})
	if err != nil {
		return err
	}
	uc.gate.Invalidate(uid)
	return nil
}

// UpdateUserRole changes the role of uid. The actor needs manage_users.
func (uc *UserUsecase) UpdateUserRole(ctx context.Context, actor, uid string, role policy.Role) error {
	if err := uc.gate.Require(ctx, actor, policy.ManageUsers); err != nil {
		return err
	}
	if !role.Valid() {
		return domain.ValidationError{Field: schemas.FieldRole, Reason: "unknown role " + string(role)}
	}

	fields := map[string]any{
		schemas.FieldRole:        string(role),
		schemas.FieldPermissions: policy.PermissionStrings(role),
	}
	err := uc.records.Update(ctx, schemas.Users, uid, fields)
	if errors.Is(err, domain.ErrNotFound) {
		fields[schemas.FieldCreatedAt] = uc.records.Now()
		_, err = uc.records.Create(ctx, schemas.Users, uid, fields)
	}
	uc.gate.Invalidate(uid)
	if err != nil {
		return err
	}

	slog.InfoContext(
		ctx, "role updated",
		slog.String("user", uid),
		slog.String("role", string(role)),
		slog.String("by", actor),
		slog.String("module", "user"),
	)
	return nil
}

// CurrentRole returns the effective role of uid.
func (uc *UserUsecase) CurrentRole(ctx context.Context, uid string) (policy.Role, error) {
	return uc.gate.Role(ctx, uid)
}
