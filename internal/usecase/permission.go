package usecase

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/policy"
	"github.com/totegamma/minisocial/schemas"
)

// PermissionGate answers role based permission checks from the user's
// stored role.
type PermissionGate struct {
	repo  RecordRepository
	cache RoleCache
}

// NewPermissionGate builds a gate. cache may be nil.
func NewPermissionGate(repo RecordRepository, cache RoleCache) *PermissionGate {
	return &PermissionGate{repo: repo, cache: cache}
}

// Role returns the effective role of uid. A user without a profile, or
// with an unknown role, is a plain user.
func (g *PermissionGate) Role(ctx context.Context, uid string) (policy.Role, error) {
	ctx, span := tracer.Start(ctx, "Usecase.Permission.Role")
	defer span.End()

	if err := minisocial.ValidateKey(uid); err != nil {
		err := domain.ValidationError{Field: "userId", Reason: err.Error()}
		span.RecordError(err)
		return "", err
	}

	if g.cache != nil {
		if role, ok := g.cache.Get(uid); ok {
			span.SetAttributes(attribute.Bool("cached", true))
			return policy.ParseRole(role), nil
		}
	}

	role := policy.RoleUser
	rec, err := g.repo.Get(ctx, schemas.Users, uid)
	switch {
	case err == nil:
		role = policy.ParseRole(rec.String(schemas.FieldRole))
	case errors.Is(err, domain.ErrNotFound):
	default:
		span.RecordError(err)
		return "", err
	}

	if g.cache != nil {
		g.cache.Set(uid, string(role))
	}
	return role, nil
}

// Authorize reports whether uid holds perm. Any failure to determine the
// role denies.
func (g *PermissionGate) Authorize(ctx context.Context, uid string, perm policy.Permission) bool {
	role, err := g.Role(ctx, uid)
	if err != nil {
		slog.WarnContext(
			ctx, "permission check failed",
			slog.String("user", uid),
			slog.String("permission", string(perm)),
			slog.String("error", err.Error()),
			slog.String("module", "permission"),
		)
		return false
	}
	return policy.Granted(role, perm)
}

// Require is Authorize returning a domain.PermissionDeniedError.
func (g *PermissionGate) Require(ctx context.Context, uid string, perm policy.Permission) error {
	if g.Authorize(ctx, uid, perm) {
		return nil
	}
	return domain.PermissionDeniedError{UserID: uid, Permission: string(perm)}
}

// Invalidate drops any cached role for uid.
func (g *PermissionGate) Invalidate(uid string) {
	if g.cache != nil {
		g.cache.Delete(uid)
	}
}
