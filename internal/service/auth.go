package service

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/jwt"
)

var tracer = otel.Tracer("auth")

type AuthService struct {
	config domain.Config
}

func NewAuthService(
	config domain.Config,
) *AuthService {
	return &AuthService{
		config: config,
	}
}

type AuthResult struct {
	UserID string
}

func (s *AuthService) AuthJwt(ctx context.Context, token string) (*AuthResult, error) {
	ctx, span := tracer.Start(ctx, "Auth.Service.AuthJwt")
	defer span.End()

	claims, err := jwt.Validate(token, s.config.FQDN, s.config.JwtSecret)
	if err != nil {
		span.RecordError(errors.Wrap(err, "jwt validation failed"))
		return nil, err
	}

	if s.config.JwtIssuer != "" && claims.Issuer != s.config.JwtIssuer {
		err := fmt.Errorf("jwt issuer mismatch: expected %s, got %s", s.config.JwtIssuer, claims.Issuer)
		span.RecordError(err)
		return nil, err
	}

	if err := minisocial.ValidateKey(claims.Subject); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("invalid subject")
	}

	return &AuthResult{UserID: claims.Subject}, nil
}

// IssueToken signs a bearer token for userID.
func (s *AuthService) IssueToken(ctx context.Context, userID string) (string, error) {
	_, span := tracer.Start(ctx, "Auth.Service.IssueToken")
	defer span.End()

	if err := minisocial.ValidateKey(userID); err != nil {
		return "", domain.ValidationError{Field: "userId", Reason: err.Error()}
	}

	token, err := jwt.Create(userID, s.config.JwtIssuer, s.config.FQDN, s.config.TokenTTL, s.config.JwtSecret)
	if err != nil {
		span.RecordError(err)
		return "", errors.Wrap(err, "failed to sign token")
	}
	return token, nil
}
