package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/jwt"
)

var testConfig = domain.Config{
	FQDN:      "social.example.com",
	JwtSecret: "secret",
	JwtIssuer: "minisocial",
	TokenTTL:  time.Hour,
}

func TestAuthJwtRoundTrip(t *testing.T) {
	s := NewAuthService(testConfig)
	ctx := context.Background()

	token, err := s.IssueToken(ctx, "alice")
	require.NoError(t, err)

	result, err := s.AuthJwt(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", result.UserID)
}

func TestAuthJwtRejects(t *testing.T) {
	s := NewAuthService(testConfig)
	ctx := context.Background()

	wrongAudience, err := jwt.Create("alice", "minisocial", "other.example.com", time.Hour, "secret")
	require.NoError(t, err)
	_, err = s.AuthJwt(ctx, wrongAudience)
	assert.Error(t, err)

	wrongIssuer, err := jwt.Create("alice", "someone", "social.example.com", time.Hour, "secret")
	require.NoError(t, err)
	_, err = s.AuthJwt(ctx, wrongIssuer)
	assert.Error(t, err)

	wrongSecret, err := jwt.Create("alice", "minisocial", "social.example.com", time.Hour, "nope")
	require.NoError(t, err)
	_, err = s.AuthJwt(ctx, wrongSecret)
	assert.Error(t, err)

	badSubject, err := jwt.Create("a/b", "minisocial", "social.example.com", time.Hour, "secret")
	require.NoError(t, err)
	_, err = s.AuthJwt(ctx, badSubject)
	assert.Error(t, err)

	_, err = s.IssueToken(ctx, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
