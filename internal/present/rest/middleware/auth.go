package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/internal/service"
)

var tracer = otel.Tracer("auth")

type AuthMiddleware struct {
	auth *service.AuthService
}

func NewAuthMiddleware(
	auth *service.AuthService,
) *AuthMiddleware {
	return &AuthMiddleware{
		auth: auth,
	}
}

// IdentifyIdentity stores the bearer token's subject in the request
// context. Requests without a valid token pass through anonymously.
func (s *AuthMiddleware) IdentifyIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, span := tracer.Start(c.Request().Context(), "Auth.Middleware.IdentifyIdentity")
		defer span.End()

		token, err := bearerToken(c)
		if err != nil {
			span.RecordError(err)
		} else if token != "" {
			result, err := s.auth.AuthJwt(ctx, token)
			if err != nil {
				span.RecordError(errors.Wrap(err, "AuthMiddleware.IdentifyIdentity: s.auth.AuthJwt failed"))
			} else {
				ctx = context.WithValue(ctx, domain.RequesterIdCtxKey, result.UserID)
				span.SetAttributes(attribute.String("RequesterId", result.UserID))
			}
		}

		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter used by websocket clients.
func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("authorization")
	if authHeader == "" {
		return c.QueryParam("token"), nil
	}

	split := strings.Split(authHeader, " ")
	if len(split) != 2 {
		return "", fmt.Errorf("invalid authentication header")
	}
	authType, token := split[0], split[1]
	if authType != "Bearer" {
		return "", fmt.Errorf("only Bearer is acceptable")
	}
	return token, nil
}

// RequesterID returns the authenticated user of the request, if any.
func RequesterID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(domain.RequesterIdCtxKey).(string)
	return id, ok && id != ""
}

// RequireIdentity rejects anonymous requests.
func RequireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok := RequesterID(c.Request().Context()); !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		return next(c)
	}
}
