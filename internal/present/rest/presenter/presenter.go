package presenter

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/totegamma/minisocial/internal/domain"
)

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error ErrorBody `json:"error"`
}

// OK wraps a successful response.
func OK(c echo.Context, payload any) error {
	return c.JSON(http.StatusOK, payload)
}

func Created(c echo.Context, payload any) error {
	return c.JSON(http.StatusCreated, payload)
}

func NoContent(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

func BadRequestMessage(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: ErrorBody{Kind: "validation", Message: msg}})
}

// StatusOf maps a domain error kind to an HTTP status.
func StatusOf(err error) int {
	switch domain.Kind(err) {
	case "not_found":
		return http.StatusNotFound
	case "permission_denied":
		return http.StatusForbidden
	case "validation":
		return http.StatusBadRequest
	case "conflict":
		return http.StatusConflict
	case "connection":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the wire form of err.
func Body(err error) ErrorBody {
	return ErrorBody{Kind: domain.Kind(err), Message: err.Error()}
}

// Error writes err with the status of its kind and records it on the
// request span.
func Error(c echo.Context, err error) error {
	ctx := c.Request().Context()
	trace.SpanFromContext(ctx).RecordError(err)

	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(
			ctx, "request failed",
			slog.String("path", c.Path()),
			slog.String("error", err.Error()),
			slog.String("module", "rest"),
		)
	}
	return c.JSON(status, errorResponse{Error: Body(err)})
}
