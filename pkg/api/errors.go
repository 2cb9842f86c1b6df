package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/params"
	"github.com/maestro-ai/maestro/pkg/services"
)

// ErrorResponse is the wire shape of every error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ValidationFailedResponse is returned when parameters violate an agent's
// schema: the full schema plus one entry per violation.
type ValidationFailedResponse struct {
	Error            string               `json:"error"`
	Message          string               `json:"message"`
	Schema           models.JSONMap       `json:"schema,omitempty"`
	ValidationErrors []params.ErrorDetail `json:"validation_errors"`
}

// mapServiceError writes the structured error body for a service-layer error.
func mapServiceError(c *echo.Context, err error) error {
	var schemaErr *params.SchemaError
	if errors.As(err, &schemaErr) {
		return c.JSON(http.StatusBadRequest, &ValidationFailedResponse{
			Error:            "validation_failed",
			Message:          "parameters do not satisfy the agent's schema",
			Schema:           schemaErr.Schema,
			ValidationErrors: schemaErr.Errors,
		})
	}

	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{
			Error:   "validation_error",
			Message: validErr.Error(),
		})
	}

	switch {
	case errors.Is(err, services.ErrNotFound):
		return c.JSON(http.StatusNotFound, &ErrorResponse{
			Error:   "not_found",
			Message: "resource not found",
		})
	case errors.Is(err, services.ErrResultNotReady):
		return c.JSON(http.StatusNotFound, &ErrorResponse{
			Error:   "result_not_ready",
			Message: "session has not reached a terminal state",
		})
	case errors.Is(err, services.ErrAlreadyExists):
		return c.JSON(http.StatusConflict, &ErrorResponse{
			Error:   "conflict",
			Message: "resource already exists",
		})
	case errors.Is(err, services.ErrSessionTerminal):
		return c.JSON(http.StatusConflict, &ErrorResponse{
			Error:   "session_terminal",
			Message: "session has reached a terminal state and accepts no further events",
		})
	case errors.Is(err, services.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, &ErrorResponse{
			Error:   "invalid_transition",
			Message: "the requested state transition is not allowed",
		})
	}

	slog.Error("Unexpected service error", "error", err)
	return c.JSON(http.StatusInternalServerError, &ErrorResponse{
		Error:   "internal_error",
		Message: "internal server error",
	})
}
