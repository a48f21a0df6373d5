package http

import (
	"context"
	"errors"
	"net/http"

	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/runner"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSONError(c *gin.Context, status int, code, message string, fields map[string]string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: code, Message: message, Fields: fields})
}

// writeError maps a service error onto a status code and error body.
func writeError(c *gin.Context, err error) {
	var validation *orders.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSONError(c, http.StatusBadRequest, "validation_failed", "request failed validation", validation.Fields)
	case errors.Is(err, saga.ErrNotFound):
		writeJSONError(c, http.StatusNotFound, "not_found", "order not found", nil)
	case errors.Is(err, orders.ErrInvalidTransition):
		writeJSONError(c, http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, saga.ErrVersionConflict), errors.Is(err, saga.ErrAttemptPending):
		writeJSONError(c, http.StatusConflict, "conflict", "order changed concurrently; retry the request", nil)
	case errors.Is(err, runner.ErrLeaseHeld):
		writeJSONError(c, http.StatusServiceUnavailable, "busy", "order is being processed; retry shortly", nil)
	case orders.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(c, http.StatusServiceUnavailable, "unavailable", "a downstream service is unavailable; retry shortly", nil)
	default:
		_ = c.Error(err)
		writeJSONError(c, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
