package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/inbound"
	"github.com/austindbirch/harbor_relay/internal/store"
)

// Error is rendered as {"error_code","message"}.
type Error struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(status int, code, msg string) *Error {
	return &Error{Code: code, Message: msg, HTTPStatus: status}
}

func validation(msg string) *Error {
	return newError(http.StatusBadRequest, "validation_error", msg)
}

func notFound(what string) *Error {
	return newError(http.StatusNotFound, "not_found", what+" not found")
}

// toError maps domain errors onto API errors. Unknown errors become 500s
// without leaking their text.
func toError(err error) *Error {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, store.ErrNotFound):
		return notFound("resource")
	case errors.Is(err, store.ErrInvalidPage):
		return newError(http.StatusBadRequest, "invalid_page_token", "page_token is invalid")
	case errors.Is(err, delivery.ErrEndpointURL),
		errors.Is(err, delivery.ErrEndpointEventTypes),
		errors.Is(err, delivery.ErrEndpointTenant):
		return validation(err.Error())
	case errors.Is(err, store.ErrEventConflict):
		return newError(http.StatusConflict, "event_conflict", "event_id is already used by another event")
	case errors.Is(err, delivery.ErrEndpointDisabled):
		return newError(http.StatusConflict, "endpoint_disabled", "endpoint is disabled")
	case errors.Is(err, inbound.ErrBadRequest):
		return newError(http.StatusBadRequest, "bad_request", err.Error())
	}
	return &Error{Code: "internal_error", Message: "internal server error", HTTPStatus: http.StatusInternalServerError, Err: err}
}

func (s *Server) fail(c *gin.Context, err error) {
	apiErr := toError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		s.logger.WithContext(c.Request.Context()).WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.AbortWithStatusJSON(apiErr.HTTPStatus, apiErr)
}
