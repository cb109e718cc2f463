package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Code is one of the closed set of API error codes.
type Code string

const (
	CodeInvalidArgument   Code = "invalid_argument"
	CodeUnauthenticated   Code = "unauthenticated"
	CodePermissionDenied  Code = "permission_denied"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeTimeout           Code = "timeout"
	CodeUnavailable       Code = "unavailable"
	CodeInternal          Code = "internal"
)

// Error is an API error carrying one of the closed error codes.
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an API error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// From classifies any error into an *Error with one of the closed codes.
// Unexpected errors become "internal" with a correlation id; the cause is
// logged server-side and never leaks to the client.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var notFound *registrystore.NotFoundError
	if errors.As(err, &notFound) {
		return New(CodeNotFound, "%s", notFound.Error())
	}
	var validation *registrystore.ValidationError
	if errors.As(err, &validation) {
		return New(CodeInvalidArgument, "%s", validation.Error())
	}
	var conflict *registrystore.ConflictError
	if errors.As(err, &conflict) {
		return &Error{Code: CodeConflict, Message: conflict.Message, Details: conflict.Details}
	}
	var forbidden *registrystore.ForbiddenError
	if errors.As(err, &forbidden) {
		return New(CodePermissionDenied, "forbidden")
	}
	var unavailable *registrystore.UnavailableError
	if errors.As(err, &unavailable) {
		return New(CodeUnavailable, "a required dependency is unavailable")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(CodeTimeout, "request deadline exceeded")
	}

	correlationID := uuid.New().String()
	log.Error("internal error", "correlation_id", correlationID, "error", err)
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Details: map[string]interface{}{"correlation_id": correlationID},
	}
}

// Write renders err as the JSON error envelope and aborts the request.
func Write(c *gin.Context, err error) {
	apiErr := From(err)
	c.AbortWithStatusJSON(HTTPStatus(apiErr.Code), gin.H{"error": apiErr})
}
