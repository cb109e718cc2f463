package apierr

import (
	"context"
	"errors"
	"net/http"
	"testing"

	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidArgument:   http.StatusBadRequest,
		CodeUnauthenticated:   http.StatusUnauthorized,
		CodePermissionDenied:  http.StatusForbidden,
		CodeNotFound:          http.StatusNotFound,
		CodeConflict:          http.StatusConflict,
		CodeResourceExhausted: http.StatusTooManyRequests,
		CodeTimeout:           http.StatusGatewayTimeout,
		CodeUnavailable:       http.StatusServiceUnavailable,
		CodeInternal:          http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}

func TestFrom_StoreErrors(t *testing.T) {
	require.Equal(t, CodeNotFound, From(&registrystore.NotFoundError{Resource: "memory", ID: "x"}).Code)
	require.Equal(t, CodeInvalidArgument, From(&registrystore.ValidationError{Field: "scope", Message: "bad"}).Code)
	require.Equal(t, CodePermissionDenied, From(&registrystore.ForbiddenError{}).Code)
	require.Equal(t, CodeUnavailable, From(&registrystore.UnavailableError{Cause: errors.New("down")}).Code)

	conflict := From(&registrystore.ConflictError{Message: "dup", Details: map[string]interface{}{"content_hash": "abc"}})
	require.Equal(t, CodeConflict, conflict.Code)
	require.Equal(t, "dup", conflict.Message)
	require.Equal(t, "abc", conflict.Details["content_hash"])
}

func TestFrom_PassesThroughAPIErrors(t *testing.T) {
	in := New(CodeResourceExhausted, "queue is full")
	require.Same(t, in, From(in))
}

func TestFrom_Timeout(t *testing.T) {
	require.Equal(t, CodeTimeout, From(context.DeadlineExceeded).Code)
}

func TestFrom_UnknownErrorsBecomeInternal(t *testing.T) {
	out := From(errors.New("pq: connection reset"))
	require.Equal(t, CodeInternal, out.Code)
	// The underlying cause never leaks to the client.
	require.Equal(t, "internal error", out.Message)
	require.NotEmpty(t, out.Details["correlation_id"])
}

func TestFrom_WrappedErrors(t *testing.T) {
	wrapped := errors.Join(errors.New("outer"), &registrystore.NotFoundError{Resource: "job", ID: "j1"})
	require.Equal(t, CodeNotFound, From(wrapped).Code)
}
