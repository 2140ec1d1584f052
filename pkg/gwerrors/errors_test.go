package gwerrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	e := New(NotFound, "template missing")
	require.Equal(t, "NotFound: template missing", e.Error())
}

func TestError_WrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(Internal, "store commit failed", cause)
	require.ErrorIs(t, e, cause)
	require.Contains(t, e.Error(), "boom")
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, New(BadInput, "x").HTTPStatus())
	require.Equal(t, http.StatusNotFound, New(NotFound, "x").HTTPStatus())
	require.Equal(t, http.StatusGatewayTimeout, New(Timeout, "x").HTTPStatus())
}

func TestRecoverable(t *testing.T) {
	require.True(t, New(Timeout, "x").Recoverable())
	require.False(t, New(BadInput, "x").Recoverable())
}

func TestIs(t *testing.T) {
	e := New(ConnectionClosed, "pipe closed")
	require.True(t, Is(e, ConnectionClosed))
	require.False(t, Is(e, Timeout))
	require.False(t, Is(errors.New("plain"), Timeout))
}

func TestKindOf(t *testing.T) {
	require.Equal(t, NotFound, KindOf(New(NotFound, "x")))
	require.Equal(t, Internal, KindOf(errors.New("plain")))
	require.Equal(t, Kind(""), KindOf(nil))
}
