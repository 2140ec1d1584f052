package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshgate/toolgateway/internal/jsonrpc"
	"github.com/meshgate/toolgateway/internal/store"
	"github.com/meshgate/toolgateway/pkg/gwerrors"
)

func TestHTTPAdapter_PlainRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := jsonrpc.ParseRequest(mustReadAll(r))
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"ok":true}}`, idToString(req.ID))
	}))
	defer srv.Close()

	tmpl := store.Template{Name: "svc", Transport: store.TransportHTTP, Command: srv.URL, TimeoutMs: 2000}
	a := NewHTTPAdapter(tmpl, nil)
	require.NoError(t, a.Connect(context.Background()))

	resp, err := a.SendAndReceive(context.Background(), jsonrpc.NewRequest("7", "ping", nil))
	require.NoError(t, err)
	require.Equal(t, "7", resp.ID)
	require.Nil(t, resp.Error)
}

func TestHTTPAdapter_UpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	tmpl := store.Template{Name: "svc", Transport: store.TransportHTTP, Command: srv.URL, TimeoutMs: 2000}
	a := NewHTTPAdapter(tmpl, nil)
	require.NoError(t, a.Connect(context.Background()))

	_, err := a.SendAndReceive(context.Background(), jsonrpc.NewRequest("1", "ping", nil))
	require.Error(t, err)
	require.Equal(t, gwerrors.Upstream, gwerrors.KindOf(err))
}

func TestHTTPAdapter_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{}}`))
	}))
	defer srv.Close()

	tmpl := store.Template{Name: "svc", Transport: store.TransportHTTP, Command: srv.URL, TimeoutMs: 10}
	a := NewHTTPAdapter(tmpl, nil)
	require.NoError(t, a.Connect(context.Background()))

	_, err := a.SendAndReceive(context.Background(), jsonrpc.NewRequest("1", "ping", nil))
	require.Error(t, err)
	require.Equal(t, gwerrors.Timeout, gwerrors.KindOf(err))
}

func TestHTTPAdapter_SSE_FirstMatchingFrameWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := jsonrpc.ParseRequest(mustReadAll(r))
		require.NoError(t, err)
		id := idToString(req.ID)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"other\",\"result\":{}}\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%q,\"result\":{\"first\":true}}\n\n", id)
		if flusher != nil {
			flusher.Flush()
		}
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%q,\"result\":{\"first\":false}}\n\n", id)
	}))
	defer srv.Close()

	tmpl := store.Template{Name: "svc", Transport: store.TransportStreamableHTTP, Command: srv.URL, TimeoutMs: 2000}
	a := NewHTTPAdapter(tmpl, nil)
	require.NoError(t, a.Connect(context.Background()))

	resp, err := a.SendAndReceive(context.Background(), jsonrpc.NewRequest("5", "ping", nil))
	require.NoError(t, err)
	require.Equal(t, "5", resp.ID)
	require.Contains(t, string(resp.Result), "true")
}

func TestHTTPAdapter_ConnectMissingCommandFails(t *testing.T) {
	a := NewHTTPAdapter(store.Template{Name: "svc", Transport: store.TransportHTTP}, nil)
	err := a.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, gwerrors.BadInput, gwerrors.KindOf(err))
}

func TestHTTPAdapter_SendAndReceiveBeforeConnectFails(t *testing.T) {
	a := NewHTTPAdapter(store.Template{Name: "svc", Transport: store.TransportHTTP, Command: "http://example.invalid"}, nil)
	_, err := a.SendAndReceive(context.Background(), jsonrpc.NewRequest("1", "ping", nil))
	require.Error(t, err)
	require.Equal(t, gwerrors.NotConnected, gwerrors.KindOf(err))
}

func mustReadAll(r *http.Request) []byte {
	defer r.Body.Close()
	b, _ := readLimited(r.Body, maxResponseBytes)
	return b
}

func idToString(id any) string {
	if s, ok := id.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", id)
}
