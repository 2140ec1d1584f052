package jsonrpc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssignID_GeneratesWhenMissing(t *testing.T) {
	req := NewRequest(nil, "ping", nil)
	out := AssignID(req)
	require.NotNil(t, out.ID)
	require.True(t, strings.HasPrefix(out.ID.(string), "req-"))
}

func TestAssignID_PreservesExisting(t *testing.T) {
	req := NewRequest(7, "ping", nil)
	out := AssignID(req)
	require.Equal(t, 7, out.ID)
}

func TestNewID_Unique(t *testing.T) {
	a := NewID()
	b := NewID()
	require.NotEqual(t, a, b)
}

func TestSerializeParse_RoundTrip(t *testing.T) {
	req := NewRequest("req-1", "tools/list", json.RawMessage(`{"x":1}`))
	line, err := Serialize(req)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(line), "\n"))

	parsed, err := ParseRequest(line[:len(line)-1])
	require.NoError(t, err)
	require.Equal(t, req.Method, parsed.Method)
	require.Equal(t, req.ID, parsed.ID)
	require.JSONEq(t, string(req.Params), string(parsed.Params))
}

func TestParseResponse_WithError(t *testing.T) {
	line := []byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"boom"}}`)
	resp, err := ParseResponse(line)
	require.NoError(t, err)
	require.Nil(t, resp.Result)
	require.NotNil(t, resp.Error)
	require.Equal(t, "boom", resp.Error.Message)
	require.Equal(t, "jsonrpc error -32000: boom", resp.Error.Error())
}

func TestParseResponse_Malformed(t *testing.T) {
	_, err := ParseResponse([]byte(`not json`))
	require.Error(t, err)
}

func TestIDKey_MatchesAcrossRepresentations(t *testing.T) {
	require.Equal(t, IDKey(1), IDKey(float64(1)))
	require.Equal(t, IDKey(int64(2)), IDKey(float64(2)))
	require.NotEqual(t, IDKey("1"), IDKey(1))
	require.Equal(t, "", IDKey(nil))
}
