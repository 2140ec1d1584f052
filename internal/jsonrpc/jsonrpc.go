// Package jsonrpc implements the JSON-RPC 2.0 dialect spoken on the wire to
// back-end tool services: request/response/error frames, serialization, and
// the id-assignment and id-matching helpers transport adapters use to
// correlate a sent request with its eventual response.
//
// The shapes mirror the teacher's infrastructure/chain/types.go
// RPCRequest/RPCResponse/RPCError trio, generalized from blockchain RPC
// (fixed-width int id, positional params) to an arbitrary JSON-RPC back end:
// id may be a string or a number, and params is carried as a raw message so
// the gateway never has to understand a back end's schema.
package jsonrpc

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"
)

const Version = "2.0"

// Request is one JSON-RPC 2.0 request frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object, forwarded verbatim from a back end.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request frame with the given id (may be nil; callers
// that need a fresh one should call AssignID first).
func NewRequest(id any, method string, params json.RawMessage) Request {
	return Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// AssignID returns req unchanged if it already carries an id, otherwise
// returns a copy with a freshly generated id in the "req-<epoch>-<rand6>"
// format spec.md §4.2 mandates for sendAndReceive.
func AssignID(req Request) Request {
	if req.ID != nil {
		return req
	}
	req.ID = NewID()
	return req
}

// NewID generates a "req-<epoch>-<rand6>" correlation id.
func NewID() string {
	return fmt.Sprintf("req-%d-%s", time.Now().UnixMilli(), RandomSuffix(6))
}

const randAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomSuffix generates an n-character lowercase alphanumeric suffix,
// exported so other id schemes (e.g. the registry's instance ids) can
// reuse the same alphabet and fallback behavior instead of duplicating it.
func RandomSuffix(n int) string {
	return randSuffix(n)
}

func randSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader never fails in practice;
		// fall back to a fixed suffix rather than panicking the caller.
		for i := range buf {
			buf[i] = randAlphabet[0]
		}
		return string(buf)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = randAlphabet[int(b)%len(randAlphabet)]
	}
	return string(out)
}

// Serialize encodes a frame (Request or Response) as one newline-terminated
// JSON line, per spec.md §6's stdio framing (no Content-Length headers, no
// embedded newlines).
func Serialize(frame any) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: serialize: %w", err)
	}
	return append(b, '\n'), nil
}

// ParseResponse decodes one response frame from a single line (without its
// trailing newline).
func ParseResponse(line []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("jsonrpc: parse response: %w", err)
	}
	return resp, nil
}

// ParseRequest decodes one request frame from a single line.
func ParseRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("jsonrpc: parse request: %w", err)
	}
	return req, nil
}

// IDKey normalizes an id value (string, float64 after JSON round-trip, or
// int as constructed in-process) into a comparable string key so pending-
// call tables can match a response's id back to the request that sent it
// regardless of which numeric representation produced it.
func IDKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case float64:
		return fmt.Sprintf("n:%g", v)
	case int:
		return fmt.Sprintf("n:%g", float64(v))
	case int64:
		return fmt.Sprintf("n:%g", float64(v))
	default:
		return fmt.Sprintf("?:%v", v)
	}
}
