// Package transport implements the Transport Adapters (C2): the objects
// that own one back-end service's I/O channel — connect, frame JSON-RPC,
// send/receive, request/response correlation, termination.
//
// The pending-call table keyed by message id, and the event-channel split
// (sent/received/stderr/disconnect/error) instead of a general emitter, are
// grounded on the MCP stdio transport's pendingReqs map and
// messagesCh/errorsCh split
// (other_examples/f2970d9e_cklxx-elephant.ai__internal-tools-mcp-transport-stdio.go.go),
// generalized from a fixed int64 request id to the spec's arbitrary
// JSON-RPC id via jsonrpc.IDKey.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/meshgate/toolgateway/internal/jsonrpc"
	"github.com/meshgate/toolgateway/pkg/gwerrors"
)

// EventType names one kind of adapter-level event, per spec.md §4.2.
type EventType string

const (
	EventSent       EventType = "sent"
	EventReceived   EventType = "received"
	EventStderr     EventType = "stderr"
	EventDisconnect EventType = "disconnect"
	EventError      EventType = "error"
)

// DisconnectInfo is the payload of a "disconnect" event.
type DisconnectInfo struct {
	Code   int
	Signal string
}

// Event is one adapter-level occurrence, delivered on the adapter's Events
// channel.
type Event struct {
	Type EventType
	Data any
}

// Adapter is the uniform interface both transport variants implement.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, req jsonrpc.Request) error
	Receive(ctx context.Context) (jsonrpc.Response, error)
	SendAndReceive(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error)
	IsConnected() bool
	Events() <-chan Event
}

// pendingCall is a one-shot completion handle for an in-flight request.
type pendingCall struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	resp jsonrpc.Response
	err  error
}

// pendingCalls is the per-adapter table mapping a message id to its
// one-shot completion handle, per spec.md §3's "Pending Call Table".
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]*pendingCall)}
}

func (p *pendingCalls) register(key string) *pendingCall {
	pc := &pendingCall{resultCh: make(chan pendingResult, 1)}
	p.mu.Lock()
	p.calls[key] = pc
	p.mu.Unlock()
	return pc
}

func (p *pendingCalls) unregister(key string) {
	p.mu.Lock()
	delete(p.calls, key)
	p.mu.Unlock()
}

// resolve delivers a response to the matching pending call, if any.
func (p *pendingCalls) resolve(key string, resp jsonrpc.Response) {
	p.mu.Lock()
	pc, ok := p.calls[key]
	if ok {
		delete(p.calls, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	pc.resultCh <- pendingResult{resp: resp}
}

// failAll empties the table by failing every handle with err, per spec.md
// §3's "a disconnect empties the table by failing every handle".
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, pc := range calls {
		pc.resultCh <- pendingResult{err: err}
	}
}

// waitFor blocks on a pending call until it resolves, ctx is canceled, or
// timeout elapses (timeout <= 0 means no timeout, i.e. infinite wait, per
// spec.md §8's boundary behavior).
func waitFor(ctx context.Context, pc *pendingCall, timeout time.Duration, id any) (jsonrpc.Response, error) {
	if timeout <= 0 {
		select {
		case res := <-pc.resultCh:
			return res.resp, res.err
		case <-ctx.Done():
			return jsonrpc.Response{}, gwerrors.Wrap(gwerrors.Canceled, "request canceled", ctx.Err())
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.resultCh:
		return res.resp, res.err
	case <-timer.C:
		return jsonrpc.Response{}, gwerrors.New(gwerrors.Timeout, requestTimeoutMessage(id))
	case <-ctx.Done():
		return jsonrpc.Response{}, gwerrors.Wrap(gwerrors.Canceled, "request canceled", ctx.Err())
	}
}

func requestTimeoutMessage(id any) string {
	return "Request timeout for message " + idString(id)
}

// idString renders id the way spec.md §8's literal timeout message expects:
// a bare "2", not jsonrpc.IDKey's map-key-disambiguating "n:2" — that prefix
// is only meant for pending-call-table comparisons, not for display.
func idString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// sendAndReceive is the pending-table correlation algorithm the stdio
// adapter (and the container adapter built on it) uses: assign an id if
// absent, register a pending handle, invoke writeFn to actually transmit the
// frame, then wait for resolution. The HTTP/SSE adapter does not use it; it
// pairs each request with the response to its own POST.
func sendAndReceive(ctx context.Context, pending *pendingCalls, req jsonrpc.Request, timeout time.Duration, writeFn func(jsonrpc.Request) error) (jsonrpc.Response, error) {
	req = jsonrpc.AssignID(req)
	key := jsonrpc.IDKey(req.ID)

	pc := pending.register(key)
	if err := writeFn(req); err != nil {
		pending.unregister(key)
		return jsonrpc.Response{}, err
	}

	resp, err := waitFor(ctx, pc, timeout, req.ID)
	if err != nil {
		pending.unregister(key)
	}
	return resp, err
}
