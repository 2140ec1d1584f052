package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meshgate/toolgateway/internal/jsonrpc"
	"github.com/meshgate/toolgateway/internal/store"
	"github.com/meshgate/toolgateway/pkg/gwerrors"
	"github.com/meshgate/toolgateway/pkg/logger"
)

var envHintPattern = regexp.MustCompile(envHintRegex)

const terminationGrace = 5 * time.Second

// StdioAdapter spawns a template's command as a child process and speaks
// newline-delimited JSON-RPC over its stdio pipes.
//
// Grounded on
// other_examples/f2970d9e_cklxx-elephant.ai__internal-tools-mcp-transport-stdio.go.go's
// Connect/readStdout/readStderr/monitorProcess/Disconnect shape, adding
// spec.md §4.2's stderr env-hint detection and SIGTERM-then-SIGKILL
// termination sequence (the source example kills immediately rather than
// escalating).
type StdioAdapter struct {
	template store.Template
	log      *logrus.Entry

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	connected int32

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	pending *pendingCalls
	events  chan Event

	disconnectOnce sync.Once
	waitDone       chan struct{}
}

// NewStdioAdapter constructs an adapter for t, which must declare a
// non-empty Command.
func NewStdioAdapter(t store.Template, log *logger.Logger) *StdioAdapter {
	if log == nil {
		log = logger.Discard()
	}
	return &StdioAdapter{
		template: t,
		log:      log.Component("stdio-adapter"),
		pending:  newPendingCalls(),
		events:   make(chan Event, 64),
	}
}

// Events returns the adapter's event channel.
func (a *StdioAdapter) Events() <-chan Event { return a.events }

func (a *StdioAdapter) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
	}
}

// IsConnected reports whether the child process is currently running.
func (a *StdioAdapter) IsConnected() bool {
	return atomic.LoadInt32(&a.connected) == 1
}

// Connect spawns the template's command with sanitized/overlaid
// environment and arranged stdio pipes.
func (a *StdioAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if atomic.LoadInt32(&a.connected) == 1 {
		return nil
	}
	if a.template.Command == "" {
		return gwerrors.New(gwerrors.BadInput, "stdio template must declare a command")
	}

	// A fresh session id per spawned process, distinct from the request ids
	// correlating individual calls, so every log line for one child
	// process's lifetime can be grouped regardless of how many requests it
	// serves.
	a.log = a.log.WithField("session_id", uuid.NewString())

	a.ctx, a.cancel = context.WithCancel(context.Background())
	cmd := exec.CommandContext(a.ctx, a.template.Command, a.template.Args...)
	cmd.Env = BuildEnv(a.template.Env)
	if a.template.WorkingDirectory != "" {
		cmd.Dir = a.template.WorkingDirectory
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "failed to create stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "failed to create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "failed to create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "failed to start command", err)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.waitDone = make(chan struct{})
	atomic.StoreInt32(&a.connected, 1)

	go a.readStdout(stdout)
	go a.readStderr(stderr)
	go a.monitor()

	return nil
}

// readStdout frames stdout as newline-delimited JSON-RPC. Malformed frames
// are logged at WARN and discarded without killing the process.
func (a *StdioAdapter) readStdout(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		a.handleLine(cp)
	}
}

func (a *StdioAdapter) handleLine(line []byte) {
	resp, err := jsonrpc.ParseResponse(line)
	if err != nil || resp.JSONRPC == "" {
		a.log.WithField("line", string(line)).Warn("discarding malformed JSON-RPC frame")
		return
	}
	a.emit(Event{Type: EventReceived, Data: resp})
	a.pending.resolve(jsonrpc.IDKey(resp.ID), resp)
}

// readStderr splits stderr by line; lines reporting a missing required env
// var additionally emit a synthetic env-hint event.
func (a *StdioAdapter) readStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		a.emit(Event{Type: EventStderr, Data: line})
		if envHintPattern.MatchString(line) {
			a.emit(Event{Type: EventStderr, Data: "env-hint: " + line})
		}
	}
}

func (a *StdioAdapter) monitor() {
	err := a.cmd.Wait()
	atomic.StoreInt32(&a.connected, 0)

	code := 0
	signaled := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signaled = status.Signal().String()
			}
		}
	}

	a.pending.failAll(gwerrors.New(gwerrors.ConnectionClosed, "Connection closed"))
	a.emit(Event{Type: EventDisconnect, Data: DisconnectInfo{Code: code, Signal: signaled}})
	close(a.waitDone)
}

// Send writes one JSON-RPC frame to stdin.
func (a *StdioAdapter) Send(ctx context.Context, req jsonrpc.Request) error {
	if !a.IsConnected() {
		return gwerrors.New(gwerrors.NotConnected, "stdio adapter is not connected")
	}

	line, err := jsonrpc.Serialize(req)
	if err != nil {
		return gwerrors.Wrap(gwerrors.BadInput, "failed to serialize request", err)
	}

	a.writeMu.Lock()
	_, err = a.stdin.Write(line)
	a.writeMu.Unlock()
	if err != nil {
		return gwerrors.Wrap(gwerrors.ConnectionClosed, "failed to write to stdin", err)
	}

	a.emit(Event{Type: EventSent, Data: req})
	return nil
}

// Receive is not independently supported by the stdio adapter outside of
// SendAndReceive's correlation; it blocks until ctx is done.
func (a *StdioAdapter) Receive(ctx context.Context) (jsonrpc.Response, error) {
	<-ctx.Done()
	return jsonrpc.Response{}, gwerrors.Wrap(gwerrors.Canceled, "receive canceled", ctx.Err())
}

// SendAndReceive assigns an id if absent, writes the frame, and waits for
// the matching response or the template's timeoutMs, per spec.md §4.2.
// timeoutMs bounds only this wait; Connect has no handshake step and applies
// no timeout of its own.
func (a *StdioAdapter) SendAndReceive(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	if !a.IsConnected() {
		return jsonrpc.Response{}, gwerrors.New(gwerrors.NotConnected, "stdio adapter is not connected")
	}
	timeout := time.Duration(a.template.TimeoutMs) * time.Millisecond
	return sendAndReceive(ctx, a.pending, req, timeout, func(r jsonrpc.Request) error {
		return a.Send(ctx, r)
	})
}

// Disconnect sends SIGTERM, waits up to 5s for exit, then sends SIGKILL.
// Idempotent; always fires a disconnect event via the monitor goroutine.
func (a *StdioAdapter) Disconnect() error {
	var outerErr error
	a.disconnectOnce.Do(func() {
		a.mu.Lock()
		cmd := a.cmd
		waitDone := a.waitDone
		a.mu.Unlock()

		if cmd == nil || cmd.Process == nil {
			return
		}

		_ = cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-waitDone:
		case <-time.After(terminationGrace):
			_ = cmd.Process.Kill()
			<-waitDone
		}

		if a.cancel != nil {
			a.cancel()
		}
	})
	return outerErr
}
