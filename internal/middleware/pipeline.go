// Package middleware implements the Middleware Pipeline (C5): a six-stage
// chain run around every dispatched tool call, with per-stage timeout
// budgets and abort propagation.
//
// The "run the handler in a goroutine, select on its completion channel
// versus the stage deadline" shape is grounded on the teacher's
// infrastructure/middleware/timeout.go TimeoutMiddleware.Handler; panic
// recovery (converting a middleware panic into a typed stage error rather
// than crashing the request) is grounded on
// infrastructure/middleware/recovery.go RecoveryMiddleware.Handler. Both
// are generalized from one HTTP handler per request to six ordered,
// independently-budgeted hooks per request.
package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/meshgate/toolgateway/pkg/gwerrors"
)

// Stage names one of the six fixed points in a dispatched call's lifecycle.
type Stage string

const (
	BeforeAgent Stage = "beforeAgent"
	BeforeModel Stage = "beforeModel"
	AfterModel  Stage = "afterModel"
	BeforeTool  Stage = "beforeTool"
	AfterTool   Stage = "afterTool"
	AfterAgent  Stage = "afterAgent"
)

// Stages lists the six stages in their fixed execution order.
var Stages = []Stage{BeforeAgent, BeforeModel, AfterModel, BeforeTool, AfterTool, AfterAgent}

const defaultStageTimeout = 5 * time.Second

// RequestContext carries per-request metadata visible to every middleware
// hook, per spec.md §4.5.
type RequestContext struct {
	RequestID    string
	StartTime    time.Time
	Metadata     map[string]any
	CancelSignal <-chan struct{}
}

// State is the mutable per-request state shared across all six stages. It
// is never garbage-collected mid-request: one State backs one dispatched
// call from beforeAgent through afterAgent.
type State struct {
	Stage   Stage
	Values  map[string]any
	Aborted bool
	Error   error
}

// NewState returns a fresh, non-aborted State.
func NewState() *State {
	return &State{Values: make(map[string]any)}
}

// Hook is one middleware's implementation of a single stage. Middleware
// that doesn't implement a stage simply omits registering a Hook for it.
type Hook func(ctx context.Context, rc *RequestContext, state *State) error

// Middleware is anything that can contribute a Hook to one or more stages.
// Built-ins (HealthCheckMiddleware, LoadBalancerMiddleware) implement this
// by returning non-nil hooks only for the stages they care about.
type Middleware interface {
	Hooks() map[Stage]Hook
}

// Pipeline runs registered middleware across the six fixed stages, each
// under its own timeout budget, short-circuiting on abort, error, timeout,
// or cancellation.
type Pipeline struct {
	byStage      map[Stage][]Hook
	stageTimeout time.Duration
}

// New constructs an empty Pipeline with the default 5s per-stage timeout
// budget.
func New() *Pipeline {
	return &Pipeline{
		byStage:      make(map[Stage][]Hook),
		stageTimeout: defaultStageTimeout,
	}
}

// WithStageTimeout overrides the default per-stage timeout budget.
func (p *Pipeline) WithStageTimeout(d time.Duration) *Pipeline {
	if d > 0 {
		p.stageTimeout = d
	}
	return p
}

// Use registers a Middleware's hooks, preserving registration order within
// each stage.
func (p *Pipeline) Use(m Middleware) *Pipeline {
	for stage, hook := range m.Hooks() {
		if hook == nil {
			continue
		}
		p.byStage[stage] = append(p.byStage[stage], hook)
	}
	return p
}

// UseStage registers a single hook for one stage directly, without going
// through the Middleware interface.
func (p *Pipeline) UseStage(stage Stage, hook Hook) *Pipeline {
	if hook != nil {
		p.byStage[stage] = append(p.byStage[stage], hook)
	}
	return p
}

// Execute runs all six stages in order against state. A second Execute call
// on an already-aborted state is a no-op.
func (p *Pipeline) Execute(ctx context.Context, rc *RequestContext, state *State) error {
	if state.Aborted {
		return state.Error
	}

	for _, stage := range Stages {
		state.Stage = stage
		if err := p.runStage(ctx, rc, state, stage); err != nil {
			return err
		}
		if state.Aborted {
			return state.Error
		}
		if rc.CancelSignal != nil {
			select {
			case <-rc.CancelSignal:
				p.abort(state, gwerrors.New(gwerrors.Canceled, "request canceled"))
				return state.Error
			default:
			}
		}
	}
	return nil
}

func (p *Pipeline) abort(state *State, err error) {
	state.Aborted = true
	state.Error = err
}

// runStage runs every hook registered for one stage, under one deadline
// set before the first hook runs (the budget applies to the whole stage,
// not to each hook individually).
func (p *Pipeline) runStage(ctx context.Context, rc *RequestContext, state *State, stage Stage) error {
	hooks := p.byStage[stage]
	if len(hooks) == 0 {
		return nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runHooks(stageCtx, rc, state, hooks)
	}()

	select {
	case err := <-done:
		if err != nil {
			p.abort(state, err)
			return err
		}
		return nil
	case <-stageCtx.Done():
		err := gwerrors.New(gwerrors.Timeout, fmt.Sprintf("stage %s exceeded its timeout budget", stage))
		p.abort(state, err)
		return err
	}
}

func runHooks(ctx context.Context, rc *RequestContext, state *State, hooks []Hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
		}
	}()

	for _, hook := range hooks {
		if e := hook(ctx, rc, state); e != nil {
			return e
		}
		if state.Aborted {
			return state.Error
		}
	}
	return nil
}
