package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecute_RunsStagesInOrder(t *testing.T) {
	p := New()
	var order []Stage
	for _, stage := range Stages {
		stage := stage
		p.UseStage(stage, func(ctx context.Context, rc *RequestContext, state *State) error {
			order = append(order, stage)
			return nil
		})
	}

	state := NewState()
	err := p.Execute(context.Background(), &RequestContext{}, state)
	require.NoError(t, err)
	require.Equal(t, Stages, order)
}

func TestExecute_ShortCircuitsOnError(t *testing.T) {
	p := New()
	var ran []Stage
	p.UseStage(BeforeModel, func(ctx context.Context, rc *RequestContext, state *State) error {
		ran = append(ran, BeforeModel)
		return errors.New("boom")
	})
	p.UseStage(AfterModel, func(ctx context.Context, rc *RequestContext, state *State) error {
		ran = append(ran, AfterModel)
		return nil
	})

	state := NewState()
	err := p.Execute(context.Background(), &RequestContext{}, state)
	require.Error(t, err)
	require.True(t, state.Aborted)
	require.Equal(t, []Stage{BeforeModel}, ran)
}

func TestExecute_ShortCircuitsOnAbortedFlag(t *testing.T) {
	p := New()
	p.UseStage(BeforeModel, func(ctx context.Context, rc *RequestContext, state *State) error {
		state.Aborted = true
		state.Error = errors.New("aborted by hook")
		return nil
	})
	ranAfter := false
	p.UseStage(AfterModel, func(ctx context.Context, rc *RequestContext, state *State) error {
		ranAfter = true
		return nil
	})

	state := NewState()
	err := p.Execute(context.Background(), &RequestContext{}, state)
	require.Error(t, err)
	require.False(t, ranAfter)
}

func TestExecute_SecondCallOnAbortedStateIsNoop(t *testing.T) {
	p := New()
	calls := 0
	p.UseStage(BeforeAgent, func(ctx context.Context, rc *RequestContext, state *State) error {
		calls++
		return errors.New("fail")
	})

	state := NewState()
	_ = p.Execute(context.Background(), &RequestContext{}, state)
	_ = p.Execute(context.Background(), &RequestContext{}, state)
	require.Equal(t, 1, calls)
}

func TestExecute_StageTimeoutAborts(t *testing.T) {
	p := New().WithStageTimeout(10 * time.Millisecond)
	p.UseStage(BeforeModel, func(ctx context.Context, rc *RequestContext, state *State) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	state := NewState()
	err := p.Execute(context.Background(), &RequestContext{}, state)
	require.Error(t, err)
	require.True(t, state.Aborted)
}

func TestExecute_PanicConvertsToError(t *testing.T) {
	p := New()
	p.UseStage(BeforeAgent, func(ctx context.Context, rc *RequestContext, state *State) error {
		panic("kaboom")
	})

	state := NewState()
	err := p.Execute(context.Background(), &RequestContext{}, state)
	require.Error(t, err)
}

func TestExecute_CancelSignalAborts(t *testing.T) {
	p := New()
	p.UseStage(BeforeAgent, func(ctx context.Context, rc *RequestContext, state *State) error { return nil })

	cancel := make(chan struct{})
	close(cancel)
	rc := &RequestContext{CancelSignal: cancel}

	state := NewState()
	err := p.Execute(context.Background(), rc, state)
	require.Error(t, err)
}

func TestExecute_MissingHooksAreSkipped(t *testing.T) {
	p := New()
	state := NewState()
	err := p.Execute(context.Background(), &RequestContext{}, state)
	require.NoError(t, err)
	require.False(t, state.Aborted)
}
