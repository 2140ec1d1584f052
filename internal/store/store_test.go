package store

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplateRegisterRemove_EventOrder(t *testing.T) {
	s := New()
	var events []Event
	unsub := s.Subscribe(func(ev Event) { events = append(events, ev) })
	defer unsub()

	require.NoError(t, s.SetTemplate(Template{Name: "echo", Transport: TransportHTTP}))
	require.NoError(t, s.RemoveTemplate("echo"))

	_, ok := s.GetTemplate("echo")
	require.False(t, ok)

	require.Len(t, events, 2)
	require.Equal(t, EventTemplateSet, events[0].Type)
	require.Equal(t, EventTemplateRemove, events[1].Type)
}

func TestRemoveInstance_CascadesInOrder(t *testing.T) {
	s := New()
	require.NoError(t, s.SetInstance(Instance{ID: "i1", TemplateName: "echo", State: StateRunning}))
	require.NoError(t, s.UpdateHealth("i1", HealthStatus{Healthy: true}))
	require.NoError(t, s.UpdateMetrics("i1", LoadBalancerMetrics{ServiceID: "i1"}))

	var events []Event
	unsub := s.Subscribe(func(ev Event) { events = append(events, ev) })
	defer unsub()

	beforeRev := s.Revision()
	require.NoError(t, s.RemoveInstance("i1"))
	afterRev := s.Revision()

	_, ok := s.GetInstance("i1")
	require.False(t, ok)
	_, ok = s.GetHealth("i1")
	require.False(t, ok)
	_, ok = s.GetMetrics("i1")
	require.False(t, ok)

	require.Len(t, events, 3)
	require.Equal(t, EventInstanceRemove, events[0].Type)
	require.Equal(t, EventHealthRemove, events[1].Type)
	require.Equal(t, EventMetricsRemove, events[2].Type)
	require.Equal(t, afterRev, beforeRev+1)
	for _, ev := range events {
		require.Equal(t, afterRev, ev.Revision)
	}
}

func TestRemoveInstance_Idempotent(t *testing.T) {
	s := New()
	require.NoError(t, s.RemoveInstance("ghost"))

	var events []Event
	unsub := s.Subscribe(func(ev Event) { events = append(events, ev) })
	defer unsub()

	beforeRev := s.Revision()
	require.NoError(t, s.RemoveInstance("ghost"))
	require.Empty(t, events)
	require.Equal(t, beforeRev, s.Revision())
}

func TestRevision_MonotonicAndStableOnRollback(t *testing.T) {
	s := New()
	require.NoError(t, s.SetTemplate(Template{Name: "a", Transport: TransportHTTP}))
	r1 := s.Revision()
	require.NoError(t, s.SetTemplate(Template{Name: "b", Transport: TransportHTTP}))
	r2 := s.Revision()
	require.Greater(t, r2, r1)

	err := s.AtomicUpdate(func(tx *Tx) error {
		_ = tx.SetTemplate(Template{Name: "c", Transport: TransportHTTP})
		return errRollbackTest
	})
	require.Error(t, err)
	require.Equal(t, r2, s.Revision())
	_, ok := s.GetTemplate("c")
	require.False(t, ok)
}

var errRollbackTest = errors.New("rollback test")

func TestNestedAtomicUpdate_Coalesces(t *testing.T) {
	s := New()
	var events []Event
	unsub := s.Subscribe(func(ev Event) { events = append(events, ev) })
	defer unsub()

	err := s.AtomicUpdate(func(tx *Tx) error {
		if err := tx.SetInstance(Instance{ID: "i1", TemplateName: "echo"}); err != nil {
			return err
		}
		return s.AtomicUpdate(func(inner *Tx) error {
			return inner.UpdateMetrics("i1", LoadBalancerMetrics{ServiceID: "i1"})
		})
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), s.Revision())
	require.Len(t, events, 2)
}

func TestPatchInstance_NoEventWhenAbsent(t *testing.T) {
	s := New()
	state := StateRunning
	require.NoError(t, s.PatchInstance("ghost", InstancePatch{State: &state}))
	require.Equal(t, int64(0), s.Revision())
}

func TestSubscribe_PanickingListenerIsolated(t *testing.T) {
	s := New()
	var calls int32
	unsub := s.Subscribe(func(ev Event) { panic("boom") })
	defer unsub()
	s.Subscribe(func(ev Event) { atomic.AddInt32(&calls, 1) })

	require.NoError(t, s.SetTemplate(Template{Name: "x", Transport: TransportHTTP}))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestValidateTemplate(t *testing.T) {
	s := New()
	require.Error(t, s.ValidateTemplate(Template{}))
	require.Error(t, s.ValidateTemplate(Template{Name: "x", Transport: TransportStdio}))
	require.NoError(t, s.ValidateTemplate(Template{Name: "x", Transport: TransportStdio, Command: "node"}))
	require.NoError(t, s.ValidateTemplate(Template{Name: "x", Transport: TransportHTTP}))
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	s := New()
	require.NoError(t, s.SetTemplate(Template{Name: "x", Transport: TransportHTTP}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ListTemplates()
		}()
	}
	wg.Wait()
}
