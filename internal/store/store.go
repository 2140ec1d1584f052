package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meshgate/toolgateway/pkg/gwerrors"
)

// Store is the Observation Store (C1): the single transactional source of
// truth for templates, instances, health, and metrics.
//
// All four maps are guarded by one mutex. Mutations only ever happen inside
// a transaction (AtomicUpdate); the single-mutation convenience methods
// (SetTemplate, RemoveInstance, ...) are themselves one-operation
// transactions. Nested AtomicUpdate calls on the same goroutine coalesce
// into the outermost transaction, per spec.md §4.1 invariant (iii).
type Store struct {
	mu sync.Mutex

	templates map[string]Template
	instances map[string]Instance
	health    map[string]HealthStatus
	metrics   map[string]LoadBalancerMetrics

	revision int64

	subscribers map[int]Listener
	nextSubID   int

	activeTx *Tx
}

// New returns an empty Observation Store.
func New() *Store {
	return &Store{
		templates:   make(map[string]Template),
		instances:   make(map[string]Instance),
		health:      make(map[string]HealthStatus),
		metrics:     make(map[string]LoadBalancerMetrics),
		subscribers: make(map[int]Listener),
	}
}

// op is one buffered mutation. apply runs against the store's real maps at
// commit time (in buffering order) and reports whether it actually changed
// anything and, if so, the event to emit — so a remove on a row that
// another buffered op already removed emits no duplicate event.
type op struct {
	apply func(s *Store) (fired bool, ev Event)
}

// Tx is the transaction handle passed to an AtomicUpdate callback. Every
// mutating method buffers an operation; nothing is visible to other
// goroutines until the outermost AtomicUpdate call commits.
type Tx struct {
	store  *Store
	ops    []op
	closed bool
}

func (tx *Tx) guard() error {
	if tx.closed {
		return gwerrors.New(gwerrors.Internal, "transaction body must be synchronous")
	}
	return nil
}

// SetTemplate buffers an upsert of t.
func (tx *Tx) SetTemplate(t Template) error {
	if err := tx.guard(); err != nil {
		return err
	}
	t = t.Clone()
	tx.ops = append(tx.ops, op{apply: func(s *Store) (bool, Event) {
		s.templates[t.Name] = t
		return true, Event{Type: EventTemplateSet, ID: t.Name}
	}})
	return nil
}

// RemoveTemplate buffers removal of the named template. Fires an event only
// if the template actually existed at apply time.
func (tx *Tx) RemoveTemplate(name string) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.ops = append(tx.ops, op{apply: func(s *Store) (bool, Event) {
		if _, ok := s.templates[name]; !ok {
			return false, Event{}
		}
		delete(s.templates, name)
		return true, Event{Type: EventTemplateRemove, ID: name}
	}})
	return nil
}

// SetInstance buffers an upsert of inst.
func (tx *Tx) SetInstance(inst Instance) error {
	if err := tx.guard(); err != nil {
		return err
	}
	inst = inst.Clone()
	tx.ops = append(tx.ops, op{apply: func(s *Store) (bool, Event) {
		s.instances[inst.ID] = inst
		return true, Event{Type: EventInstanceSet, ID: inst.ID}
	}})
	return nil
}

// PatchInstance buffers a partial update of an existing instance. No-op
// (fires no event) if the instance does not exist at apply time.
func (tx *Tx) PatchInstance(id string, patch InstancePatch) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.ops = append(tx.ops, op{apply: func(s *Store) (bool, Event) {
		cur, ok := s.instances[id]
		if !ok {
			return false, Event{}
		}
		if patch.State != nil {
			cur.State = *patch.State
		}
		if patch.PID != nil {
			cur.PID = *patch.PID
		}
		if patch.ErrorCount != nil {
			cur.ErrorCount = *patch.ErrorCount
		}
		if patch.Metadata != nil {
			if cur.Metadata == nil {
				cur.Metadata = make(map[string]any, len(patch.Metadata))
			}
			for k, v := range patch.Metadata {
				cur.Metadata[k] = v
			}
		}
		s.instances[id] = cur
		return true, Event{Type: EventInstancePatch, ID: id}
	}})
	return nil
}

// RemoveInstance buffers the cascading removal of an instance plus its
// health and metrics rows, emitting one event per actual deletion in the
// order instance -> health -> metrics (spec.md §4.1 invariant (i)).
func (tx *Tx) RemoveInstance(id string) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.ops = append(tx.ops, op{apply: func(s *Store) (bool, Event) {
		if _, ok := s.instances[id]; !ok {
			return false, Event{}
		}
		delete(s.instances, id)
		return true, Event{Type: EventInstanceRemove, ID: id}
	}})
	tx.ops = append(tx.ops, op{apply: func(s *Store) (bool, Event) {
		if _, ok := s.health[id]; !ok {
			return false, Event{}
		}
		delete(s.health, id)
		return true, Event{Type: EventHealthRemove, ID: id}
	}})
	tx.ops = append(tx.ops, op{apply: func(s *Store) (bool, Event) {
		if _, ok := s.metrics[id]; !ok {
			return false, Event{}
		}
		delete(s.metrics, id)
		return true, Event{Type: EventMetricsRemove, ID: id}
	}})
	return nil
}

// UpdateHealth buffers an upsert of an instance's health row.
func (tx *Tx) UpdateHealth(id string, hs HealthStatus) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.ops = append(tx.ops, op{apply: func(s *Store) (bool, Event) {
		s.health[id] = hs
		return true, Event{Type: EventHealthUpdate, ID: id}
	}})
	return nil
}

// RemoveHealth buffers removal of an instance's health row in isolation
// (outside of a cascading RemoveInstance).
func (tx *Tx) RemoveHealth(id string) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.ops = append(tx.ops, op{apply: func(s *Store) (bool, Event) {
		if _, ok := s.health[id]; !ok {
			return false, Event{}
		}
		delete(s.health, id)
		return true, Event{Type: EventHealthRemove, ID: id}
	}})
	return nil
}

// UpdateMetrics buffers an upsert of an instance's metrics row.
func (tx *Tx) UpdateMetrics(id string, m LoadBalancerMetrics) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.ops = append(tx.ops, op{apply: func(s *Store) (bool, Event) {
		s.metrics[id] = m
		return true, Event{Type: EventMetricsUpdate, ID: id}
	}})
	return nil
}

// AtomicUpdate runs fn with a transaction handle whose operations are
// buffered. On successful return the store commits: all buffered
// operations apply in order, the revision bumps exactly once (only if at
// least one operation actually fired an event), and subscribers observe
// the events in buffering order. On error the draft is discarded and no
// event fires.
//
// A nested AtomicUpdate call made from within fn (same goroutine) reuses
// the active transaction instead of deadlocking on the store's mutex.
func (s *Store) AtomicUpdate(fn func(tx *Tx) error) error {
	if s.activeTx != nil {
		return fn(s.activeTx)
	}

	s.mu.Lock()
	tx := &Tx{store: s}
	s.activeTx = tx
	err := fn(tx)
	tx.closed = true
	s.activeTx = nil

	if err != nil {
		s.mu.Unlock()
		return err
	}

	var fired []Event
	for _, o := range tx.ops {
		if ok, ev := o.apply(s); ok {
			ev.Revision = s.revision + 1
			fired = append(fired, ev)
		}
	}
	if len(fired) > 0 {
		s.revision++
	}
	s.mu.Unlock()

	for _, ev := range fired {
		s.publish(ev)
	}
	return nil
}

func (s *Store) publish(ev Event) {
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.subscribers))
	for _, l := range s.subscribers {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		safeInvoke(l, ev)
	}
}

func safeInvoke(l Listener, ev Event) {
	defer func() {
		_ = recover()
	}()
	l(ev)
}

// Subscribe registers a listener and returns a function to detach it.
// Listener panics are isolated and never propagate.
func (s *Store) Subscribe(l Listener) Unsubscribe {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Revision returns the store's current committed revision.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// --- single-operation convenience methods ---

// SetTemplate upserts t in a one-operation transaction. It does not
// validate t; callers run ValidateTemplate first (Registry.RegisterTemplate
// does).
func (s *Store) SetTemplate(t Template) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.SetTemplate(t) })
}

// RemoveTemplate removes the named template.
func (s *Store) RemoveTemplate(name string) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.RemoveTemplate(name) })
}

// SetInstance upserts inst in a one-operation transaction.
func (s *Store) SetInstance(inst Instance) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.SetInstance(inst) })
}

// PatchInstance applies a partial update to an existing instance.
func (s *Store) PatchInstance(id string, patch InstancePatch) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.PatchInstance(id, patch) })
}

// RemoveInstance removes an instance and cascades to its health and
// metrics rows. Idempotent.
func (s *Store) RemoveInstance(id string) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.RemoveInstance(id) })
}

// UpdateHealth upserts an instance's health row.
func (s *Store) UpdateHealth(id string, hs HealthStatus) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.UpdateHealth(id, hs) })
}

// UpdateMetrics upserts an instance's metrics row.
func (s *Store) UpdateMetrics(id string, m LoadBalancerMetrics) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.UpdateMetrics(id, m) })
}

// --- reads ---

// GetTemplate returns a deep-enough copy of the named template, or
// (Template{}, false) if absent.
func (s *Store) GetTemplate(name string) (Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[name]
	if !ok {
		return Template{}, false
	}
	return t.Clone(), true
}

// GetInstance returns a deep-enough copy of the instance, or
// (Instance{}, false) if absent.
func (s *Store) GetInstance(id string) (Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.instances[id]
	if !ok {
		return Instance{}, false
	}
	return i.Clone(), true
}

// GetHealth returns the instance's cached health status, or
// (HealthStatus{}, false) if unknown.
func (s *Store) GetHealth(id string) (HealthStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[id]
	return h, ok
}

// GetMetrics returns the instance's metrics row, or
// (LoadBalancerMetrics{}, false) if absent.
func (s *Store) GetMetrics(id string) (LoadBalancerMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[id]
	return m, ok
}

// ListTemplates returns a snapshot of all templates in name order.
func (s *Store) ListTemplates() []Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListInstances returns a snapshot of instances, optionally filtered to one
// template, in id order.
func (s *Store) ListInstances(templateName string) []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Instance, 0, len(s.instances))
	for _, i := range s.instances {
		if templateName != "" && i.TemplateName != templateName {
			continue
		}
		out = append(out, i.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateTemplate enforces spec.md §3's template invariant: name non-empty,
// stdio templates must carry a command. It does not reject a name already in
// the store; templates are keyed by name, so SetTemplate replaces the
// existing entry.
func (s *Store) ValidateTemplate(t Template) error {
	if t.Name == "" {
		return gwerrors.New(gwerrors.BadInput, "template name must not be empty")
	}
	if t.Transport == TransportStdio && t.Command == "" {
		return gwerrors.New(gwerrors.BadInput, fmt.Sprintf("stdio template %q must declare a command", t.Name))
	}
	return nil
}
