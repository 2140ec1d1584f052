// Package store implements the Observation Store (C1): the single
// transactional source of truth for templates, instances, health, and
// metrics, with ordered pub/sub over committed mutations.
//
// The map-of-maps-under-one-mutex shape is grounded on the teacher's
// infrastructure/chain/rpcpool.go RPCPool (a single sync.RWMutex guarding a
// map of endpoints plus derived stats), generalized from "blockchain RPC
// endpoint" to "template/instance/health/metrics row".
package store

import "time"

// TransportKind names the wire transport a template's back end speaks.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportHTTP           TransportKind = "http"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// ProtocolVersion enumerates the JSON-RPC dialect versions a template may
// declare.
type ProtocolVersion string

const (
	Protocol20241126 ProtocolVersion = "2024-11-26"
	Protocol20250326 ProtocolVersion = "2025-03-26"
	Protocol20250618 ProtocolVersion = "2025-06-18"
)

// SandboxSpec is a template's optional container sandbox declaration.
type SandboxSpec struct {
	RequiredForUntrusted bool
	AllowedVolumeRoots   []string
	Image                string
}

// HealthCheckSpec is a template's optional health-check override.
type HealthCheckSpec struct {
	IntervalMs int
	TTLMs      int
}

// Template is the immutable recipe for one back-end service (spec.md §3).
type Template struct {
	Name             string
	ProtocolVersion  ProtocolVersion
	Transport        TransportKind
	Command          string
	Args             []string
	Env              map[string]string
	WorkingDirectory string
	TimeoutMs        int
	Retries          int
	Trusted          bool
	Sandbox          *SandboxSpec
	HealthCheck      *HealthCheckSpec
}

// Clone returns a deep-enough copy a caller can mutate without racing the
// store.
func (t Template) Clone() Template {
	out := t
	if t.Args != nil {
		out.Args = append([]string(nil), t.Args...)
	}
	if t.Env != nil {
		out.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			out.Env[k] = v
		}
	}
	if t.Sandbox != nil {
		sb := *t.Sandbox
		sb.AllowedVolumeRoots = append([]string(nil), t.Sandbox.AllowedVolumeRoots...)
		out.Sandbox = &sb
	}
	if t.HealthCheck != nil {
		hc := *t.HealthCheck
		out.HealthCheck = &hc
	}
	return out
}

// InstanceState is the lifecycle state of a running (or stoppable) instance,
// driven by its adapter per spec.md §4.2.
type InstanceState string

const (
	StateIdle         InstanceState = "idle"
	StateInitializing InstanceState = "initializing"
	StateStarting     InstanceState = "starting"
	StateRunning      InstanceState = "running"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
	StateError        InstanceState = "error"
	StateCrashed      InstanceState = "crashed"
	StateRestarting   InstanceState = "restarting"
	StateUpgrading    InstanceState = "upgrading"
	StateMaintenance  InstanceState = "maintenance"
)

// Instance is one running (or stoppable) embodiment of a template.
type Instance struct {
	ID           string
	TemplateName string
	Template     Template
	State        InstanceState
	PID          int
	StartedAt    time.Time
	ErrorCount   int
	Metadata     map[string]any
}

// Clone returns a deep-enough copy a caller can mutate without racing the
// store.
func (i Instance) Clone() Instance {
	out := i
	out.Template = i.Template.Clone()
	if i.Metadata != nil {
		out.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// InstancePatch is a partial update applied to an existing instance by
// patchInstance; nil fields are left unchanged.
type InstancePatch struct {
	State      *InstanceState
	PID        *int
	ErrorCount *int
	Metadata   map[string]any
}

// HealthStatus is one instance's most recently observed health. Absence
// from the store means "unknown".
type HealthStatus struct {
	Healthy   bool
	LatencyMs int
	Error     string
	Timestamp time.Time
}

// LoadBalancerMetrics is one instance's running call statistics.
type LoadBalancerMetrics struct {
	ServiceID       string
	RequestCount    int
	ErrorCount      int
	AvgResponseTime float64
	LastRequestTime time.Time
}
