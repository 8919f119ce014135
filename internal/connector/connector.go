// Package connector defines the uniform capability contract every proxy
// provider implements. The orchestration core dispatches purely through
// this interface and never branches on provider identity.
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proxyfleet/internal/shared/types"
)

// Health is the result of an active proxy probe.
type Health int

const (
	HealthUnknown Health = iota // provider has no active probe
	HealthAlive
	HealthUnreachable
)

// Instance is a provider-side resource descriptor returned by
// ListLiveInstances. It is intentionally minimal: the core only needs
// enough to reconcile provider reality against its proxy records.
type Instance struct {
	ProviderID string
	Name       string
	Host       string
	Port       int
}

// ErrClass classifies a step execution failure. Provider errors never
// travel as Go errors across the engine boundary; they are carried here.
type ErrClass int

const (
	ErrNone ErrClass = iota
	ErrRetryable
	ErrFatal
)

// StepResult is the structured outcome of one ExecuteStep call.
type StepResult struct {
	Completed bool
	// State is the opaque step-local state persisted between calls. A
	// step must be safe to call again with the same state if a previous
	// result was lost.
	State map[string]string

	// Produced are the proxy records a completed step brought up;
	// Removed the identity keys it tore down.
	Produced []*types.Proxy
	Removed  []string

	Class ErrClass
	Err   string
	// RetryAfter optionally overrides the engine's backoff delay.
	RetryAfter time.Duration
}

// Done returns a completed result carrying forward the given state.
func Done(state map[string]string) StepResult {
	return StepResult{Completed: true, State: state}
}

// Pending returns an incomplete, non-error result: the step made progress
// and wants to be called again with the new state.
func Pending(state map[string]string) StepResult {
	return StepResult{State: state}
}

// Retryable returns a transient-failure result.
func Retryable(format string, args ...interface{}) StepResult {
	return StepResult{Class: ErrRetryable, Err: fmt.Sprintf(format, args...)}
}

// Fatal returns a permanent-failure result. The task fails immediately.
func Fatal(format string, args ...interface{}) StepResult {
	return StepResult{Class: ErrFatal, Err: fmt.Sprintf(format, args...)}
}

// Provider is the capability contract. ListLiveInstances must tolerate the
// provider having zero resources; PlanCreate/PlanRemove are pure planning;
// ExecuteStep is the only side-effecting operation and must be idempotent
// per step state.
type Provider interface {
	Type() string

	ListLiveInstances(ctx context.Context, c *types.Connector) ([]Instance, error)

	PlanCreate(c *types.Connector, count int) []string
	PlanRemove(c *types.Connector, targets []*types.Proxy) []string

	ExecuteStep(ctx context.Context, c *types.Connector, step string, state map[string]string) StepResult
}

// HealthProber is an optional capability. Providers without an active
// probe simply don't implement it, deferring to timestamp-based policy.
type HealthProber interface {
	ProbeProxy(ctx context.Context, c *types.Connector, p *types.Proxy) Health
}

// Registry holds the providers plugged in at assembly time.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Type()] = p
}

func (r *Registry) Lookup(providerType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for type %q", providerType)
	}
	return p, nil
}
