// Package action defines the contract between the approval executor and the
// concrete action back-ends. Each supported action type registers one Action;
// dispatch is by the request's action_type tag, and an unregistered tag is a
// typed error rather than a silent no-op.
package action

import (
	"context"
	"fmt"
	"sync"
)

// Result is what a successful execution reports back for the audit trail.
type Result struct {
	Detail string
}

// Action executes one kind of externally visible effect. Validate must reject
// a payload the action cannot execute; Execute is only called with payloads
// that passed Validate.
type Action interface {
	Type() string
	Validate(payload map[string]any) error
	Execute(ctx context.Context, payload map[string]any) (Result, error)
}

// UnknownActionError reports a request whose action_type has no registered
// Action.
type UnknownActionError struct {
	ActionType string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action type: %q", e.ActionType)
}

// ValidationError reports a payload that failed an action's Validate.
type ValidationError struct {
	ActionType string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload for action %q: %s", e.ActionType, e.Reason)
}

// Registry maps action types to their implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	r := &Registry{actions: make(map[string]Action)}
	r.Register(Noop{})
	return r
}

func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.Type()] = a
}

// Get returns the action for actionType or an *UnknownActionError.
func (r *Registry) Get(actionType string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actions[actionType]
	if !ok {
		return nil, &UnknownActionError{ActionType: actionType}
	}
	return a, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.actions))
	for t := range r.actions {
		types = append(types, t)
	}
	return types
}
