// Package adapter runs the policy-blind workers that serve
// {kb_id}.adapter.query. A worker owns its driver connection, dispatches
// operations through a handler table fixed at startup, and always answers
// within its deadline. Policy, masking, and audit happen upstream in
// enforcement; by the time a request reaches a worker it is already
// authorized.
package adapter

import (
	"context"
	"sort"
)

// Handler executes one operation against the backing store. Params arrive
// exactly as the requester sent them; the result must be JSON-serializable.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Executor supplies the operation table for a worker and owns the driver
// connection behind it.
type Executor interface {
	// Operations returns the handler table. Called once at worker startup;
	// the worker never consults it again.
	Operations() map[string]Handler

	// Ping checks driver connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// StaticExecutor serves a fixed handler table with no backing driver. Used
// in tests and demos where canned answers are enough.
type StaticExecutor struct {
	handlers map[string]Handler
}

// NewStaticExecutor builds an executor over the given handlers.
func NewStaticExecutor(handlers map[string]Handler) *StaticExecutor {
	copied := make(map[string]Handler, len(handlers))
	for name, h := range handlers {
		copied[name] = h
	}
	return &StaticExecutor{handlers: copied}
}

// NewCannedExecutor builds an executor whose operations return fixed
// values, ignoring params.
func NewCannedExecutor(responses map[string]any) *StaticExecutor {
	handlers := make(map[string]Handler, len(responses))
	for name, data := range responses {
		data := data
		handlers[name] = func(context.Context, map[string]any) (any, error) {
			return data, nil
		}
	}
	return &StaticExecutor{handlers: handlers}
}

func (e *StaticExecutor) Operations() map[string]Handler { return e.handlers }

func (e *StaticExecutor) Ping(context.Context) error { return nil }

func (e *StaticExecutor) Close() error { return nil }

// operationNames returns the sorted handler table keys, used in unknown
// operation errors so callers see the allowed set.
func operationNames(handlers map[string]Handler) []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
