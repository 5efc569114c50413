package action

import "context"

// Noop is the builtin action that does nothing. It exists so the pipeline can
// be exercised end to end before any real back-end is registered.
type Noop struct{}

func (Noop) Type() string { return "noop" }

func (Noop) Validate(payload map[string]any) error { return nil }

func (Noop) Execute(ctx context.Context, payload map[string]any) (Result, error) {
	return Result{Detail: "noop"}, nil
}
