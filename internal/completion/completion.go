// Package completion is the boundary to the external text-completion service
// that decomposes goals and works individual tasks.
package completion

import (
	"context"
	"errors"
)

// ErrFeatureUnavailable is returned when no completion backend is configured.
var ErrFeatureUnavailable = errors.New("feature unavailable")

// Completer turns a prompt into a free-form text response.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Func adapts an ordinary function to the Completer interface.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Unavailable always fails with ErrFeatureUnavailable.
type Unavailable struct{}

func (Unavailable) Complete(context.Context, string) (string, error) {
	return "", ErrFeatureUnavailable
}
