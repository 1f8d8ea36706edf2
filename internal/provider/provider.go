// Package provider abstracts the external generation backend. The worker
// pool depends only on the Provider interface so backends can be swapped
// or faked without touching pipeline logic.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/mojisejr/mimi-vibe-backend/internal/models"
)

// Result is a successful generation.
type Result struct {
	Text  string
	Model string
}

// Provider generates an interpretation for a reading payload. The call
// may take seconds; implementations honor ctx for cancellation and must
// wrap failures with ErrTransient or ErrTerminal.
type Provider interface {
	Generate(ctx context.Context, payload models.ReadingPayload) (Result, error)
}

// Failure classes. Transient failures are retried by the worker up to
// its attempt limit; terminal failures fail the reading immediately.
var (
	ErrTransient = errors.New("transient provider failure")
	ErrTerminal  = errors.New("terminal provider failure")
)

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Terminal wraps err as a non-retryable failure.
func Terminal(err error) error {
	return fmt.Errorf("%w: %w", ErrTerminal, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
