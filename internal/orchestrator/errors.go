package orchestrator

import (
	"context"
	"errors"

	"github.com/marloweai/marlowe/internal/graph"
	"github.com/marloweai/marlowe/internal/providers"
	"github.com/marloweai/marlowe/internal/statestore"
	"github.com/marloweai/marlowe/internal/stream"
	"github.com/marloweai/marlowe/pkg/models"
)

// ErrorType labels a processing failure on DLQ entries and metrics.
// The set is closed; dashboards group by it.
type ErrorType string

const (
	ErrTypeInvalidEnvelope ErrorType = "InvalidEnvelope"
	ErrTypeNoSecretary     ErrorType = "NoSecretaryAssigned"
	ErrTypeValidation      ErrorType = "PermanentValidation"
	ErrTypeNetwork         ErrorType = "TransientNetwork"
	ErrTypeDependency      ErrorType = "DependencyUnavailable"
	ErrTypeTimeout         ErrorType = "Timeout"
	ErrTypeTool            ErrorType = "ToolError"
	ErrTypeGraph           ErrorType = "GraphInvariant"
	ErrTypeCancelled       ErrorType = "Cancelled"
	ErrTypeUnknown         ErrorType = "Unknown"
)

// classify maps a processing error to its DLQ label and whether another
// attempt could succeed. Permanent failures skip the retry budget and
// dead-letter immediately.
func classify(err error) (ErrorType, bool) {
	switch {
	case err == nil:
		return "", false

	case errors.Is(err, models.ErrInvalidEnvelope):
		return ErrTypeInvalidEnvelope, false

	case errors.Is(err, context.Canceled):
		return ErrTypeCancelled, false

	case errors.Is(err, graph.ErrAssistantTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ErrTypeTimeout, true

	case errors.Is(err, providers.ErrRateLimited),
		errors.Is(err, providers.ErrProviderUnavailable):
		return ErrTypeDependency, true
	}

	switch statestore.KindOf(err) {
	case statestore.KindNetwork, statestore.KindHTTP5xx, statestore.KindCircuitOpen:
		return ErrTypeNetwork, true
	case statestore.KindHTTP4xx:
		return ErrTypeValidation, false
	}

	var pe *graph.ProcessingError
	if errors.As(err, &pe) {
		return ErrTypeGraph, true
	}
	return ErrTypeUnknown, true
}

// retryBudget returns how many attempts an error type is worth before
// the entry dead-letters.
func retryBudget(t ErrorType) int {
	if t == ErrTypeGraph {
		// Broken graph invariants rarely heal on replay; one retry
		// covers an interrupted write, then give up.
		return 2
	}
	return stream.MaxRetries
}
