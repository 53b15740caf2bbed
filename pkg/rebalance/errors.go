package rebalance

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned when the requested amount is not a positive decimal.
	ErrInvalidAmount = errors.New("invalid rebalance amount")
	// ErrRebalanceInProgress is returned when another orchestrator holds the run lease.
	ErrRebalanceInProgress = errors.New("rebalance already in progress")
	// ErrConcurrentModification is returned by a store when the persisted checkpoint
	// changed since it was loaded.
	ErrConcurrentModification = errors.New("checkpoint was modified concurrently")
	// ErrCheckpointNotFound is returned by a store when no checkpoint has been written yet.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// StateCorruptedError reports a checkpoint that is missing a field its phase depends on.
// It requires operator inspection and is never retried automatically.
type StateCorruptedError struct {
	Phase Phase
	Field string
}

func (e *StateCorruptedError) Error() string {
	return fmt.Sprintf("rebalance state corrupted: field %s is missing for phase %s", e.Field, e.Phase)
}

// InsufficientBalanceError is returned by the pre-flight balance check.
type InsufficientBalanceError struct {
	Address  string
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: have %s, need %s",
		e.Address, e.Balance.String(), e.Required.String())
}

// ExternalServiceError wraps any failure of a collaborator: transport errors,
// malformed responses, reverted or unconfirmed transactions.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// NewExternalServiceError wraps err unless it already is an ExternalServiceError.
func NewExternalServiceError(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var ese *ExternalServiceError
	if errors.As(err, &ese) {
		return err
	}
	return &ExternalServiceError{Service: service, Op: op, Err: err}
}

// TimeoutError is returned when a bounded wait expires before its condition holds.
type TimeoutError struct {
	Phase  Phase
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("phase %s timed out after %s", e.Phase, e.Waited)
}

// StorageError wraps failures of the checkpoint store other than "not found".
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("checkpoint store %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Kind returns a short label for err, used as a metric dimension.
func Kind(err error) string {
	var (
		sce *StateCorruptedError
		ibe *InsufficientBalanceError
		ese *ExternalServiceError
		toe *TimeoutError
		ste *StorageError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &sce):
		return "state_corrupted"
	case errors.As(err, &ibe):
		return "insufficient_balance"
	case errors.As(err, &toe):
		return "timeout"
	case errors.As(err, &ste):
		return "storage"
	case errors.As(err, &ese):
		return "external_service"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrRebalanceInProgress):
		return "in_progress"
	default:
		return "unknown"
	}
}
