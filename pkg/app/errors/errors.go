// Package errors maps rebalance errors to categories the ops API reports
package errors

import (
	"errors"
	"net/http"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// Category defines error category
type Category int

const (
	// CategoryGeneralError The service failed in an unexpected way
	CategoryGeneralError Category = iota
	// CategoryDataError The request carried invalid data
	CategoryDataError
	// CategoryResourceNotFound The requested resource does not exist
	CategoryResourceNotFound
	// CategoryDataConflict The persisted data conflicts with what the request expects
	CategoryDataConflict
	// CategoryLocked The resource is held by another process
	CategoryLocked
	// CategoryDependencyFailure A dependent service is throwing errors
	CategoryDependencyFailure
	// CategoryConnectionTimeout A dependent service timed out
	CategoryConnectionTimeout
)

func (c Category) String() string {
	switch c {
	case CategoryDataError:
		return "CategoryDataError"
	case CategoryResourceNotFound:
		return "CategoryResourceNotFound"
	case CategoryDataConflict:
		return "CategoryDataConflict"
	case CategoryLocked:
		return "CategoryLocked"
	case CategoryDependencyFailure:
		return "CategoryDependencyFailure"
	case CategoryConnectionTimeout:
		return "CategoryConnectionTimeout"
	default:
		return "CategoryGeneralError"
	}
}

// ServiceError carries the category and the message shown to API clients.
// Err is kept for logs only.
type ServiceError struct {
	Category Category
	Message  string
	Err      error
}

// Error method to comply with error interface
func (err *ServiceError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// Unwrap returns the underlying error
func (err *ServiceError) Unwrap() error {
	return err.Err
}

// Is checks that provided error is a ServiceError with desired Category
func Is(err error, cat Category) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Category == cat
}

// StatusCode returns the HTTP status code for the error category
func (err *ServiceError) StatusCode() int {
	switch err.Category {
	case CategoryDataError:
		return http.StatusBadRequest
	case CategoryResourceNotFound:
		return http.StatusNotFound
	case CategoryDataConflict:
		return http.StatusConflict
	case CategoryLocked:
		return http.StatusLocked
	case CategoryDependencyFailure:
		return http.StatusBadGateway
	case CategoryConnectionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// FromRebalance categorizes an error returned by the rebalance core.
func FromRebalance(err error) error {
	if err == nil {
		return nil
	}

	var (
		corrupted *rebalance.StateCorruptedError
		storage   *rebalance.StorageError
		external  *rebalance.ExternalServiceError
		timeout   *rebalance.TimeoutError
	)
	switch {
	case errors.Is(err, rebalance.ErrCheckpointNotFound):
		return &ServiceError{Category: CategoryResourceNotFound, Message: "checkpoint not found", Err: err}
	case errors.Is(err, rebalance.ErrInvalidAmount):
		return &ServiceError{Category: CategoryDataError, Message: "invalid amount", Err: err}
	case errors.Is(err, rebalance.ErrRebalanceInProgress):
		return &ServiceError{Category: CategoryLocked, Message: "rebalance in progress", Err: err}
	case errors.As(err, &corrupted):
		return &ServiceError{Category: CategoryDataConflict, Message: "checkpoint is corrupted", Err: err}
	case errors.As(err, &storage):
		return &ServiceError{Category: CategoryDependencyFailure, Message: "checkpoint store unavailable", Err: err}
	case errors.As(err, &external):
		return &ServiceError{Category: CategoryDependencyFailure, Message: external.Service + " unavailable", Err: err}
	case errors.As(err, &timeout):
		return &ServiceError{Category: CategoryConnectionTimeout, Message: "timed out", Err: err}
	default:
		return &ServiceError{Category: CategoryGeneralError, Message: "Internal Server Error", Err: err}
	}
}
