package theatre

import (
	"errors"
	"fmt"
)

var (
	ErrValidation              = errors.New("validation failed")
	ErrInvalidState            = errors.New("invalid state")
	ErrInvalidApprovalQuantity = errors.New("invalid approval quantity")
	ErrOverFulfillment         = errors.New("transfer exceeds outstanding approved quantity")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrNotFound                = errors.New("not found")

	// ErrEmptyRequisition is a validation error.
	ErrEmptyRequisition = fmt.Errorf("%w: requisition has no lines", ErrValidation)
)

// InsufficientStockError carries the quantities behind a refused decrease.
// errors.Is(err, ErrInsufficientStock) matches it.
type InsufficientStockError struct {
	Key       StockKey
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for batch %s: available %d, requested %d",
		e.Key.BatchNumber, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invalidStatef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// OverFulfillmentError names the requisition line a transfer would overshoot.
// errors.Is(err, ErrOverFulfillment) matches it.
type OverFulfillmentError struct {
	Line        int
	Requested   int64
	Outstanding int64
}

func (e *OverFulfillmentError) Error() string {
	return fmt.Sprintf("transfer of %d on requisition line %d exceeds outstanding quantity %d",
		e.Requested, e.Line, e.Outstanding)
}

func (e *OverFulfillmentError) Is(target error) bool {
	return target == ErrOverFulfillment
}
