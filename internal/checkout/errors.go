package checkout

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart           = errors.New("cart is empty")
	ErrInvalidCheckout     = errors.New("invalid checkout")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrDuplicateSubmission = errors.New("checkout already submitted")
)

// SaleRecordingFailedError means the order exists but no sale was written
// for it. The order is kept for manual reconciliation.
type SaleRecordingFailedError struct {
	OrderID int64
	Err     error
}

func (e *SaleRecordingFailedError) Error() string {
	return fmt.Sprintf("sale recording failed for order %d: %v", e.OrderID, e.Err)
}

func (e *SaleRecordingFailedError) Unwrap() error {
	return e.Err
}

// PartialStockUpdateError means the order and sale were written but one or
// more stock decrements did not apply.
type PartialStockUpdateError struct {
	OrderID          int64
	SaleID           int64
	FailedProductIDs []int64
	Errs             []error
}

func (e *PartialStockUpdateError) Error() string {
	return fmt.Sprintf("stock update failed for order %d products %v", e.OrderID, e.FailedProductIDs)
}

func (e *PartialStockUpdateError) Unwrap() []error {
	return e.Errs
}
