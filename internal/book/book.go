// Package book defines the order-matching collaborator contract the
// engine depends on, plus an in-process simulated book for local runs.
// Matching policy beyond simple price priority is out of scope here;
// the core only submits, cancels, and receives fills.
package book

import (
	"errors"
	"fmt"

	"options-core/internal/model"
)

// Error is an order submission or cancel failure from the book.
type Error struct {
	Op  string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("book %s: %s", e.Op, e.Msg)
}

// ErrUnknownOrder is returned when cancelling an order the book no
// longer holds (already filled or never accepted).
var ErrUnknownOrder = errors.New("unknown order")

// Book is the collaborator contract consumed by the engine. Fill
// delivery is out-of-band and owned by the concrete book; SimBook fans
// fills to the handler registered via its SetFillHandler.
type Book interface {
	SubmitOrder(k model.InstrumentKey, side model.Side, price, size float64) (string, error)
	CancelOrder(orderID string) error
}
