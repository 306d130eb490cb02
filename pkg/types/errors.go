package types

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across package boundaries. The taxonomy:
//
//   - business errors (AlreadyStarted, NotOpened, ...) are semantic refusals;
//     callers get them back directly and must not retry blindly.
//   - communication errors (wrapped in CommunicationError) are transport
//     failures; the controller reschedules the same action against its
//     attempt budget.
//   - protocol errors mean a venue sent something malformed; the frame is
//     logged and dropped, the session continues.
var (
	// ErrMarketDataValueDoesNotExist is returned by level-1 reads before the
	// field has ever been published by the owning connector.
	ErrMarketDataValueDoesNotExist = errors.New("market data value does not exist")

	// ErrAlreadyStarted is returned when an open-side operation is requested
	// on a position that has already submitted an open order.
	ErrAlreadyStarted = errors.New("position already started")

	// ErrNotOpened is returned when a close-side operation is requested on a
	// position with no opened quantity.
	ErrNotOpened = errors.New("position not opened")

	// ErrAlreadyClosed is returned when a close-side operation is requested
	// on a position whose active quantity is already zero.
	ErrAlreadyClosed = errors.New("position already closed")

	// ErrUnknownOrderCancel is returned by CancelOrder when the order never
	// existed, or was already filled, cancelled or rejected.
	ErrUnknownOrderCancel = errors.New("unknown order to cancel")

	// ErrSending is returned when an order or cancel could not be handed to
	// the venue transport.
	ErrSending = errors.New("sending failed")

	// ErrConnect is returned when a venue session could not be established
	// within the configured timeout.
	ErrConnect = errors.New("connect failed")

	// ErrMethodNotImplemented is returned by venue adapters for operations
	// the venue does not support.
	ErrMethodNotImplemented = errors.New("method not implemented")

	// ErrCancelling is returned when a new submission races with a cancel
	// that the venue has not acknowledged yet.
	ErrCancelling = errors.New("canceling is not completed")
)

// CommunicationError wraps a transport-level failure. The controller treats
// any error matching this type as retryable.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("communication error: %s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// NewCommunicationError wraps err as retryable. A nil err yields nil.
func NewCommunicationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CommunicationError{Op: op, Err: err}
}

// IsCommunicationError reports whether err is (or wraps) a transport failure.
func IsCommunicationError(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}

// ProtocolError marks a malformed or unexpected venue frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }
