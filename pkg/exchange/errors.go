package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseLost is returned by the completion tracker when the message is no
	// longer CLAIMED by the worker: the sweeper reclaimed it, or a second
	// finalization ran. The FIFO lock is left untouched.
	ErrLeaseLost = errors.New("lease lost")
	// ErrPoisonMessage is returned when a failure exhausted the attempts and the
	// message was dead-lettered.
	ErrPoisonMessage = errors.New("poison message")
	// ErrInvalidMessage is returned by the producers for unusable input.
	ErrInvalidMessage = errors.New("invalid message")
)

// DeliveryError wraps a dispatcher or handler failure for one message.
type DeliveryError struct {
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of message %s failed: %v", e.MessageID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
