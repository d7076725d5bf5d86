package perfwatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when a listener is registered before Init
	ErrNotInitialized = errors.New("perfwatch: dispatcher is not initialized")
	// ErrAlreadyInitialized is returned by a second Init without Destroy
	ErrAlreadyInitialized = errors.New("perfwatch: dispatcher is already initialized")
	// ErrMissingEventName is returned when a listener is registered without an event name
	ErrMissingEventName = errors.New("perfwatch: missing event name")
	// ErrInvalidCallback is returned when the listener is nil
	ErrInvalidCallback = errors.New("perfwatch: listener must be a non-nil function")
	// ErrUnknownMark is returned by Performance.Measure for a start or end mark that was never recorded
	ErrUnknownMark = errors.New("perfwatch: unknown mark")
)

// CapacityWarning reports that a single event has accumulated too many listeners.
// It usually points at a registration leak.
type CapacityWarning struct {
	EventName string
	Size      int
	Threshold int
}

func (w *CapacityWarning) Error() string {
	return fmt.Sprintf("perfwatch: event %q has %d listeners (threshold %d), possible listener leak",
		w.EventName, w.Size, w.Threshold)
}
