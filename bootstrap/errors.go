package bootstrap

import (
	"errors"
	"fmt"
)

var (
	// ErrStart wraps every error that aborts Start.
	ErrStart = errors.New("failed to start data node")

	// ErrTransportOpen is matched by every TransportOpenError.
	ErrTransportOpen = errors.New("failed to open transport")

	// ErrSlotTableTimeout is returned when no slot table arrived within the
	// retry budget. The node must not serve without one.
	ErrSlotTableTimeout = errors.New("timed out waiting for slot table")

	// ErrDestroyed is returned by Start once Destroy was called.
	ErrDestroyed = errors.New("orchestrator destroyed")
)

// TransportOpenError reports a listener that could not be bound.
type TransportOpenError struct {
	Name    string
	Address string
	Err     error
}

func (e *TransportOpenError) Error() string {
	return fmt.Sprintf("failed to open %s transport on %s: %v", e.Name, e.Address, e.Err)
}

func (e *TransportOpenError) Unwrap() []error {
	return []error{ErrTransportOpen, e.Err}
}

// TransportCloseError reports a listener that failed to close on shutdown.
// It is only ever logged.
type TransportCloseError struct {
	Name    string
	Address string
	Err     error
}

func (e *TransportCloseError) Error() string {
	return fmt.Sprintf("failed to close %s transport on %s: %v", e.Name, e.Address, e.Err)
}

func (e *TransportCloseError) Unwrap() error {
	return e.Err
}
