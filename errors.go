package hostdriver

import (
	"errors"

	"github.com/zwavecore/hostdriver/internal/config"
)

// Driver lifecycle errors, spec.md §6 "NotReady, Destroyed, InvalidOptions,
// NoErrorHandler, FeatureDisabled, Failed."
var (
	// ErrNotReady is returned by any operation attempted before Open's
	// startup sequence (soft reset + controller handshake) completes.
	ErrNotReady = errors.New("hostdriver: driver not ready")

	// ErrDestroyed is returned by any operation attempted after Close.
	ErrDestroyed = errors.New("hostdriver: driver destroyed")

	// ErrInvalidOptions is the sentinel every config.Validate failure wraps.
	ErrInvalidOptions = config.ErrInvalidOptions

	// ErrNoErrorHandler is returned by Open when no WithErrorHandler option
	// was supplied: a driver with no error handler has nowhere to report a
	// fatal condition.
	ErrNoErrorHandler = errors.New("hostdriver: no error handler registered, see WithErrorHandler")

	// ErrFeatureDisabled is returned when a call requires a feature the
	// Config disabled (e.g. SoftReset with enableSoftReset=false).
	ErrFeatureDisabled = errors.New("hostdriver: feature disabled")

	// ErrFailed marks the driver as unrecoverably failed, e.g. after the
	// transport reconnect budget (attempts.openSerialPort) is exhausted.
	ErrFailed = errors.New("hostdriver: driver failed")
)
