// Package hostdriver re-exposes internal/config's functional options under
// the Host Facade, the same Option-func-over-Config shape the teacher's
// aznet package used for Listen/Dial (see internal/config for the resolved
// Config).
package hostdriver

import (
	"context"
	"time"

	"github.com/zwavecore/hostdriver/internal/config"
	"github.com/zwavecore/hostdriver/internal/store"
)

// Option mutates the driver configuration during Open.
type Option = config.Option

// Throttle selects a persistence flush cadence preset, spec.md §6.
type Throttle = config.Throttle

const (
	ThrottleSlow   = config.ThrottleSlow
	ThrottleNormal = config.ThrottleNormal
	ThrottleFast   = config.ThrottleFast
)

// SecurityKeys holds the four Z-Wave security class network keys.
type SecurityKeys = config.SecurityKeys

// InclusionUserCallbacks groups the S2 bootstrap user-interaction
// callbacks, which must be supplied together.
type InclusionUserCallbacks = config.InclusionUserCallbacks

func WithAckTimeout(d time.Duration) Option      { return config.WithAckTimeout(d) }
func WithByteTimeout(d time.Duration) Option     { return config.WithByteTimeout(d) }
func WithResponseTimeout(d time.Duration) Option { return config.WithResponseTimeout(d) }
func WithReportTimeout(d time.Duration) Option   { return config.WithReportTimeout(d) }
func WithNonceTimeout(d time.Duration) Option    { return config.WithNonceTimeout(d) }

func WithSendDataCallbackTimeout(d time.Duration) Option {
	return config.WithSendDataCallbackTimeout(d)
}

func WithSerialAPIStartedTimeout(d time.Duration) Option {
	return config.WithSerialAPIStartedTimeout(d)
}

func WithControllerAttempts(n int) Option    { return config.WithControllerAttempts(n) }
func WithSendDataAttempts(n int) Option      { return config.WithSendDataAttempts(n) }
func WithNodeInterviewAttempts(n int) Option { return config.WithNodeInterviewAttempts(n) }

func WithOpenSerialPortAttempts(n int) Option {
	return config.WithOpenSerialPortAttempts(n)
}

func WithSoftReset(enabled bool) Option         { return config.WithSoftReset(enabled) }
func WithSecurityKeys(keys SecurityKeys) Option { return config.WithSecurityKeys(keys) }
func WithCacheDir(dir string) Option            { return config.WithCacheDir(dir) }
func WithStorageThrottle(t Throttle) Option     { return config.WithStorageThrottle(t) }
func WithLockDirectory(dir string) Option       { return config.WithLockDirectory(dir) }

func WithInclusionUserCallbacks(cb InclusionUserCallbacks) Option {
	return config.WithInclusionUserCallbacks(cb)
}

func WithContext(ctx context.Context) Option { return config.WithContext(ctx) }

// WithErrorHandler registers the fatal-error callback every driver-level
// error is reported to once Host.destroyLocked has shut down the
// scheduler and closed the Persistence Facade and transport, spec.md §7. Open
// fails with ErrNoErrorHandler if this is never called.
func WithErrorHandler(h func(error)) Option { return config.WithErrorHandler(h) }

// WithStoreBackend overrides the default local-file Persistence Facade
// backend, e.g. with azurestore.Backend.
func WithStoreBackend(b store.Backend) Option { return config.WithStoreBackend(b) }
