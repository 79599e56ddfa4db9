package config

import (
	"context"
	"time"

	"github.com/zwavecore/hostdriver/internal/store"
)

// WithAckTimeout sets timeouts.ack.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.AckTimeout = d
		}
	}
}

// WithByteTimeout sets timeouts.byte.
func WithByteTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ByteTimeout = d
		}
	}
}

// WithResponseTimeout sets timeouts.response.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ResponseTimeout = d
		}
	}
}

// WithReportTimeout sets timeouts.report.
func WithReportTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ReportTimeout = d
		}
	}
}

// WithNonceTimeout sets timeouts.nonce.
func WithNonceTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.NonceTimeout = d
		}
	}
}

// WithSendDataCallbackTimeout sets timeouts.sendDataCallback.
func WithSendDataCallbackTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.SendDataCallbackTimeout = d
		}
	}
}

// WithSerialAPIStartedTimeout sets timeouts.serialAPIStarted.
func WithSerialAPIStartedTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.SerialAPIStartedTimeout = d
		}
	}
}

// WithControllerAttempts sets attempts.controller.
func WithControllerAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ControllerAttempts = n
		}
	}
}

// WithSendDataAttempts sets attempts.sendData.
func WithSendDataAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.SendDataAttempts = n
		}
	}
}

// WithNodeInterviewAttempts sets attempts.nodeInterview.
func WithNodeInterviewAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.NodeInterviewAttempts = n
		}
	}
}

// WithOpenSerialPortAttempts sets attempts.openSerialPort.
func WithOpenSerialPortAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.OpenSerialPortAttempts = n
		}
	}
}

// WithSoftReset enables or disables soft-reset on startup.
func WithSoftReset(enabled bool) Option {
	return func(c *Config) { c.EnableSoftReset = enabled }
}

// WithSecurityKeys sets the four Z-Wave security class keys.
func WithSecurityKeys(keys SecurityKeys) Option {
	return func(c *Config) { c.SecurityKeys = keys }
}

// WithCacheDir sets storage.cacheDir.
func WithCacheDir(dir string) Option {
	return func(c *Config) { c.CacheDir = dir }
}

// WithStorageThrottle sets storage.throttle.
func WithStorageThrottle(t Throttle) Option {
	return func(c *Config) {
		if t != "" {
			c.StorageThrottle = t
		}
	}
}

// WithLockDirectory sets the single-instance lock-file directory.
func WithLockDirectory(dir string) Option {
	return func(c *Config) { c.LockDirectory = dir }
}

// WithInclusionUserCallbacks sets the inclusion bootstrap callbacks, which
// must all be non-nil together.
func WithInclusionUserCallbacks(cb InclusionUserCallbacks) Option {
	return func(c *Config) { c.InclusionCallbacks = &cb }
}

// WithContext sets the base context for the driver's lifetime.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.Ctx, c.Cancel = context.WithCancel(ctx)
		}
	}
}

// WithErrorHandler registers the fatal-error callback. Open fails with
// ErrNoErrorHandler if this is never called.
func WithErrorHandler(h func(error)) Option {
	return func(c *Config) { c.ErrorHandler = h }
}

// WithStoreBackend overrides the default local-file Persistence Facade
// backend, e.g. with an azurestore.Backend.
func WithStoreBackend(b store.Backend) Option {
	return func(c *Config) { c.StoreBackend = b }
}
