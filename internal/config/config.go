// Package config holds the driver configuration recognized by the host
// facade, following the functional-options shape of the teacher's
// aznet.Config.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zwavecore/hostdriver/internal/store"
)

// Throttle presets control how often the persistence facade flushes.
type Throttle string

const (
	ThrottleSlow   Throttle = "slow"
	ThrottleNormal Throttle = "normal"
	ThrottleFast   Throttle = "fast"
)

// Default values, named and bounded per spec.md §6.
const (
	DefaultAckTimeout             = 1000 * time.Millisecond
	DefaultByteTimeout            = 150 * time.Millisecond
	DefaultResponseTimeout        = 10000 * time.Millisecond
	MinResponseTimeout            = 500 * time.Millisecond
	MaxResponseTimeout            = 20000 * time.Millisecond
	DefaultReportTimeout          = 1000 * time.Millisecond
	MinReportTimeout              = 500 * time.Millisecond
	MaxReportTimeout              = 10000 * time.Millisecond
	DefaultNonceTimeout           = 5000 * time.Millisecond
	MinNonceTimeout               = 3000 * time.Millisecond
	MaxNonceTimeout               = 20000 * time.Millisecond
	DefaultSendDataCallback       = 65000 * time.Millisecond
	MinSendDataCallback           = 10000 * time.Millisecond
	DefaultSerialAPIStarted       = 5000 * time.Millisecond
	MinSerialAPIStarted           = 1000 * time.Millisecond
	MaxSerialAPIStarted           = 30000 * time.Millisecond
	DefaultOpenSerialPortAttempts = 10
	DefaultControllerAttempts     = 3
	MaxControllerAttempts         = 3
	DefaultSendDataAttempts       = 3
	DefaultNodeInterviewAttempts  = 5
	MaxNodeInterviewAttempts      = 10
	DefaultEnableSoftReset        = true
	DefaultPersistenceThrottle    = 150 * time.Millisecond
)

// SecurityKeys holds the four 16-byte Z-Wave security class keys.
type SecurityKeys struct {
	S0Legacy          []byte
	S2Unauthenticated []byte
	S2Authenticated   []byte
	S2AccessControl   []byte
}

// InclusionUserCallbacks must be supplied together if any are present.
type InclusionUserCallbacks struct {
	GrantSecurityClasses  func(requested []string) []string
	ValidateDSKAndEnterPIN func(dsk string) (pin string, err error)
	Abort                 func()
}

// Config is the fully resolved driver configuration.
type Config struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	AckTimeout             time.Duration
	ByteTimeout            time.Duration
	ResponseTimeout        time.Duration
	ReportTimeout          time.Duration
	NonceTimeout           time.Duration
	SendDataCallbackTimeout time.Duration
	SerialAPIStartedTimeout time.Duration

	OpenSerialPortAttempts int
	ControllerAttempts     int
	SendDataAttempts       int
	NodeInterviewAttempts  int

	EnableSoftReset bool

	SecurityKeys SecurityKeys

	CacheDir          string
	StorageThrottle   Throttle
	LockDirectory     string
	ClearCacheOnOpen  bool

	InclusionCallbacks *InclusionUserCallbacks

	// ErrorHandler receives every fatal driver-level error after the Host
	// Facade has torn down, spec.md §7 "A driver-level error is fatal." Required
	// at Open: a driver with no error handler has nowhere to report a
	// fatal condition to, per spec.md §6 lifecycle error NoErrorHandler.
	ErrorHandler func(error)

	// TransportAddr is the serial/tcp address passed to internal/transport.Open.
	TransportAddr string

	// StoreBackend overrides the default local jsonlstore.Backend, letting
	// a caller point the Persistence Facade at azurestore instead, spec.md
	// §7 "pluggable persistence interface".
	StoreBackend store.Backend
}

// Option mutates a Config during construction, mirroring aznet.Option.
type Option func(*Config)

// Validate checks range and cross-field constraints from spec.md §6.
func (c *Config) Validate() error {
	if c.ResponseTimeout < MinResponseTimeout || c.ResponseTimeout > MaxResponseTimeout {
		return fmt.Errorf("%w: timeouts.response out of range", ErrInvalidOptions)
	}
	if c.ReportTimeout < MinReportTimeout || c.ReportTimeout > MaxReportTimeout {
		return fmt.Errorf("%w: timeouts.report out of range", ErrInvalidOptions)
	}
	if c.NonceTimeout < MinNonceTimeout || c.NonceTimeout > MaxNonceTimeout {
		return fmt.Errorf("%w: timeouts.nonce out of range", ErrInvalidOptions)
	}
	if c.SendDataCallbackTimeout < MinSendDataCallback {
		return fmt.Errorf("%w: timeouts.sendDataCallback too small", ErrInvalidOptions)
	}
	if c.SerialAPIStartedTimeout < MinSerialAPIStarted || c.SerialAPIStartedTimeout > MaxSerialAPIStarted {
		return fmt.Errorf("%w: timeouts.serialAPIStarted out of range", ErrInvalidOptions)
	}
	if c.ControllerAttempts < 1 || c.ControllerAttempts > MaxControllerAttempts {
		return fmt.Errorf("%w: attempts.controller out of range", ErrInvalidOptions)
	}
	if c.SendDataAttempts < 1 {
		return fmt.Errorf("%w: attempts.sendData must be >= 1", ErrInvalidOptions)
	}
	if c.NodeInterviewAttempts < 1 || c.NodeInterviewAttempts > MaxNodeInterviewAttempts {
		return fmt.Errorf("%w: attempts.nodeInterview out of range", ErrInvalidOptions)
	}
	if err := c.validateKeys(); err != nil {
		return err
	}
	cb := c.InclusionCallbacks
	if cb != nil {
		if (cb.GrantSecurityClasses != nil) != (cb.ValidateDSKAndEnterPIN != nil) || (cb.GrantSecurityClasses != nil) != (cb.Abort != nil) {
			return fmt.Errorf("%w: inclusionUserCallbacks must be supplied together", ErrInvalidOptions)
		}
	}
	return nil
}

func (c *Config) validateKeys() error {
	seen := map[string]string{}
	keys := map[string][]byte{
		"S0_Legacy":          c.SecurityKeys.S0Legacy,
		"S2_Unauthenticated": c.SecurityKeys.S2Unauthenticated,
		"S2_Authenticated":   c.SecurityKeys.S2Authenticated,
		"S2_AccessControl":   c.SecurityKeys.S2AccessControl,
	}
	for name, key := range keys {
		if key == nil {
			continue
		}
		if len(key) != 16 {
			return fmt.Errorf("%w: securityKeys.%s must be 16 bytes", ErrInvalidOptions, name)
		}
		hexKey := fmt.Sprintf("%x", key)
		if other, dup := seen[hexKey]; dup {
			return fmt.Errorf("%w: securityKeys.%s duplicates %s", ErrInvalidOptions, name, other)
		}
		seen[hexKey] = name
	}
	return nil
}

// Default returns a Config with library defaults, the way aznet's
// defaultConfig does.
func Default() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	return &Config{
		Ctx:    ctx,
		Cancel: cancel,

		AckTimeout:              DefaultAckTimeout,
		ByteTimeout:             DefaultByteTimeout,
		ResponseTimeout:         DefaultResponseTimeout,
		ReportTimeout:           DefaultReportTimeout,
		NonceTimeout:            DefaultNonceTimeout,
		SendDataCallbackTimeout: DefaultSendDataCallback,
		SerialAPIStartedTimeout: DefaultSerialAPIStarted,

		OpenSerialPortAttempts: DefaultOpenSerialPortAttempts,
		ControllerAttempts:     DefaultControllerAttempts,
		SendDataAttempts:       DefaultSendDataAttempts,
		NodeInterviewAttempts:  DefaultNodeInterviewAttempts,

		EnableSoftReset: DefaultEnableSoftReset,
		StorageThrottle: ThrottleNormal,
	}
}

// Apply builds a runtime Config by layering options over defaults, then
// environment variables, matching the documented precedence: explicit
// options win over environment.
func Apply(opts []Option) *Config {
	cfg := Default()
	for _, o := range opts {
		o(cfg)
	}
	cfg.applyEnv()
	return cfg
}

// applyEnv reads ZWAVEJS_DISABLE_SOFT_RESET, NO_CACHE, and
// ZWAVEJS_LOCK_DIRECTORY, only changing values that still equal their
// default. An explicit WithSoftReset(true) equals the default, so
// ZWAVEJS_DISABLE_SOFT_RESET still overrides it; NO_CACHE has no option
// counterpart and is always applied.
func (c *Config) applyEnv() {
	if os.Getenv("ZWAVEJS_DISABLE_SOFT_RESET") != "" && c.EnableSoftReset == DefaultEnableSoftReset {
		c.EnableSoftReset = false
	}
	if os.Getenv("NO_CACHE") == "true" {
		c.ClearCacheOnOpen = true
	}
	if dir := os.Getenv("ZWAVEJS_LOCK_DIRECTORY"); dir != "" && c.LockDirectory == "" {
		c.LockDirectory = dir
	}
}

// Interval maps a Throttle preset to a flush cadence.
func (t Throttle) Interval() time.Duration {
	switch t {
	case ThrottleFast:
		return 30 * time.Millisecond
	case ThrottleSlow:
		return 1000 * time.Millisecond
	default:
		return DefaultPersistenceThrottle
	}
}
