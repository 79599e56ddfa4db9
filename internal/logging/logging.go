// Package logging provides the single structured logger threaded through
// the driver, grounded on the go-logr/logr interface used throughout
// kedacore-keda's controllers, backed by the stdr adapter by default.
package logging

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// New returns a logr.Logger writing to stderr via the standard library
// log package, named after the given component.
func New(component string) logr.Logger {
	std := stdr.New(nil)
	return std.WithName(component)
}

// Discard returns a logger that drops everything, used in tests.
func Discard() logr.Logger { return logr.Discard() }

func init() {
	stdr.SetVerbosity(1)
	_ = os.Stderr
}
