// Package transport is the externally-specified serial byte stream, spec.md
// §6: "A byte stream... The driver may also connect over TCP
// (tcp://host:port) using the same framing." It defines the contract and a
// scheme-keyed registry two concrete drivers (tcpline, serialport) install
// themselves into from their own init(), mirroring the teacher's
// RegisterFactory pattern (aznet.go).
package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Transport is the byte-stream contract the Host Facade drives: raw reads
// and writes plus a read deadline for the scheduler's timers and the
// inter-byte timeout (timeouts.byte, spec.md §6).
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
}

// Dialer opens a Transport for one scheme's address syntax.
type Dialer func(ctx context.Context, addr string) (Transport, error)

var dialers = make(map[string]Dialer)

// Register installs a Dialer for a scheme. Called from a driver package's
// init(), never directly by callers.
func Register(scheme string, d Dialer) { dialers[scheme] = d }

// Open resolves addr's "scheme://" prefix to a registered Dialer and opens
// it. An addr with no "scheme://" prefix is treated as a bare device path
// and routed to "serial" (internal/transport/serialport), spec.md §6's
// default physical transport; a scheme with no registered Dialer is an
// error.
func Open(ctx context.Context, addr string) (Transport, error) {
	scheme, rest := splitScheme(addr)
	d, ok := dialers[scheme]
	if !ok {
		return nil, fmt.Errorf("transport: no driver registered for scheme %q (forgot a blank import?)", scheme)
	}
	return d(ctx, rest)
}

func splitScheme(addr string) (scheme, rest string) {
	if i := strings.Index(addr, "://"); i >= 0 {
		return addr[:i], addr[i+len("://"):]
	}
	return "serial", addr
}
