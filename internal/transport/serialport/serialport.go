// Package serialport is the default physical transport: a real serial
// device at the Z-Wave Serial API's fixed 115200 8N1 framing, spec.md §6.
// No example in the pack opens a physical serial port, so go.bug.st/serial
// is named rather than grounded on any pack file - see DESIGN.md.
package serialport

import (
	"context"
	"time"

	"go.bug.st/serial"

	"github.com/zwavecore/hostdriver/internal/transport"
)

func init() {
	transport.Register("serial", Dial)
}

// Port adapts a go.bug.st/serial.Port to transport.Transport.
type Port struct {
	serial.Port
}

// Dial opens device (e.g. "/dev/ttyACM0", "COM3") at the Z-Wave Serial
// API's standard framing.
func Dial(_ context.Context, device string) (transport.Transport, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, err
	}
	return Port{Port: p}, nil
}

// SetReadDeadline adapts the deadline-based Transport contract to
// go.bug.st/serial's relative SetReadTimeout.
func (p Port) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return p.Port.SetReadTimeout(serial.NoTimeout)
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return p.Port.SetReadTimeout(d)
}

var _ transport.Transport = Port{}
