package hostdriver

import (
	"bytes"
	"context"

	"github.com/zwavecore/hostdriver/internal/framer"
	"github.com/zwavecore/hostdriver/internal/message"
	"github.com/zwavecore/hostdriver/internal/metrics"
	"github.com/zwavecore/hostdriver/internal/transport"
)

// hostWriter is the Send Scheduler's exclusive handle to the transport,
// spec.md §5 "the serial line is owned by the Scheduler", plus the
// Receive Dispatcher's bare control-byte reply path (ACK/NAK). Both
// collaborators get the same narrow interface rather than the raw
// transport.Transport, so neither can read from or otherwise misuse the
// line the other owns.
type hostWriter struct {
	tr      transport.Transport
	codec   *message.Codec
	metrics metrics.Metrics
}

// WriteMessage implements scheduler.Writer.
func (w *hostWriter) WriteMessage(_ context.Context, m message.Message) error {
	f, err := w.codec.EncodeToFrame(m)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	framer.Encode(&buf, f)
	n, err := w.tr.Write(buf.Bytes())
	if w.metrics != nil && n > 0 {
		w.metrics.IncrementBytesSent(int64(n))
	}
	return err
}

// WriteControlByte implements dispatch.ControlWriter.
func (w *hostWriter) WriteControlByte(b byte) error {
	n, err := w.tr.Write([]byte{b})
	if w.metrics != nil && n > 0 {
		w.metrics.IncrementBytesSent(int64(n))
	}
	return err
}
