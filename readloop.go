package hostdriver

import (
	"github.com/zwavecore/hostdriver/internal/dispatch"
	"github.com/zwavecore/hostdriver/internal/framer"
	"github.com/zwavecore/hostdriver/internal/metrics"
	"github.com/zwavecore/hostdriver/internal/transport"
)

// readLoop is the single reader goroutine feeding the Receive Dispatcher,
// spec.md §2 "serial -> Framer -> Message Codec -> Dispatcher" and §5's
// single-reader/single-writer split (mirroring the teacher's Conn.Read
// versus Conn.flush goroutine separation in aznet.go). It accumulates
// bytes until framer.Decode can make progress, since Decode is a
// non-blocking, buffer-based parser that returns (Frame{}, 0, nil) on a
// short read.
func readLoop(tr transport.Transport, d *dispatch.Dispatcher, m metrics.Metrics, done chan<- error) {
	var buf []byte
	chunk := make([]byte, 1024)
	for {
		n, err := tr.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if m != nil {
				m.IncrementBytesReceived(int64(n))
			}
			buf = drainFrames(buf, d)
		}
		if err != nil {
			done <- err
			return
		}
	}
}

// drainFrames decodes as many complete frames/control bytes as buf holds,
// handing each to the dispatcher, and returns the unconsumed remainder.
func drainFrames(buf []byte, d *dispatch.Dispatcher) []byte {
	for {
		f, consumed, err := framer.Decode(buf)
		if consumed == 0 {
			return buf
		}
		if err != nil {
			d.HandleFrameDecodeError(err)
		} else {
			d.HandleFrame(f)
		}
		buf = buf[consumed:]
	}
}
