package hostdriver

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zwavecore/hostdriver/internal/framer"
	"github.com/zwavecore/hostdriver/internal/message"
	"github.com/zwavecore/hostdriver/internal/transport"
)

// dialPipe registers a one-shot "test" transport scheme backed by a
// net.Pipe (net.Conn already satisfies transport.Transport), returning
// the controller-side net.Conn so the test can play the fake controller.
func dialPipe(t *testing.T) net.Conn {
	t.Helper()
	hostSide, ctrlSide := net.Pipe()
	transport.Register("test", func(_ context.Context, _ string) (transport.Transport, error) {
		return hostSide, nil
	})
	return ctrlSide
}

// fakeController ACKs every outbound frame, and additionally replies with
// a Response to GetControllerVersionRequest, simulating spec.md §8
// scenario 1's handshake.
func fakeController(t *testing.T, ctrl net.Conn, done <-chan struct{}) {
	t.Helper()
	buf := make([]byte, 256)
	var acc []byte
	for {
		select {
		case <-done:
			return
		default:
		}
		ctrl.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := ctrl.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			acc = respondToFrames(t, ctrl, acc)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}

func respondToFrames(t *testing.T, ctrl net.Conn, buf []byte) []byte {
	for {
		f, consumed, err := framer.Decode(buf)
		if consumed == 0 {
			return buf
		}
		if err == nil && f.Kind == framer.KindData {
			var out bytes.Buffer
			framer.EncodeControl(&out, framer.ACK)
			if f.FunctionType == funcGetControllerVersion {
				framer.Encode(&out, framer.Frame{
					MessageType:  byte(message.TypeResponse),
					FunctionType: funcGetControllerVersion,
					Payload:      []byte("test-controller"),
				})
			}
			_, werr := ctrl.Write(out.Bytes())
			require.NoError(t, werr)
		}
		buf = buf[consumed:]
	}
}

func messageForVersion() message.Message {
	return message.Message{FunctionType: funcGetControllerVersion, Type: message.TypeRequest}
}

func openTestHost(t *testing.T) *Host {
	t.Helper()
	ctrl := dialPipe(t)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go fakeController(t, ctrl, done)

	h, err := Open("test://fake",
		WithSoftReset(false),
		WithCacheDir(t.TempDir()),
		WithLockDirectory(t.TempDir()),
		WithErrorHandler(func(error) {}),
		WithResponseTimeout(2*time.Second),
	)
	require.NoError(t, err)
	require.NotNil(t, h)
	return h
}

func TestOpenRunsControllerHandshake(t *testing.T) {
	h := openTestHost(t)
	defer h.Close()

	require.True(t, h.ready.Load())
}

func TestOpenRequiresErrorHandler(t *testing.T) {
	ctrl := dialPipe(t)
	done := make(chan struct{})
	defer close(done)
	go fakeController(t, ctrl, done)

	_, err := Open("test://fake", WithSoftReset(false), WithCacheDir(t.TempDir()), WithLockDirectory(t.TempDir()))
	require.ErrorIs(t, err, ErrNoErrorHandler)
}

func TestSendMessageRoundTrip(t *testing.T) {
	h := openTestHost(t)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := h.SendMessage(ctx, messageForVersion())
	require.NoError(t, err)
	require.Equal(t, []byte("test-controller"), resp.RawPayload)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := openTestHost(t)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func TestSendMessageAfterCloseFails(t *testing.T) {
	h := openTestHost(t)
	require.NoError(t, h.Close())

	_, err := h.SendMessage(context.Background(), messageForVersion())
	require.ErrorIs(t, err, ErrDestroyed)
}
