// bootstrap.go implements the out-of-band ECDH step of S2 inclusion
// bootstrapping by reusing the teacher's Noise NN-pattern handshake
// wrapper (aznet's crypto.go) verbatim in shape: an anonymous two-message
// exchange that yields a shared secret, which here becomes the S2
// temporary key installed for the duration of the bootstrap ceremony.
package s2

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

var defaultCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

var (
	// ErrBootstrapInitFailed mirrors the teacher's ErrNoiseInitFailed.
	ErrBootstrapInitFailed = errors.New("s2: bootstrap handshake initialization failed")
	// ErrBootstrapFailed mirrors the teacher's ErrHandshakeFailed.
	ErrBootstrapFailed = errors.New("s2: bootstrap handshake failed")
	// ErrBootstrapIncomplete mirrors the teacher's ErrHandshakeIncomplete.
	ErrBootstrapIncomplete = errors.New("s2: bootstrap handshake not complete")
)

// BootstrapHandshake wraps a Noise NN handshake state used to derive a
// temporary key during S2 inclusion, before the node has been granted a
// permanent security class.
type BootstrapHandshake struct {
	hs          *noise.HandshakeState
	isComplete  bool
	isInitiator bool
}

// NewBootstrapInitiator starts the handshake as the including controller.
func NewBootstrapInitiator() (*BootstrapHandshake, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: defaultCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBootstrapInitFailed, err)
	}
	return &BootstrapHandshake{hs: hs, isInitiator: true}, nil
}

// NewBootstrapResponder starts the handshake as the joining node's proxy
// on the host side (the physical node performs its own half out of band;
// the host tracks handshake state so it can install the resulting key).
func NewBootstrapResponder() (*BootstrapHandshake, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: defaultCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBootstrapInitFailed, err)
	}
	return &BootstrapHandshake{hs: hs, isInitiator: false}, nil
}

// WriteMessage produces the next handshake message carrying nodeID as its
// payload (analogous to the teacher embedding connID in the first Noise
// message).
func (b *BootstrapHandshake) WriteMessage(nodeID uint16) ([]byte, error) {
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], nodeID)
	msg, cs1, cs2, err := b.hs.WriteMessage(nil, payload[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBootstrapFailed, err)
	}
	if cs1 != nil && cs2 != nil {
		b.isComplete = true
	}
	return msg, nil
}

// ReadMessage processes a peer handshake message, returning the embedded
// node id.
func (b *BootstrapHandshake) ReadMessage(msg []byte) (nodeID uint16, err error) {
	payload, cs1, cs2, err := b.hs.ReadMessage(nil, msg)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBootstrapFailed, err)
	}
	if cs1 != nil && cs2 != nil {
		b.isComplete = true
	}
	if len(payload) < 2 {
		return 0, ErrBootstrapFailed
	}
	return binary.BigEndian.Uint16(payload), nil
}

// IsComplete reports whether the handshake has finished.
func (b *BootstrapHandshake) IsComplete() bool { return b.isComplete }

// TemporaryKey derives the 16-byte S2 temporary key from the handshake's
// chaining key material once complete.
func (b *BootstrapHandshake) TemporaryKey() ([16]byte, error) {
	if !b.isComplete {
		return [16]byte{}, ErrBootstrapIncomplete
	}
	binding := b.hs.ChannelBinding()
	var key [16]byte
	copy(key[:], binding)
	return key, nil
}
