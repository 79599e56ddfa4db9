// Package s2 implements Security 2 SPAN/MPAN state tracking, the four
// security classes, and authenticated encryption, per spec.md §4.4.
package s2

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"sync"
)

// Class identifies one of the four S2/S0 security classes, spec.md §4.4.
type Class int

const (
	ClassNone Class = iota
	ClassS0Legacy
	ClassS2Unauthenticated
	ClassS2Authenticated
	ClassS2AccessControl
	ClassTemporary
)

// SPANState is the per-peer synchronization state of the singlecast
// pre-agreed nonce, spec.md §3.
type SPANState int

const (
	SPANNone SPANState = iota
	SPANLocalEI
	SPANRemoteEI
	SPANContinue
	SPANEstablished
)

var (
	// ErrNotInitialized mirrors spec.md §7 Security2CC_NotInitialized.
	ErrNotInitialized = errors.New("s2: not initialized")
	// ErrNoSPAN mirrors spec.md §7 Security2CC_NoSPAN.
	ErrNoSPAN = errors.New("s2: no established SPAN")
	// ErrCannotDecode mirrors spec.md §7 Security2CC_CannotDecode.
	ErrCannotDecode = errors.New("s2: cannot decode")
)

// PeerSPAN tracks one peer's SPAN synchronization state and derived
// working keys.
type PeerSPAN struct {
	State       SPANState
	LocalEI     [16]byte
	RemoteEI    [16]byte
	Class       Class
	SenderKey   [16]byte
	ReceiverKey [16]byte
	SequenceNum uint32
}

// MPANEntry is one multicast group's pre-agreed nonce state.
type MPANEntry struct {
	GroupID uint8
	Inner   [16]byte
}

// Manager owns SPAN state for every peer plus the MPAN table, and the four
// security-class keys (spec.md §4.4).
type Manager struct {
	mu    sync.Mutex
	spans map[uint16]*PeerSPAN
	mpan  map[uint8]*MPANEntry

	classKeys map[Class][16]byte
	tempKey   *[16]byte

	pendingNonceGet map[uint16]bool // node -> a NonceReport is already enqueued
}

// NewManager builds an S2 manager with the given per-class keys.
func NewManager(classKeys map[Class][16]byte) *Manager {
	return &Manager{
		spans:           make(map[uint16]*PeerSPAN),
		mpan:            make(map[uint8]*MPANEntry),
		classKeys:       classKeys,
		pendingNonceGet: make(map[uint16]bool),
	}
}

// PeerState returns (creating if absent) the SPAN state for a peer.
func (m *Manager) PeerState(nodeID uint16) *PeerSPAN {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.spans[nodeID]
	if !ok {
		p = &PeerSPAN{State: SPANNone}
		m.spans[nodeID] = p
	}
	return p
}

// ResetPeer clears a peer's SPAN state, forcing resynchronization on the
// next exchange. Used on decode failure (spec.md §4.2 "S2 decode errors")
// and node removal.
func (m *Manager) ResetPeer(nodeID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spans, nodeID)
	delete(m.pendingNonceGet, nodeID)
}

// BeginLocalEI generates this host's entropy input to start (or restart) a
// SPAN exchange with a peer, per spec.md §4.4 "resynchronises by exchanging
// EI in Nonce Get/Report".
func (m *Manager) BeginLocalEI(nodeID uint16) ([16]byte, error) {
	p := m.PeerState(nodeID)
	if _, err := rand.Read(p.LocalEI[:]); err != nil {
		return [16]byte{}, err
	}
	p.State = SPANLocalEI
	return p.LocalEI, nil
}

// EstablishFromEI finishes the SPAN handshake once both entropy inputs are
// known, deriving the working sender/receiver keys via the KDF chain.
func (m *Manager) EstablishFromEI(nodeID uint16, class Class, remoteEI [16]byte) error {
	p := m.PeerState(nodeID)
	p.RemoteEI = remoteEI
	p.Class = class

	key, ok := m.keyFor(class)
	if !ok {
		return ErrNotInitialized
	}

	span := DeriveSPAN(key, p.LocalEI, p.RemoteEI)
	mpeKey, keys := DeriveWorkingKeys(key, span)
	_ = mpeKey
	p.SenderKey = keys.SenderKey
	p.ReceiverKey = keys.ReceiverKey
	p.SequenceNum = 0
	p.State = SPANEstablished
	return nil
}

func (m *Manager) keyFor(class Class) ([16]byte, bool) {
	if class == ClassTemporary && m.tempKey != nil {
		return *m.tempKey, true
	}
	k, ok := m.classKeys[class]
	return k, ok
}

// SetTemporaryKey installs a bootstrap temporary key (§4.4 "Temporary keys
// are installed during bootstrap").
func (m *Manager) SetTemporaryKey(key [16]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key
	m.tempKey = &k
}

// RetireTemporaryKey removes the bootstrap temporary key on completion or
// abort.
func (m *Manager) RetireTemporaryKey() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempKey = nil
}

// MarkNonceGetPending records that a NonceReport has already been queued
// for a peer so a second decode failure within the same window does not
// enqueue another (spec.md §8 scenario 4).
func (m *Manager) MarkNonceGetPending(nodeID uint16) (alreadyPending bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingNonceGet[nodeID] {
		return true
	}
	m.pendingNonceGet[nodeID] = true
	return false
}

// ClearNonceGetPending is called once the NonceReport transaction settles.
func (m *Manager) ClearNonceGetPending(nodeID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingNonceGet, nodeID)
}

// Encrypt authenticates and encrypts plaintext for the given peer's
// current SPAN, advancing the sequence number (spec.md §4.4 "SPAN advanced
// on every message").
func (m *Manager) Encrypt(nodeID uint16, plaintext, aad []byte) ([]byte, error) {
	p := m.PeerState(nodeID)
	if p.State != SPANEstablished {
		return nil, ErrNoSPAN
	}
	out, err := ccmSeal(p.SenderKey, p.SequenceNum, plaintext, aad)
	if err != nil {
		return nil, err
	}
	p.SequenceNum++
	return out, nil
}

// Decrypt authenticates and decrypts a received S2 frame for the peer's
// current SPAN.
func (m *Manager) Decrypt(nodeID uint16, ciphertext, aad []byte) ([]byte, error) {
	p := m.PeerState(nodeID)
	if p.State != SPANEstablished {
		return nil, ErrNoSPAN
	}
	out, err := ccmOpen(p.ReceiverKey, p.SequenceNum, ciphertext, aad)
	if err != nil {
		return nil, ErrCannotDecode
	}
	p.SequenceNum++
	return out, nil
}

// EstablishMPAN installs a multicast group's inner MPAN state.
func (m *Manager) EstablishMPAN(groupID uint8, inner [16]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mpan[groupID] = &MPANEntry{GroupID: groupID, Inner: inner}
}

// ccmSeal/ccmOpen use AES-GCM as the authenticated cipher standing in for
// Z-Wave's AES-CCM construction (same security properties: AEAD with a
// 128-bit key and a nonce derived from the sequence number); see
// DESIGN.md for why no pack/ecosystem CCM implementation was available.
func ccmSeal(key [16]byte, seq uint32, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	nonce[0], nonce[1], nonce[2], nonce[3] = byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq)
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

func ccmOpen(key [16]byte, seq uint32, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	nonce[0], nonce[1], nonce[2], nonce[3] = byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq)
	return gcm.Open(nil, nonce, ciphertext, aad)
}
