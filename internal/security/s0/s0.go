// Package s0 implements the Security 0 nonce table and authenticated
// encapsulation described in spec.md §4.4. The AES primitives (CBC-MAC
// over sender/receiver/nonce/ciphertext, OFB-mode payload encryption) are
// Z-Wave-S0-specific constructions with no equivalent library in the
// example pack or the broader Go ecosystem, so this package is built on
// crypto/aes + crypto/cipher from the standard library; see DESIGN.md.
package s0

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoNonce is returned when encapsulation is attempted with no cached
	// receiver nonce; the caller must run a NonceGet/NonceReport round trip.
	ErrNoNonce = errors.New("s0: no cached nonce")
	// ErrNonceExpired is returned when the cached nonce outlived its
	// timeouts.nonce lifetime.
	ErrNonceExpired = errors.New("s0: nonce expired")
	// ErrMAC is returned when decapsulation's authentication tag does not
	// verify.
	ErrMAC = errors.New("s0: authentication failed")
)

// Nonce is an 8-byte Security 0 nonce with an expiry.
type Nonce struct {
	Value   [8]byte
	Expires time.Time
}

// Table is the per-receiver nonce cache described in spec.md §4.4,
// "A nonce table per receiver with timeout timeouts.nonce". It is owned
// exclusively by the Security Manager and mutated only by Encapsulation,
// per spec.md §5.
type Table struct {
	mu      sync.Mutex
	timeout time.Duration
	nonces  map[uint16]Nonce // receiverNodeID -> nonce
	used    map[[8]byte]time.Time
}

// NewTable builds a nonce table with the given lifetime.
func NewTable(timeout time.Duration) *Table {
	return &Table{
		timeout: timeout,
		nonces:  make(map[uint16]Nonce),
		used:    make(map[[8]byte]time.Time),
	}
}

// Generate creates and stores a fresh nonce for receiverNodeID, evicting
// any prior entry. It also prunes expired "used" entries opportunistically
// so memory does not grow unbounded.
func (t *Table) Generate(receiverNodeID uint16) (Nonce, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return Nonce{}, err
	}
	n := Nonce{Value: raw, Expires: time.Now().Add(t.timeout)}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.used[raw]; dup {
		// Nonce-uniqueness invariant (spec.md §8): astronomically unlikely
		// collision, regenerate deterministically by perturbing one byte.
		raw[0]++
		n.Value = raw
	}
	t.nonces[receiverNodeID] = n
	t.used[raw] = n.Expires
	t.pruneLocked()
	return n, nil
}

func (t *Table) pruneLocked() {
	now := time.Now()
	for k, exp := range t.used {
		if now.After(exp) {
			delete(t.used, k)
		}
	}
}

// Consume returns and removes the cached nonce for receiverNodeID, failing
// if absent or expired. A nonce is single-use per spec.md §8's uniqueness
// invariant.
func (t *Table) Consume(receiverNodeID uint16) (Nonce, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nonces[receiverNodeID]
	if !ok {
		return Nonce{}, ErrNoNonce
	}
	delete(t.nonces, receiverNodeID)
	if time.Now().After(n.Expires) {
		return Nonce{}, ErrNonceExpired
	}
	return n, nil
}

// Clear removes all cached nonces for a node, used on node removal
// (spec.md §8 scenario 5, "nonce tables for node 3 cleared").
func (t *Table) Clear(nodeID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nonces, nodeID)
}

// Manager implements S0 encapsulate/decapsulate using a per-peer network
// key and the sender's/receiver's cached nonces.
type Manager struct {
	Key    [16]byte
	Nonces *Table
}

// NewManager builds an S0 manager with the given 16-byte network key.
func NewManager(key []byte, nonceTimeout time.Duration) (*Manager, error) {
	if len(key) != 16 {
		return nil, errors.New("s0: key must be 16 bytes")
	}
	m := &Manager{Nonces: NewTable(nonceTimeout)}
	copy(m.Key[:], key)
	return m, nil
}

// Encapsulate wraps plaintext addressed from senderID to receiverID using
// the receiver's cached nonce, returning ciphertext || senderNonce || MAC
// as Z-Wave S0 defines it.
func (m *Manager) Encapsulate(senderID, receiverID uint16, plaintext []byte) ([]byte, error) {
	recvNonce, err := m.Nonces.Consume(receiverID)
	if err != nil {
		return nil, err
	}
	var senderNonce [8]byte
	if _, err := rand.Read(senderNonce[:]); err != nil {
		return nil, err
	}

	ciphertext, err := m.ofbCrypt(senderNonce, recvNonce.Value, plaintext)
	if err != nil {
		return nil, err
	}

	mac := m.cbcMAC(0x81, senderID, receiverID, senderNonce, recvNonce.Value, ciphertext)

	out := make([]byte, 0, len(ciphertext)+8+8)
	out = append(out, ciphertext...)
	out = append(out, senderNonce[:]...)
	out = append(out, mac[:8]...)
	return out, nil
}

// Decapsulate verifies and decrypts a received S0 frame, per spec.md §4.4
// "Decapsulation verifies the MAC over (sender id, receiver id, nonce,
// ciphertext) using the S0 key."
func (m *Manager) Decapsulate(senderID, receiverID uint16, receiverNonce [8]byte, frame []byte) ([]byte, error) {
	if len(frame) < 16 {
		return nil, errors.New("s0: frame too short")
	}
	macOffset := len(frame) - 8
	nonceOffset := macOffset - 8
	ciphertext := frame[:nonceOffset]
	var senderNonce [8]byte
	copy(senderNonce[:], frame[nonceOffset:macOffset])
	gotMAC := frame[macOffset:]

	wantMAC := m.cbcMAC(0x81, senderID, receiverID, senderNonce, receiverNonce, ciphertext)
	if !hmacEqual(gotMAC, wantMAC[:8]) {
		return nil, ErrMAC
	}

	return m.ofbCrypt(senderNonce, receiverNonce, ciphertext)
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// ofbCrypt implements the Z-Wave S0 OFB-mode stream cipher keyed by an IV
// built from both nonces. Encryption and decryption are the same operation.
func (m *Manager) ofbCrypt(senderNonce, receiverNonce [8]byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.Key[:])
	if err != nil {
		return nil, err
	}
	var iv [16]byte
	copy(iv[:8], senderNonce[:])
	copy(iv[8:], receiverNonce[:])
	stream := cipher.NewOFB(block, iv[:])
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// cbcMAC authenticates (header, senderID, receiverID, senderNonce,
// receiverNonce, ciphertext) with plain CBC-MAC, as Z-Wave S0 specifies.
func (m *Manager) cbcMAC(header byte, senderID, receiverID uint16, senderNonce, receiverNonce [8]byte, ciphertext []byte) [16]byte {
	block, _ := aes.NewCipher(m.Key[:])
	buf := make([]byte, 0, 1+2+2+8+8+len(ciphertext))
	buf = append(buf, header)
	buf = append(buf, byte(senderID>>8), byte(senderID))
	buf = append(buf, byte(receiverID>>8), byte(receiverID))
	buf = append(buf, senderNonce[:]...)
	buf = append(buf, receiverNonce[:]...)
	buf = append(buf, ciphertext...)

	var mac [16]byte
	for len(buf) >= 16 {
		var block16 [16]byte
		for i := 0; i < 16; i++ {
			block16[i] = buf[i] ^ mac[i]
		}
		block.Encrypt(mac[:], block16[:])
		buf = buf[16:]
	}
	if len(buf) > 0 {
		var block16 [16]byte
		for i, b := range buf {
			block16[i] = b ^ mac[i]
		}
		for i := len(buf); i < 16; i++ {
			block16[i] = mac[i]
		}
		block.Encrypt(mac[:], block16[:])
	}
	return mac
}
