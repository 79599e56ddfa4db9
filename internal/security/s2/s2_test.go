package s2

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNoSPANMarksSinglePendingNonceGet exercises spec.md §8 scenario 4: an
// S2-encapsulated command arrives from a node with no established SPAN;
// the first failure marks a NonceReport as pending, and a second failure
// within the same window must not enqueue a second one.
func TestNoSPANMarksSinglePendingNonceGet(t *testing.T) {
	m := NewManager(map[Class][16]byte{ClassS2Unauthenticated: {1, 2, 3}})
	const nodeID = 9

	_, err := m.Decrypt(nodeID, []byte("ciphertext"), []byte("aad"))
	require.ErrorIs(t, err, ErrNoSPAN)

	alreadyPending := m.MarkNonceGetPending(nodeID)
	require.False(t, alreadyPending, "first failure must enqueue a NonceReport")

	alreadyPending = m.MarkNonceGetPending(nodeID)
	require.True(t, alreadyPending, "second failure in the same window must not enqueue another")

	m.ClearNonceGetPending(nodeID)
	alreadyPending = m.MarkNonceGetPending(nodeID)
	require.False(t, alreadyPending, "a cleared pending flag allows a fresh NonceReport")
}

// TestResetPeerClearsSPANAndPending asserts a decode-failure reset forces
// full resynchronization, spec.md §4.2 "S2 decode errors".
func TestResetPeerClearsSPANAndPending(t *testing.T) {
	m := NewManager(map[Class][16]byte{ClassS2Unauthenticated: {1, 2, 3}})
	const nodeID = 4

	m.MarkNonceGetPending(nodeID)
	p := m.PeerState(nodeID)
	p.State = SPANEstablished

	m.ResetPeer(nodeID)

	require.Equal(t, SPANNone, m.PeerState(nodeID).State)
	require.False(t, m.MarkNonceGetPending(nodeID))
}
