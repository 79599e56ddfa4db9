package s0

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestGenerateNoncesAreUnique asserts the nonce-uniqueness invariant
// (spec.md §8): no two nonces generated within timeouts.nonce for any
// receiver reuse the same value.
func TestGenerateNoncesAreUnique(t *testing.T) {
	table := NewTable(5 * time.Second)
	seen := make(map[[8]byte]bool)

	for i := 0; i < 200; i++ {
		n, err := table.Generate(uint16(i % 5))
		require.NoError(t, err)
		require.False(t, seen[n.Value], "nonce %x reused within the timeout window", n.Value)
		seen[n.Value] = true
	}
}

// TestConsumeExpiredNonceErrors asserts a nonce outliving timeouts.nonce is
// rejected rather than silently accepted.
func TestConsumeExpiredNonceErrors(t *testing.T) {
	table := NewTable(1 * time.Millisecond)
	_, err := table.Generate(7)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = table.Consume(7)
	require.ErrorIs(t, err, ErrNonceExpired)
}

// TestConsumeWithNoNonceErrors asserts a fresh receiver with no generated
// nonce cannot be consumed.
func TestConsumeWithNoNonceErrors(t *testing.T) {
	table := NewTable(5 * time.Second)
	_, err := table.Consume(3)
	require.ErrorIs(t, err, ErrNoNonce)
}
