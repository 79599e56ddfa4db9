package transportservice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMissingSegmentTriggersRequestThenCompletes exercises spec.md §8
// scenario 3: FirstSegment(session=7, size=140, fragment=40), then
// SubsequentSegment(offset=40), then SubsequentSegment(offset=120) with
// offset=80 missing, expecting a SegmentRequest(80); once offset=80
// arrives, the datagram completes.
func TestMissingSegmentTriggersRequestThenCompletes(t *testing.T) {
	rx := NewRX()
	const nodeID, session = 9, byte(7)

	first := make([]byte, 40)
	for i := range first {
		first[i] = byte(i)
	}
	outs := rx.FirstSegment(nodeID, session, 140, 40, first)
	require.Len(t, outs, 1)
	require.NotNil(t, outs[0].SegmentRequest)
	require.Equal(t, 40, *outs[0].SegmentRequest)

	seg40 := make([]byte, 40)
	for i := range seg40 {
		seg40[i] = byte(40 + i)
	}
	outs, err := rx.SubsequentSegment(nodeID, session, 40, seg40)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.NotNil(t, outs[0].SegmentRequest)
	require.Equal(t, 80, *outs[0].SegmentRequest, "offset 80 was skipped, must be requested")

	seg120 := make([]byte, 20)
	for i := range seg120 {
		seg120[i] = byte(120 + i)
	}
	outs, err = rx.SubsequentSegment(nodeID, session, 120, seg120)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.NotNil(t, outs[0].SegmentRequest)
	require.Equal(t, 80, *outs[0].SegmentRequest, "offset 80 is still missing")

	seg80 := make([]byte, 40)
	for i := range seg80 {
		seg80[i] = byte(80 + i)
	}
	outs, err = rx.SubsequentSegment(nodeID, session, 80, seg80)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.True(t, outs[0].SegmentComplete)

	want := append(append(append([]byte{}, first...), seg40...), append(seg80, seg120...)...)
	require.Equal(t, want, outs[0].Datagram)
}

// TestFragmentRoundTrip asserts the fragment round-trip invariant (spec.md
// §8): for a datagram larger than the fragment size, feeding Fragment's
// output back through RX in order reassembles the original bytes.
func TestFragmentRoundTrip(t *testing.T) {
	datagram := make([]byte, 140)
	for i := range datagram {
		datagram[i] = byte(i)
	}
	first, rest, offsets := Fragment(datagram, 40)
	require.Len(t, rest, 3)

	rx := NewRX()
	outs := rx.FirstSegment(1, 1, len(datagram), 40, first)
	var last []Output
	for i, frag := range rest {
		last, _ = rx.SubsequentSegment(1, 1, offsets[i], frag)
		outs = last
	}
	require.Len(t, outs, 1)
	require.True(t, outs[0].SegmentComplete)
	require.Equal(t, datagram, outs[0].Datagram)
}

// TestSubsequentSegmentWithNoSessionErrors asserts a stray subsequent
// segment with no matching FirstSegment is rejected rather than panicking.
func TestSubsequentSegmentWithNoSessionErrors(t *testing.T) {
	rx := NewRX()
	_, err := rx.SubsequentSegment(2, 3, 40, []byte{0x01})
	require.ErrorIs(t, err, ErrUnexpectedSegment)
}
