package encap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zwavecore/hostdriver/internal/command"
)

// fakeSecurity is a SecurityCodec that never applies, letting pipeline
// tests exercise Supervision/Multi-Channel/CRC-16 without a real S0/S2
// manager.
type fakeSecurity struct{}

func (fakeSecurity) Name() string              { return "fakesecurity" }
func (fakeSecurity) Applies(Request) bool       { return false }
func (fakeSecurity) Choose(NodeInfo) (command.EncapFlags, bool) { return 0, false }
func (fakeSecurity) Wrap(cmd *command.Command, _ Request) (*command.Command, error) {
	return cmd, nil
}
func (fakeSecurity) Unwrap(cmd *command.Command) (*command.Command, command.EncapFlags, bool, error) {
	return cmd, 0, false, nil
}

func newTestPipeline() *Pipeline {
	return NewPipeline(NewSupervisionCodec(), NewMultiChannelCodec(), NewCRC16Codec(), fakeSecurity{})
}

// TestWrapUnwrapRoundTrip asserts the idempotent-encapsulation invariant
// (spec.md §8): decapsulate(encapsulate(cmd, flags)) == (cmd, flags), for
// CRC-16 and Multi-Channel, the two wrappers this pipeline can apply
// without a security manager.
func TestWrapUnwrapRoundTrip(t *testing.T) {
	p := newTestPipeline()

	cmd := &command.Command{ClassID: 0x25, CommandID: 0x01, NodeID: 9, Payload: []byte{0xFF}}
	req := Request{Command: cmd, Node: NodeInfo{NodeID: 9, EndpointIndex: 2, SupportsCRC16: true}}

	wrapped, err := p.Wrap(req)
	require.NoError(t, err)
	require.NotEqual(t, cmd.ClassID, wrapped.ClassID)

	unwrapped, flags, err := p.Unwrap(wrapped)
	require.NoError(t, err)
	require.Equal(t, cmd.ClassID, unwrapped.ClassID)
	require.Equal(t, cmd.CommandID, unwrapped.CommandID)
	require.Equal(t, cmd.Payload, unwrapped.Payload)
	require.True(t, flags.Has(command.FlagCRC16))
	require.True(t, flags.Has(command.FlagMultiChannel))
}

// TestWrapSkipsMultiChannelForEndpointZero asserts Multi-Channel only
// wraps when endpoint_index > 0, spec.md §4.3.
func TestWrapSkipsMultiChannelForEndpointZero(t *testing.T) {
	p := newTestPipeline()
	cmd := &command.Command{ClassID: 0x25, CommandID: 0x01, NodeID: 9, Payload: []byte{0x01}}
	req := Request{Command: cmd, Node: NodeInfo{NodeID: 9, EndpointIndex: 0}}

	wrapped, err := p.Wrap(req)
	require.NoError(t, err)
	require.Equal(t, cmd, wrapped, "no wrapper should have applied")
}

// TestUnwrapRejectsDoubleSupervision asserts a malformed frame nesting the
// same wrapper twice is rejected rather than silently accepted, spec.md
// §4.3/§9 "Multi-Command encapsulation is rejected rather than
// implemented."
func TestUnwrapRejectsDoubleSupervision(t *testing.T) {
	p := newTestPipeline()
	inner := &command.Command{ClassID: 0x25, CommandID: 0x01, Payload: []byte{0x01}}
	once, err := p.supervision.Wrap(inner, Request{})
	require.NoError(t, err)
	twice, err := p.supervision.Wrap(once, Request{})
	require.NoError(t, err)

	_, _, err = p.Unwrap(twice)
	require.ErrorIs(t, err, ErrMultiEncapsulated)
}
