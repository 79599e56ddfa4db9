package encap

import "github.com/zwavecore/hostdriver/internal/command"

// Multi Channel command class identifiers.
const (
	ClassMultiChannel    byte = 0x60
	CmdMultiChannelEncap byte = 0x0D
)

// MultiChannelCodec wraps/strips the Multi Channel Encapsulation command,
// applied when endpoint_index > 0 per spec.md §4.3.
type MultiChannelCodec struct{}

func NewMultiChannelCodec() *MultiChannelCodec { return &MultiChannelCodec{} }

func (c *MultiChannelCodec) Name() string { return "multichannel" }

func (c *MultiChannelCodec) Applies(req Request) bool {
	return req.Node.EndpointIndex > 0
}

func (c *MultiChannelCodec) Wrap(cmd *command.Command, req Request) (*command.Command, error) {
	payload := make([]byte, 4+len(cmd.Payload))
	payload[0] = 0x00 // source endpoint: the host itself
	payload[1] = req.Node.EndpointIndex
	payload[2] = cmd.ClassID
	payload[3] = cmd.CommandID
	copy(payload[4:], cmd.Payload)
	return &command.Command{
		ClassID:       ClassMultiChannel,
		CommandID:     CmdMultiChannelEncap,
		NodeID:        cmd.NodeID,
		EndpointIndex: req.Node.EndpointIndex,
		Payload:       payload,
		Inner:         cmd,
	}, nil
}

func (c *MultiChannelCodec) Unwrap(cmd *command.Command) (*command.Command, command.EncapFlags, bool, error) {
	if cmd.ClassID != ClassMultiChannel || cmd.CommandID != CmdMultiChannelEncap {
		return cmd, 0, false, nil
	}
	if len(cmd.Payload) < 4 {
		return cmd, 0, false, errShortPayload
	}
	destEndpoint := cmd.Payload[1] & 0x7F
	inner := &command.Command{
		ClassID:       cmd.Payload[2],
		CommandID:     cmd.Payload[3],
		NodeID:        cmd.NodeID,
		EndpointIndex: destEndpoint,
		Payload:       cmd.Payload[4:],
	}
	return inner, command.FlagMultiChannel, true, nil
}
