package encap

import "github.com/zwavecore/hostdriver/internal/command"

// CRC-16 Encapsulation command class identifiers.
const (
	ClassCRC16    byte = 0x56
	CmdCRC16Encap byte = 0x01
)

// crc16CCITT computes the CRC-16/AUG-CCITT checksum (polynomial 0x1021,
// initial value 0x1D0F) Z-Wave's CRC-16 Encapsulation command class uses.
func crc16CCITT(data []byte) uint16 {
	var crc uint16 = 0x1D0F
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CRC16Codec wraps/strips the CRC-16 Encapsulation command. It applies
// only when the node cannot use Security at this level (spec.md §4.3:
// "CRC-16 and Security are mutually exclusive at the same level; Security
// wins when the node has an assigned class"), which the Pipeline enforces
// by only consulting this codec when SecurityCodec.Choose returns false.
type CRC16Codec struct{}

func NewCRC16Codec() *CRC16Codec { return &CRC16Codec{} }

func (c *CRC16Codec) Name() string { return "crc16" }

func (c *CRC16Codec) Applies(req Request) bool {
	return req.Node.SupportsCRC16
}

func (c *CRC16Codec) Wrap(cmd *command.Command, req Request) (*command.Command, error) {
	inner := append([]byte{cmd.ClassID, cmd.CommandID}, cmd.Payload...)
	crc := crc16CCITT(inner)
	payload := make([]byte, len(inner)+2)
	copy(payload, inner)
	payload[len(inner)] = byte(crc >> 8)
	payload[len(inner)+1] = byte(crc)
	return &command.Command{
		ClassID:       ClassCRC16,
		CommandID:     CmdCRC16Encap,
		NodeID:        cmd.NodeID,
		EndpointIndex: cmd.EndpointIndex,
		Payload:       payload,
		Inner:         cmd,
	}, nil
}

func (c *CRC16Codec) Unwrap(cmd *command.Command) (*command.Command, command.EncapFlags, bool, error) {
	if cmd.ClassID != ClassCRC16 || cmd.CommandID != CmdCRC16Encap {
		return cmd, 0, false, nil
	}
	if len(cmd.Payload) < 4 {
		return cmd, 0, false, errShortPayload
	}
	body := cmd.Payload[:len(cmd.Payload)-2]
	wantCRC := uint16(cmd.Payload[len(cmd.Payload)-2])<<8 | uint16(cmd.Payload[len(cmd.Payload)-1])
	if crc16CCITT(body) != wantCRC {
		return cmd, 0, false, ErrChecksumMismatch
	}
	inner := &command.Command{
		ClassID:       body[0],
		CommandID:     body[1],
		NodeID:        cmd.NodeID,
		EndpointIndex: cmd.EndpointIndex,
		Payload:       body[2:],
	}
	return inner, command.FlagCRC16, true, nil
}
