package encap

import (
	"github.com/zwavecore/hostdriver/internal/command"
	"github.com/zwavecore/hostdriver/internal/security/s0"
	"github.com/zwavecore/hostdriver/internal/security/s2"
)

// Security command class identifiers.
const (
	ClassSecurityS0 byte = 0x98
	CmdS0MessageEnc byte = 0x81

	ClassSecurityS2  byte = 0x9F
	CmdS2MessageEnc  byte = 0x03
)

// Security wraps/strips S0 or S2 encapsulation, choosing between them per
// spec.md §4.3's precedence rules: "S2 takes precedence over S0 when the
// node supports Security 2 and has a non-S0_Legacy class (or a temporary
// bootstrap key is present)".
type Security struct {
	S0 *s0.Manager
	S2 *s2.Manager
}

// NewSecurity builds the combined security codec.
func NewSecurity(s0mgr *s0.Manager, s2mgr *s2.Manager) *Security {
	return &Security{S0: s0mgr, S2: s2mgr}
}

func (s *Security) Name() string { return "security" }

// Choose implements spec.md §4.3's precedence: S2 wins when supported and
// the node has a non-S0_Legacy class (or bootstrap temp key); otherwise S0
// applies whenever the node has any assigned class; otherwise neither.
func (s *Security) Choose(node NodeInfo) (command.EncapFlags, bool) {
	class := s2.Class(node.HighestSecurityClass)
	if s.S2 != nil && node.SupportsS2 && (class != s2.ClassS0Legacy && class != s2.ClassNone || node.HasTemporaryKey) {
		return command.FlagSecurityS2, true
	}
	if s.S0 != nil && class != s2.ClassNone {
		return command.FlagSecurityS0, true
	}
	return 0, false
}

func (s *Security) Applies(req Request) bool {
	_, ok := s.Choose(req.Node)
	return ok
}

// Wrap encrypts cmd using whichever security manager Choose selected.
func (s *Security) Wrap(cmd *command.Command, req Request) (*command.Command, error) {
	flag, ok := s.Choose(req.Node)
	if !ok {
		return cmd, nil
	}
	plain := append([]byte{cmd.ClassID, cmd.CommandID}, cmd.Payload...)

	if flag == command.FlagSecurityS2 {
		aad := []byte{byte(req.Node.NodeID >> 8), byte(req.Node.NodeID)}
		ciphertext, err := s.S2.Encrypt(req.Node.NodeID, plain, aad)
		if err != nil {
			return nil, err
		}
		return &command.Command{
			ClassID:       ClassSecurityS2,
			CommandID:     CmdS2MessageEnc,
			NodeID:        cmd.NodeID,
			EndpointIndex: cmd.EndpointIndex,
			Payload:       ciphertext,
			Inner:         cmd,
		}, nil
	}

	// S0: the host is passed as sender id 0 and the node's real id as the
	// receiver id for MAC binding per spec.md §4.4.
	ciphertext, err := s.S0.Encapsulate(0, req.Node.NodeID, plain)
	if err != nil {
		return nil, err
	}
	return &command.Command{
		ClassID:       ClassSecurityS0,
		CommandID:     CmdS0MessageEnc,
		NodeID:        cmd.NodeID,
		EndpointIndex: cmd.EndpointIndex,
		Payload:       ciphertext,
		Inner:         cmd,
	}, nil
}

// Unwrap decrypts an inbound S2 frame. An S0 frame is not decrypted here,
// since S0 decapsulation needs the receiver nonce that was handed out
// earlier by the local nonce table: it is reported as matched together
// with ErrS0NeedsNonceContext, and UnwrapS0 decrypts it given that nonce.
func (s *Security) Unwrap(cmd *command.Command) (*command.Command, command.EncapFlags, bool, error) {
	switch {
	case cmd.ClassID == ClassSecurityS2 && cmd.CommandID == CmdS2MessageEnc:
		aad := []byte{byte(cmd.NodeID >> 8), byte(cmd.NodeID)}
		plain, err := s.S2.Decrypt(cmd.NodeID, cmd.Payload, aad)
		if err != nil {
			return cmd, 0, true, err
		}
		if len(plain) < 2 {
			return cmd, 0, true, errShortPayload
		}
		inner := &command.Command{
			ClassID:       plain[0],
			CommandID:     plain[1],
			NodeID:        cmd.NodeID,
			EndpointIndex: cmd.EndpointIndex,
			Payload:       plain[2:],
		}
		return inner, command.FlagSecurityS2, true, nil
	case cmd.ClassID == ClassSecurityS0 && cmd.CommandID == CmdS0MessageEnc:
		return cmd, command.FlagSecurityS0, true, ErrS0NeedsNonceContext
	default:
		return cmd, 0, false, nil
	}
}

// UnwrapS0 decrypts an inbound S0 frame given the receiver nonce that was
// active when it arrived. The caller supplies that nonce; the Receive
// Dispatcher does not call UnwrapS0.
func (s *Security) UnwrapS0(cmd *command.Command, receiverNonce [8]byte) (*command.Command, command.EncapFlags, error) {
	plain, err := s.S0.Decapsulate(cmd.NodeID, 0, receiverNonce, cmd.Payload)
	if err != nil {
		return nil, 0, err
	}
	if len(plain) < 2 {
		return nil, 0, errShortPayload
	}
	inner := &command.Command{
		ClassID:       plain[0],
		CommandID:     plain[1],
		NodeID:        cmd.NodeID,
		EndpointIndex: cmd.EndpointIndex,
		Payload:       plain[2:],
	}
	return inner, command.FlagSecurityS0, nil
}
