// Package encap implements the Encapsulation Pipeline: a vector of codecs
// layering Supervision, Multi-Channel, CRC-16, Security (S0/S2), and
// Transport Service fragmentation over a user Command, per spec.md §4.3.
// Rather than a class hierarchy, each wrapper is a {applies, wrap, unwrap}
// value per the design note in spec.md §9.
package encap

import (
	"errors"

	"github.com/zwavecore/hostdriver/internal/command"
)

// ErrMultiEncapsulated is returned when an inbound frame nests the same
// encapsulating wrapper (e.g. Supervision) more than once, per spec.md §4.3
// "Multi-encapsulating wrappers ... are rejected at this level and logged".
var ErrMultiEncapsulated = errors.New("encap: multi-encapsulation rejected")

// NodeInfo is the subset of node state the pipeline needs to decide which
// wrappers apply, per spec.md §4.3's rules.
type NodeInfo struct {
	NodeID               uint16
	EndpointIndex        uint8
	SupportsSupervision  bool
	HighestSecurityClass int // mirrors s2.Class, duplicated here to avoid an import cycle
	SupportsS2           bool
	HasTemporaryKey      bool
	SupportsCRC16        bool
}

// Request carries the caller's intent alongside the command being wrapped.
type Request struct {
	Command            *command.Command
	Node               NodeInfo
	RequestSupervision bool // caller explicitly asked for a Supervision Get wrapper
	IsSetType          bool // the command class is a SET-type command
}

// Codec is one layer of the encapsulation stack.
type Codec interface {
	// Name identifies the codec for logging/diagnostics.
	Name() string
	// Applies decides whether this layer should wrap the given request.
	Applies(req Request) bool
	// Wrap applies this layer's encapsulation around cmd.
	Wrap(cmd *command.Command, req Request) (*command.Command, error)
	// Unwrap strips this layer, returning the inner Command and the flag
	// bit it contributes to encapsulation_flags.
	Unwrap(cmd *command.Command) (inner *command.Command, flag command.EncapFlags, matched bool, err error)
}

// Pipeline holds the ordered codec stack. Outbound order is outermost
// wrapped last: Supervision, then Multi-Channel, then CRC16-xor-Security,
// per spec.md §4.3.
type Pipeline struct {
	supervision Codec
	multiChan   Codec
	crc16       Codec
	security    SecurityCodec
}

// SecurityCodec is the security layer, which additionally needs to pick
// between S0 and S2 per spec.md §4.3's precedence rules.
type SecurityCodec interface {
	Codec
	// Choose reports which security wrapper (if any) a node requires.
	Choose(node NodeInfo) (use command.EncapFlags, ok bool)
}

// NewPipeline builds the standard pipeline from its four layers.
func NewPipeline(supervision, multiChan, crc16 Codec, security SecurityCodec) *Pipeline {
	return &Pipeline{supervision: supervision, multiChan: multiChan, crc16: crc16, security: security}
}

// Wrap applies every layer that decides it applies, in outbound order.
func (p *Pipeline) Wrap(req Request) (*command.Command, error) {
	cur := req.Command

	if p.supervision != nil && p.supervision.Applies(req) {
		wrapped, err := p.supervision.Wrap(cur, req)
		if err != nil {
			return nil, err
		}
		cur = wrapped
	}

	if p.multiChan != nil && p.multiChan.Applies(req) {
		wrapped, err := p.multiChan.Wrap(cur, req)
		if err != nil {
			return nil, err
		}
		cur = wrapped
	}

	// CRC-16 and Security are mutually exclusive at the same level;
	// Security wins when the node has an assigned class (spec.md §4.3).
	if use, ok := p.security.Choose(req.Node); ok {
		wrapped, err := p.security.Wrap(cur, req)
		if err != nil {
			return nil, err
		}
		cur.Flags = cur.Flags.With(use)
		cur = wrapped
	} else if p.crc16 != nil && p.crc16.Applies(req) {
		wrapped, err := p.crc16.Wrap(cur, req)
		if err != nil {
			return nil, err
		}
		cur = wrapped
	}

	return cur, nil
}

// Unwrap strips every layer outermost-to-innermost, OR-ing each wrapper's
// flag into the returned flags so a reply can mirror them (spec.md §4.3).
// Each layer is stripped at most once: a command that nests the same
// wrapper twice is rejected with ErrMultiEncapsulated.
func (p *Pipeline) Unwrap(cmd *command.Command) (*command.Command, command.EncapFlags, error) {
	var flags command.EncapFlags
	cur := cmd
	layers := []Codec{p.security, p.crc16, p.multiChan, p.supervision}

	seen := map[string]bool{}
	for {
		progressed := false
		for _, layer := range layers {
			if layer == nil {
				continue
			}
			inner, flag, matched, err := layer.Unwrap(cur)
			if err != nil {
				return nil, flags, err
			}
			if !matched {
				continue
			}
			if seen[layer.Name()] {
				return nil, flags, ErrMultiEncapsulated
			}
			seen[layer.Name()] = true
			flags = flags.With(flag)
			cur = inner
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}
	cur.Flags = flags
	return cur, flags, nil
}
