// Package command implements the Command Class PDU and a registry-based
// codec keyed by (class id, command id), replacing the dynamic dispatch
// over CC types the original driver uses (spec.md §9 "Dynamic dispatch
// over CC types").
package command

import "errors"

// EncapFlags records which wrappers have been applied to (or stripped
// from) a Command, spec.md §3. Bits mirror the five wrappers named in
// spec.md §4.3.
type EncapFlags uint8

const (
	FlagSupervision EncapFlags = 1 << iota
	FlagSecurityS0
	FlagSecurityS2
	FlagCRC16
	FlagMultiChannel
)

func (f EncapFlags) Has(bit EncapFlags) bool { return f&bit != 0 }
func (f EncapFlags) With(bit EncapFlags) EncapFlags { return f | bit }

// Command is a Z-Wave command-class PDU, spec.md §3. An encapsulating
// Command owns an Inner Command; a leaf Command has Inner == nil.
type Command struct {
	ClassID       byte
	CommandID     byte
	NodeID        uint16
	EndpointIndex uint8
	Payload       []byte
	Flags         EncapFlags
	Inner         *Command
}

// IsLeaf reports whether this Command owns no inner Command.
func (c *Command) IsLeaf() bool { return c.Inner == nil }

// Innermost walks to the deepest wrapped Command.
func (c *Command) Innermost() *Command {
	cur := c
	for cur.Inner != nil {
		cur = cur.Inner
	}
	return cur
}

var (
	// ErrNotImplemented mirrors spec.md §7 CC_NotImplemented: no decoder is
	// registered for (class, command).
	ErrNotImplemented = errors.New("command: not implemented")
	// ErrNotSupported mirrors spec.md §7 CC_NotSupported: the node does not
	// support this command class at the negotiated version.
	ErrNotSupported = errors.New("command: not supported")
)

// Decoder decodes a command class payload into its typed fields. Per
// spec.md §1, per-CC payload semantics are opaque plugins the core does
// not implement; Decoder is the plugin seam.
type Decoder func(nodeID uint16, endpoint uint8, payload []byte) (*Command, error)

// Encoder encodes a Command's Payload for the wire.
type Encoder func(c *Command) ([]byte, error)

// key identifies a registered plugin by class and command id.
type key struct {
	class, cmd byte
}

// Registry maps (class id, command id) to decode/encode plugins, replacing
// the CC class hierarchy with table dispatch per spec.md §9.
type Registry struct {
	decoders map[key]Decoder
	encoders map[key]Encoder
}

// NewRegistry builds an empty command registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[key]Decoder), encoders: make(map[key]Encoder)}
}

// Register installs a decode/encode pair for a (class, command) pair.
func (r *Registry) Register(class, cmd byte, dec Decoder, enc Encoder) {
	k := key{class, cmd}
	if dec != nil {
		r.decoders[k] = dec
	}
	if enc != nil {
		r.encoders[k] = enc
	}
}

// Decode dispatches to the registered decoder, or returns ErrNotImplemented.
func (r *Registry) Decode(class, cmd byte, nodeID uint16, endpoint uint8, payload []byte) (*Command, error) {
	dec, ok := r.decoders[key{class, cmd}]
	if !ok {
		return nil, ErrNotImplemented
	}
	return dec(nodeID, endpoint, payload)
}

// Encode dispatches to the registered encoder, or falls back to the raw
// payload if none is registered (many CCs are sent as opaque bytes built
// by the caller).
func (r *Registry) Encode(c *Command) ([]byte, error) {
	if enc, ok := r.encoders[key{c.ClassID, c.CommandID}]; ok {
		return enc(c)
	}
	return c.Payload, nil
}
