// Package message implements the frame<->typed Message codec: function
// type, message type, optional callback id, optional target node, and an
// embedded Command payload.
package message

import (
	"errors"

	"github.com/zwavecore/hostdriver/internal/command"
	"github.com/zwavecore/hostdriver/internal/framer"
)

// Type distinguishes a Request (host->controller) from a Response
// (controller->host), spec.md §3.
type Type byte

const (
	TypeRequest  Type = 0x00
	TypeResponse Type = 0x01
)

// CallbackPolicy reports whether a given function type's message
// conventionally expects an asynchronous callback after its synchronous
// Response, per spec.md §4.1.
type CallbackPolicy func(functionType byte) bool

// Message is the only unit the Send Scheduler enqueues, spec.md §3.
type Message struct {
	FunctionType byte
	Type         Type
	CallbackID   byte // 0 means "no callback expected"
	NodeID       *uint16
	Command      *command.Command
	RawPayload   []byte // payload bytes once decoded from a frame
}

// ExpectsCallback reports whether this message carries a non-zero callback
// id, i.e. the controller will send an asynchronous callback Request
// correlated by that id.
func (m Message) ExpectsCallback() bool { return m.CallbackID != 0 }

var (
	// ErrNotImplemented mirrors spec.md §7 Deserialization_NotImplemented:
	// the function type has no registered decoder.
	ErrNotImplemented = errors.New("message: deserialization not implemented")
)

// Decoder decodes a message's raw payload for one function type.
type Decoder func(raw []byte) (Message, error)

// Encoder encodes a Message's RawPayload for transmission.
type Encoder func(m Message) ([]byte, error)

// Codec is a registry of per-function-type encode/decode plugins, mirroring
// the spec's "CC is an opaque encoder/decoder plugin" design extended to
// the message layer itself (some function types carry structured payloads
// the core must parse to extract callback id / node id, e.g. SendData).
type Codec struct {
	decoders map[byte]Decoder
	encoders map[byte]Encoder
}

// NewCodec builds an empty message codec.
func NewCodec() *Codec {
	return &Codec{decoders: make(map[byte]Decoder), encoders: make(map[byte]Encoder)}
}

// Register installs a decode/encode pair for a function type.
func (c *Codec) Register(functionType byte, dec Decoder, enc Encoder) {
	c.decoders[functionType] = dec
	c.encoders[functionType] = enc
}

// DecodeFrame turns a parsed wire Frame into a typed Message.
func (c *Codec) DecodeFrame(f framer.Frame) (Message, error) {
	dec, ok := c.decoders[f.FunctionType]
	if !ok {
		return Message{
			FunctionType: f.FunctionType,
			Type:         Type(f.MessageType),
			RawPayload:   f.Payload,
		}, ErrNotImplemented
	}
	msg, err := dec(f.Payload)
	if err != nil {
		return msg, err
	}
	// FunctionType/Type come from the frame itself, not the payload - a
	// Decoder only needs to fill in CallbackID/NodeID/Command/RawPayload.
	msg.FunctionType = f.FunctionType
	msg.Type = Type(f.MessageType)
	return msg, nil
}

// EncodeToFrame turns a typed Message into a wire Frame.
func (c *Codec) EncodeToFrame(m Message) (framer.Frame, error) {
	enc, ok := c.encoders[m.FunctionType]
	var payload []byte
	var err error
	if ok {
		payload, err = enc(m)
		if err != nil {
			return framer.Frame{}, err
		}
	} else {
		payload = m.RawPayload
	}
	return framer.Frame{
		Kind:         framer.KindData,
		MessageType:  byte(m.Type),
		FunctionType: m.FunctionType,
		Payload:      payload,
	}, nil
}
