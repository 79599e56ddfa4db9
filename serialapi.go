package hostdriver

// Well-known Z-Wave Serial API function type identifiers the Host Facade
// drives directly during connect and reset, spec.md §8 scenario 1. Per-CC
// payload semantics stay out of scope (spec.md §1); these are host-level
// framing, not command-class content.
const (
	funcGetControllerVersion byte = 0x15
	funcSoftReset            byte = 0x08
	funcSerialAPIStarted     byte = 0xA4 // unsolicited, sent after (re)boot
	funcSendData             byte = 0x13
	funcSendDataAbort        byte = 0x16
)

// txOptionACK mirrors the Z-Wave SendData transmit-options bit requesting
// a link-layer ACK from the destination, the only option this facade sets.
const txOptionACK byte = 0x01
