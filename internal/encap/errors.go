package encap

import "errors"

var (
	errShortPayload = errors.New("encap: payload too short")
	// ErrChecksumMismatch is returned when a CRC-16 Encapsulation trailer
	// does not match its computed checksum.
	ErrChecksumMismatch = errors.New("encap: crc16 mismatch")
	// ErrS0NeedsNonceContext signals that S0 decapsulation requires the
	// caller to invoke UnwrapS0 with the receiver nonce that was active
	// when the frame arrived, rather than the generic Unwrap path.
	ErrS0NeedsNonceContext = errors.New("encap: s0 decapsulation requires nonce context")
)
