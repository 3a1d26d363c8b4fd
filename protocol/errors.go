package protocol

import "errors"

// Transient link failures. The transmit path retries these without limit.
var (
	ErrBeaconTimeout = errors.New("beacon not answered")
	ErrVerifyTimeout = errors.New("verification echo not received")
)

// Frame integrity failures. Frames failing validation are dropped silently;
// delivery relies on the sender retransmitting.
var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrFlagMismatch     = errors.New("frame flag does not match expected flag")
	ErrLengthMismatch   = errors.New("frame length does not match payload")
	ErrChecksumMismatch = errors.New("frame checksum does not match payload")
	ErrPayloadTooLarge  = errors.New("payload exceeds block size")
)
