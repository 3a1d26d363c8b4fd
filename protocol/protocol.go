// Package protocol implements the optical link protocol: frame encoding,
// sequence flags and the half-duplex handshake/transmit/receive engine.
package protocol

import "ocprelay/blockring"

// Version is the relay software version
const Version = "1.1.0"

// Protocol constants
const (
	BlockSize = blockring.BlockSize // Payload bytes carried by one frame, same as one store block

	FlagMin = 1   // First flag of a sequence
	FlagMax = 128 // Last flag before wrapping back to FlagMin

	// Single-byte markers on the optical carrier
	FrameStartByte = 0x02 // Preamble byte announcing a frame
	FrameEndByte   = 0x03 // Postamble byte after a frame
	VerifyByte     = 0x06 // First byte of a verification echo pair
	BeaconByte     = 0x55 // Carrier tone byte (alternating bits)

	PreambleLen  = 4 // FrameStartByte repeats before a frame
	PostambleLen = 4 // FrameEndByte repeats after a frame
)

// ASCII tokens framing the sections of a frame
const (
	TokenOpen     = "[data-header]"
	TokenFlag     = "[flag]"
	TokenChecksum = "[checksum]"
	TokenLength   = "[length]"
	TokenPayload  = "[payload]"
	TokenReset    = "[reset]"
	TokenClose    = "[footer]"
)

// ChecksumLen is the number of hex characters of a frame checksum
const ChecksumLen = 32

// tailLen is the fixed size of everything after the payload
const tailLen = len(TokenReset) + 1 + len(TokenClose)

// maxHeaderLen bounds the frame header up to and including TokenPayload
const maxHeaderLen = len(TokenOpen) + len(TokenFlag) + 3 + len(TokenChecksum) + ChecksumLen +
	len(TokenLength) + 3 + len(TokenPayload)
