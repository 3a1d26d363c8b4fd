package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// Frame represents one checksummed, sequence-tagged unit on the optical link.
//
// Layout (ASCII tokens, raw payload):
//
//	[data-header][flag]<1..128>[checksum]<md5 hex>[length]<n>[payload]<n bytes>[reset]<0|1>[footer]
//
// The payload may contain any byte value, including the marker bytes and
// token text. Its extent is always derived from explicit lengths.
type Frame struct {
	Flag     uint8
	Checksum string // decoded frames only; EncodeFrame computes it
	Length   int    // declared payload length; EncodeFrame computes it
	Payload  []byte
	Reset    bool
}

// EncodeFrame serialises a frame. Checksum and Length are derived from the
// payload and written back into f.
func EncodeFrame(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, ErrMalformedFrame
	}
	if len(f.Payload) > BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	if !ValidFlag(int(f.Flag)) {
		return nil, fmt.Errorf("%w: flag %d out of range", ErrMalformedFrame, f.Flag)
	}

	f.Checksum = Checksum(f.Payload)
	f.Length = len(f.Payload)

	return appendFrame(nil, strconv.Itoa(int(f.Flag)), f.Checksum, strconv.Itoa(f.Length), f.Payload, f.Reset), nil
}

// appendFrame writes the raw field values without checking them
func appendFrame(dst []byte, flag, checksum, length string, payload []byte, reset bool) []byte {
	dst = append(dst, TokenOpen...)
	dst = append(dst, TokenFlag...)
	dst = append(dst, flag...)
	dst = append(dst, TokenChecksum...)
	dst = append(dst, checksum...)
	dst = append(dst, TokenLength...)
	dst = append(dst, length...)
	dst = append(dst, TokenPayload...)
	dst = append(dst, payload...)
	dst = append(dst, TokenReset...)
	if reset {
		dst = append(dst, '1')
	} else {
		dst = append(dst, '0')
	}
	dst = append(dst, TokenClose...)
	return dst
}

// frameHeader holds the fields preceding the payload
type frameHeader struct {
	flag     int
	checksum string
	length   int
	size     int // bytes consumed including TokenPayload
}

// parseHeader decodes the header from the start of data. It does not need
// the payload to be present.
func parseHeader(data []byte) (frameHeader, error) {
	var h frameHeader

	rest, ok := cutPrefix(data, TokenOpen+TokenFlag)
	if !ok {
		return h, fmt.Errorf("%w: missing frame open", ErrMalformedFrame)
	}

	field, rest, ok := cutField(rest, TokenChecksum)
	if !ok {
		return h, fmt.Errorf("%w: missing checksum token", ErrMalformedFrame)
	}
	flag, ok := parseDecimal(field, 3)
	if !ok {
		return h, fmt.Errorf("%w: bad flag %q", ErrMalformedFrame, field)
	}

	field, rest, ok = cutField(rest, TokenLength)
	if !ok || len(field) != ChecksumLen {
		return h, fmt.Errorf("%w: bad checksum field", ErrMalformedFrame)
	}
	checksum := string(field)

	field, rest, ok = cutField(rest, TokenPayload)
	if !ok {
		return h, fmt.Errorf("%w: missing payload token", ErrMalformedFrame)
	}
	length, ok := parseDecimal(field, 3)
	if !ok {
		return h, fmt.Errorf("%w: bad length %q", ErrMalformedFrame, field)
	}

	h.flag = flag
	h.checksum = checksum
	h.length = length
	h.size = len(data) - len(rest)
	return h, nil
}

// parseTail decodes the reset flag from the fixed-size frame tail
func parseTail(tail []byte) (bool, error) {
	if len(tail) != tailLen ||
		!bytes.HasPrefix(tail, []byte(TokenReset)) ||
		!bytes.HasSuffix(tail, []byte(TokenClose)) {
		return false, fmt.Errorf("%w: bad frame tail", ErrMalformedFrame)
	}
	switch tail[len(TokenReset)] {
	case '0':
		return false, nil
	case '1':
		return true, nil
	}
	return false, fmt.Errorf("%w: bad reset flag", ErrMalformedFrame)
}

// ParseFrame decodes a complete frame (without preamble or postamble).
// The header is read from the front, the fixed tail from the back and the
// payload is whatever lies between them. Field consistency is not checked;
// see ValidateFrame.
func ParseFrame(data []byte) (*Frame, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data)-h.size < tailLen {
		return nil, fmt.Errorf("%w: truncated frame", ErrMalformedFrame)
	}
	if h.flag > FlagMax {
		return nil, fmt.Errorf("%w: flag %d out of range", ErrMalformedFrame, h.flag)
	}

	tailStart := len(data) - tailLen
	reset, err := parseTail(data[tailStart:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, tailStart-h.size)
	copy(payload, data[h.size:tailStart])

	return &Frame{
		Flag:     uint8(h.flag),
		Checksum: h.checksum,
		Length:   h.length,
		Payload:  payload,
		Reset:    reset,
	}, nil
}

// ValidateFrame checks a decoded frame against the receiver's expected flag.
// Checks run in order flag, length, checksum; the first failure is returned.
func ValidateFrame(f *Frame, expected uint8) error {
	if f == nil {
		return ErrMalformedFrame
	}
	if f.Flag != expected {
		return fmt.Errorf("%w: got %d, want %d", ErrFlagMismatch, f.Flag, expected)
	}
	if f.Length != len(f.Payload) {
		return fmt.Errorf("%w: declared %d, got %d", ErrLengthMismatch, f.Length, len(f.Payload))
	}
	if f.Checksum != Checksum(f.Payload) {
		return ErrChecksumMismatch
	}
	return nil
}

func cutPrefix(data []byte, prefix string) ([]byte, bool) {
	if !bytes.HasPrefix(data, []byte(prefix)) {
		return data, false
	}
	return data[len(prefix):], true
}

// cutField splits data at the first occurrence of token
func cutField(data []byte, token string) (field, rest []byte, ok bool) {
	i := bytes.Index(data, []byte(token))
	if i < 0 {
		return nil, data, false
	}
	return data[:i], data[i+len(token):], true
}

// parseDecimal accepts 1..maxDigits ASCII digits and nothing else
func parseDecimal(field []byte, maxDigits int) (int, bool) {
	if len(field) == 0 || len(field) > maxDigits {
		return 0, false
	}
	n := 0
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
