package protocol

// NextFlag returns the flag following f in the cyclic 1..128 sequence.
// The initial sender value 0 advances to 1.
func NextFlag(f uint8) uint8 {
	if f >= FlagMax {
		return FlagMin
	}
	return f + 1
}

// PrevFlag returns the flag preceding f in the cyclic sequence
func PrevFlag(f uint8) uint8 {
	if f <= FlagMin {
		return FlagMax
	}
	return f - 1
}

// ValidFlag reports whether f lies in 1..128
func ValidFlag(f int) bool {
	return f >= FlagMin && f <= FlagMax
}
