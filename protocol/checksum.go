package protocol

import (
	"crypto/md5"
	"encoding/hex"
)

// Checksum returns the lowercase hex MD5 digest of data.
// It is the frame integrity check.
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
