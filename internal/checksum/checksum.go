// Package checksum computes the content digest stored with every file.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Size is the length of a hex encoded digest.
const Size = sha256.Size * 2

// Sum returns the hex encoded SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumReader hashes everything read from r.
func SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify reports whether data hashes to want.
func Verify(data []byte, want string) bool {
	return Sum(data) == want
}
