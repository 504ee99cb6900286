package tables

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrChecksumMismatch is returned by VerifyChecksum when data does not hash
// to the expected value.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ComputeChecksum computes a SHA256 checksum for the given data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyChecksum checks that data matches the expected checksum.
func VerifyChecksum(data []byte, expected string) error {
	if actual := ComputeChecksum(data); actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}
