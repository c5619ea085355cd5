// Package sha256 digests protocol bodies so history records can tie an action
// to the exact script that ran.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher satisfies node.Hasher with lowercase hex SHA-256 digests.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash digests an in-memory protocol body.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader digests r without buffering it, for artifacts already on disk.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	d := sha256.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("digest protocol: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}
