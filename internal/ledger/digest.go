// Package ledger computes evidence digests, keeps the chain-of-custody log and
// assembles the manifest that describes an exported evidence bundle.
package ledger

import (
	_ "crypto/sha256" // registers the hash go-digest resolves for digest.SHA256
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	return digest.SHA256.FromBytes(data).Encoded()
}

// ValidDigest reports whether s is a well-formed hex SHA-256 digest.
func ValidDigest(s string) error {
	if err := digest.NewDigestFromEncoded(digest.SHA256, s).Validate(); err != nil {
		return fmt.Errorf("invalid sha256 digest %q: %w", s, err)
	}
	return nil
}

// HashFunc hashes one file's bytes. It exists so callers can substitute a
// hasher that reads from somewhere that can fail.
type HashFunc func(name string, data []byte) (string, error)

// DefaultHash is the HashFunc used when none is configured.
func DefaultHash(_ string, data []byte) (string, error) {
	return Digest(data), nil
}
