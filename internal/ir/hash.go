package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for a future format migration.
const (
	DomainManifest    = "osiris/manifest/v1"
	DomainFingerprint = "osiris/fingerprint/v1"
	DomainArtifact    = "osiris/artifact/v1"
)

// HashAlgorithm names a supported cryptographic digest.
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "sha256"
	HashBLAKE3 HashAlgorithm = "blake3"
)

// DefaultHashAlgorithm is used when configuration leaves the algorithm unset.
const DefaultHashAlgorithm = HashSHA256

// Valid reports whether the algorithm is supported.
func (a HashAlgorithm) Valid() bool {
	return a == HashSHA256 || a == HashBLAKE3
}

// New returns a fresh hash.Hash for the algorithm.
func (a HashAlgorithm) New() (hash.Hash, error) {
	switch a {
	case HashSHA256, "":
		return sha256.New(), nil
	case HashBLAKE3:
		return blake3.New(), nil
	}
	return nil, fmt.Errorf("unsupported hash algorithm %q", a)
}

// HashWithDomain computes a hex digest with domain separation.
// Format: H(domain + 0x00 + data). The null byte keeps the domain/data
// boundary unambiguous.
func HashWithDomain(alg HashAlgorithm, domain string, data []byte) (string, error) {
	h, err := alg.New()
	if err != nil {
		return "", err
	}
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalHash marshals v canonically and hashes it under domain.
func CanonicalHash(alg HashAlgorithm, domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("canonical hash: %w", err)
	}
	return HashWithDomain(alg, domain, canonical)
}
