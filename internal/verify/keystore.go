// Package verify implements the metadata/fragment signature checks and
// the SHA-512 fragment hash chain (spec.md component C4).
package verify

import (
	"golang.org/x/crypto/ed25519"

	"github.com/mp-commits/reliable-fw-update/internal/bootutil"
)

// Keystore exposes the three public keys a Verifier checks against.
// spec.md 4.4 notes the reference implementation uses a single key
// across all three roles but the design admits distinct keys; grounded
// on artifact/sec.SignKey's role-agnostic key handling.
type Keystore struct {
	MetadataPubKey ed25519.PublicKey
	FirmwarePubKey ed25519.PublicKey
	FragmentPubKey ed25519.PublicKey
}

// NewSingleKeystore builds a Keystore where all three roles share one
// public key, matching application/Core/Src/keystore.c.
func NewSingleKeystore(pub ed25519.PublicKey) (*Keystore, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, bootutil.Fmt("verify: invalid public key size %d", len(pub))
	}
	return &Keystore{
		MetadataPubKey: pub,
		FirmwarePubKey: pub,
		FragmentPubKey: pub,
	}, nil
}

// NewKeystore builds a Keystore with independently assignable keys.
func NewKeystore(metadataPub, firmwarePub, fragmentPub ed25519.PublicKey) *Keystore {
	return &Keystore{
		MetadataPubKey: metadataPub,
		FirmwarePubKey: firmwarePub,
		FragmentPubKey: fragmentPub,
	}
}
