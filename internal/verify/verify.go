package verify

import (
	"bytes"
	"crypto/sha512"

	"golang.org/x/crypto/ed25519"

	"github.com/mp-commits/reliable-fw-update/internal/bootutil"
	"github.com/mp-commits/reliable-fw-update/internal/onflash"
)

// ValidateMetadata checks magic, flash-bounds invariants are the caller's
// job (they need FIRST/LAST_FLASH_ADDRESS, which is installer-specific);
// this checks the cryptographic half: the metadata single-shot Ed25519
// signature over every field preceding metadataSignature.
func ValidateMetadata(ks *Keystore, m *onflash.Metadata) (bool, error) {
	if !m.MagicValid() {
		return false, nil
	}

	signed, err := onflash.MetadataSigningBytes(m)
	if err != nil {
		return false, err
	}

	return ed25519.Verify(ks.MetadataPubKey, signed, m.MetadataSignature[:]), nil
}

// ValidateFragmentLeaf verifies a verifyMethod==0 fragment: a single-shot
// Ed25519 signature over every field preceding its signature.
func ValidateFragmentLeaf(ks *Keystore, f *onflash.Fragment) (bool, error) {
	signed, err := onflash.FragmentSigningBytes(f)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ks.FragmentPubKey, signed, f.Signature[:]), nil
}

// HashChainCache accelerates chained-fragment verification: when fresh,
// it holds H_{n-1} for exactly the next fragment n of firmware fid
// (spec.md 3.6/4.4). It is in-RAM, per staging slot.
type HashChainCache struct {
	valid      bool
	lastHash   [sha512.Size]byte
	nextIndex  uint32
	firmwareID uint32
}

// Drop invalidates the cache, e.g. after putMetadata resets slot state.
func (c *HashChainCache) Drop() {
	*c = HashChainCache{}
}

// Seed primes the cache with H_{-1} = metadata.metadataSignature for
// fragment 0 of the given firmware.
func (c *HashChainCache) Seed(fid uint32, meta *onflash.Metadata) {
	c.valid = true
	c.firmwareID = fid
	c.nextIndex = 0
	copy(c.lastHash[:], meta.MetadataSignature[:])
}

func (c *HashChainCache) set(fid uint32, index uint32, hash []byte) {
	c.valid = true
	c.firmwareID = fid
	c.nextIndex = index
	copy(c.lastHash[:], hash)
}

// chainHash computes H_n = SHA512(prev || bytes(f)-signature).
func chainHash(prev []byte, f *onflash.Fragment) ([]byte, error) {
	signed, err := onflash.FragmentSigningBytes(f)
	if err != nil {
		return nil, err
	}
	h := sha512.New()
	h.Write(prev)
	h.Write(signed)
	return h.Sum(nil), nil
}

// FragmentReader reads fragment n of the current slot without invoking
// validation, for hash-chain backfill (readFragmentForce in spec.md).
type FragmentReader func(index uint32) (onflash.Fragment, error)

// ValidateFragmentChained verifies a verifyMethod==1 fragment using the
// SHA-512 chain bootstrapped from the slot's metadata signature. On a
// cache miss it backfills by walking backward to fragment n-1 (or
// metadata, if n==0) and recomputing H_{n-1}.
func ValidateFragmentChained(cache *HashChainCache, meta *onflash.Metadata, f *onflash.Fragment, read FragmentReader) (bool, error) {
	if f.Number == 0 {
		var seedHash [sha512.Size]byte
		copy(seedHash[:], meta.MetadataSignature[:])
		h, err := chainHash(seedHash[:], f)
		if err != nil {
			return false, err
		}
		ok := bytes.Equal(h, f.Signature[:])
		if ok {
			cache.set(f.FirmwareID, f.Number+1, h)
		}
		return ok, nil
	}

	var prev []byte
	if cache.valid && cache.firmwareID == f.FirmwareID && cache.nextIndex == f.Number {
		prev = append([]byte(nil), cache.lastHash[:]...)
	} else {
		prior, err := read(f.Number - 1)
		if err != nil {
			return false, bootutil.FmtChild(err, "hash-chain backfill failed reading fragment %d", f.Number-1)
		}
		h, err := chainHashRecursive(meta, &prior, read)
		if err != nil {
			return false, err
		}
		prev = h
	}

	h, err := chainHash(prev, f)
	if err != nil {
		return false, err
	}
	ok := bytes.Equal(h, f.Signature[:])
	if ok {
		cache.set(f.FirmwareID, f.Number+1, h)
	}
	return ok, nil
}

// chainHashRecursive recomputes H_{n} for an arbitrary fragment n by
// walking back to the metadata seed. Used only on a deep cache miss;
// the common case (sequential upload/verify) never needs it because the
// cache carries the chain forward one fragment at a time.
func chainHashRecursive(meta *onflash.Metadata, f *onflash.Fragment, read FragmentReader) ([]byte, error) {
	if f.Number == 0 {
		return chainHash(meta.MetadataSignature[:], f)
	}
	prior, err := read(f.Number - 1)
	if err != nil {
		return nil, err
	}
	prevHash, err := chainHashRecursive(meta, &prior, read)
	if err != nil {
		return nil, err
	}
	return chainHash(prevHash, f)
}

// ValidateFragment dispatches on f.VerifyMethod.
func ValidateFragment(ks *Keystore, cache *HashChainCache, meta *onflash.Metadata, f *onflash.Fragment, read FragmentReader) (bool, error) {
	switch onflash.VerifyMethod(f.VerifyMethod) {
	case onflash.VerifyMethodLeafEd25519:
		return ValidateFragmentLeaf(ks, f)
	case onflash.VerifyMethodSHA512Chain:
		return ValidateFragmentChained(cache, meta, f, read)
	default:
		return false, nil
	}
}

// MultipartVerifier buffers the reassembled image body across several
// Update calls and performs a single Ed25519 verification at End, since
// Ed25519 has no native incremental-hash API the way SHA does. This
// stands in for the out-of-scope "Ed25519 verifier exposing ... an
// incremental (multi-part) verification" collaborator (spec.md 1).
type MultipartVerifier struct {
	pub ed25519.PublicKey
	sig []byte
	buf bytes.Buffer
}

// NewMultipartVerifier starts a fresh multi-part verification against
// sig under pub.
func NewMultipartVerifier(pub ed25519.PublicKey, sig []byte) *MultipartVerifier {
	return &MultipartVerifier{pub: pub, sig: append([]byte(nil), sig...)}
}

// Update feeds the next chunk of the image body into the verifier.
func (v *MultipartVerifier) Update(chunk []byte) {
	v.buf.Write(chunk)
}

// End finalizes verification and returns whether sig is valid over every
// chunk fed via Update, in order.
func (v *MultipartVerifier) End() bool {
	return ed25519.Verify(v.pub, v.buf.Bytes(), v.sig)
}
