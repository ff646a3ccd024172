// Package onflash defines the two fixed-size records written to the
// staging flash areas: Metadata and Fragment. Encoding is big-endian on
// the wire and on flash (spec section 6.1), decoded with go-restruct
// the way dsoprea/go-exfat decodes its on-disk structures.
package onflash

import (
	"bytes"
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"github.com/mp-commits/reliable-fw-update/internal/bootutil"
)

// FirmwareType distinguishes a regular application image from the rescue
// fallback image.
type FirmwareType uint32

const (
	FirmwareTypeFirmware FirmwareType = 0
	FirmwareTypeRescue   FirmwareType = 1
)

// MetadataMagic is the literal ASCII tag every valid Metadata record
// starts with.
var MetadataMagic = [16]byte{'_', 'M', '_', 'E', '_', 'T', '_', 'A', '_', 'D', '_', 'A', '_', 'T', '_', 'A'}

const (
	NameSize              = 32 // 31 bytes + NUL
	SignatureSize         = 64
	MetadataSize          = 16 + 4*6 + NameSize + SignatureSize*2
	FragmentContentMax    = 1024
	FragmentSize          = 4*5 + FragmentContentMax + SignatureSize
	MetadataSectorBudget  = 512 // spec.md 3.1: metadata is fixed size <= 512 bytes on disk
)

// VerifyMethod selects how a Fragment's signature field is interpreted.
type VerifyMethod uint32

const (
	VerifyMethodLeafEd25519  VerifyMethod = 0
	VerifyMethodSHA512Chain  VerifyMethod = 1
)

// Metadata identifies and authorizes one staged firmware image.
type Metadata struct {
	Magic             [16]byte
	Type              uint32
	Version           uint32
	RollbackNumber    uint32
	FirmwareID        uint32
	StartAddress      uint32
	FirmwareSize      uint32
	Name              [NameSize]byte
	FirmwareSignature [SignatureSize]byte
	MetadataSignature [SignatureSize]byte
}

// Fragment is one contiguous chunk of a staged image.
type Fragment struct {
	FirmwareID   uint32
	Number       uint32
	VerifyMethod uint32
	StartAddress uint32
	Size         uint32
	Content      [FragmentContentMax]byte
	Signature    [SignatureSize]byte
}

// byteOrder is the single encoding used for every on-flash and on-wire
// record in this module (spec.md 6.1: "All multi-byte scalars on the
// wire are big-endian").
var byteOrder = binary.BigEndian

// MarshalMetadata packs m into its fixed on-flash representation.
func MarshalMetadata(m *Metadata) ([]byte, error) {
	b, err := restruct.Pack(byteOrder, m)
	if err != nil {
		return nil, bootutil.FmtChild(err, "failed to pack metadata")
	}
	return b, nil
}

// UnmarshalMetadata decodes a Metadata record from raw flash bytes. It
// does not validate magic or signature; callers invoke Verifier for that.
func UnmarshalMetadata(raw []byte) (Metadata, error) {
	var m Metadata
	if len(raw) < MetadataSize {
		return m, bootutil.Fmt("metadata record too short: %d bytes", len(raw))
	}
	if err := restruct.Unpack(raw[:MetadataSize], byteOrder, &m); err != nil {
		return m, bootutil.FmtChild(err, "failed to unpack metadata")
	}
	return m, nil
}

// MarshalFragment packs f into its fixed on-flash representation.
func MarshalFragment(f *Fragment) ([]byte, error) {
	b, err := restruct.Pack(byteOrder, f)
	if err != nil {
		return nil, bootutil.FmtChild(err, "failed to pack fragment")
	}
	return b, nil
}

// UnmarshalFragment decodes a Fragment record from raw flash bytes.
func UnmarshalFragment(raw []byte) (Fragment, error) {
	var f Fragment
	if len(raw) < FragmentSize {
		return f, bootutil.Fmt("fragment record too short: %d bytes", len(raw))
	}
	if err := restruct.Unpack(raw[:FragmentSize], byteOrder, &f); err != nil {
		return f, bootutil.FmtChild(err, "failed to unpack fragment")
	}
	return f, nil
}

// MagicValid reports whether m's magic field matches the literal tag.
func (m *Metadata) MagicValid() bool {
	return bytes.Equal(m.Magic[:], MetadataMagic[:])
}

// MetadataSigningBytes returns the bytes of m that metadataSignature is
// computed over: every preceding field, in on-flash order.
func MetadataSigningBytes(m *Metadata) ([]byte, error) {
	full, err := MarshalMetadata(m)
	if err != nil {
		return nil, err
	}
	return full[:len(full)-SignatureSize], nil
}

// FragmentSigningBytes returns the bytes of f that its signature field
// covers: every preceding field, in on-flash order.
func FragmentSigningBytes(f *Fragment) ([]byte, error) {
	full, err := MarshalFragment(f)
	if err != nil {
		return nil, err
	}
	return full[:len(full)-SignatureSize], nil
}

// NameString trims the NUL terminator/padding from the Name field.
func (m *Metadata) NameString() string {
	n := bytes.IndexByte(m.Name[:], 0)
	if n < 0 {
		n = len(m.Name)
	}
	return string(m.Name[:n])
}

// EraseValue is the byte pattern an erased NOR-flash sector reads back as.
const EraseValue = 0xFF

// IsErased reports whether raw consists entirely of EraseValue bytes.
func IsErased(raw []byte) bool {
	for _, b := range raw {
		if b != EraseValue {
			return false
		}
	}
	return true
}
