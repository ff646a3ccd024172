package onflash_test

import (
	"bytes"
	"testing"

	"github.com/mp-commits/reliable-fw-update/internal/onflash"
)

func sampleMetadata() onflash.Metadata {
	var m onflash.Metadata
	copy(m.Magic[:], onflash.MetadataMagic[:])
	m.Type = uint32(onflash.FirmwareTypeFirmware)
	m.Version = 7
	m.RollbackNumber = 3
	m.FirmwareID = 42
	m.StartAddress = 0x08010000
	m.FirmwareSize = 4096
	copy(m.Name[:], []byte("demo-app"))
	return m
}

func TestMetadataRoundTrip(t *testing.T) {
	m := sampleMetadata()

	raw, err := onflash.MarshalMetadata(&m)
	if err != nil {
		t.Fatalf("MarshalMetadata: %v", err)
	}
	if len(raw) != onflash.MetadataSize {
		t.Fatalf("packed metadata is %d bytes, want %d", len(raw), onflash.MetadataSize)
	}

	got, err := onflash.UnmarshalMetadata(raw)
	if err != nil {
		t.Fatalf("UnmarshalMetadata: %v", err)
	}
	if got != m {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestMetadataMagicValid(t *testing.T) {
	m := sampleMetadata()
	if !m.MagicValid() {
		t.Fatal("expected valid magic")
	}
	m.Magic[0] = 'x'
	if m.MagicValid() {
		t.Fatal("expected invalid magic after corruption")
	}
}

func TestMetadataSigningBytesExcludesSignature(t *testing.T) {
	m := sampleMetadata()
	signed, err := onflash.MetadataSigningBytes(&m)
	if err != nil {
		t.Fatalf("MetadataSigningBytes: %v", err)
	}
	if len(signed) != onflash.MetadataSize-onflash.SignatureSize {
		t.Fatalf("signing bytes are %d bytes, want %d", len(signed), onflash.MetadataSize-onflash.SignatureSize)
	}

	m.MetadataSignature[0] ^= 0xFF
	signed2, err := onflash.MetadataSigningBytes(&m)
	if err != nil {
		t.Fatalf("MetadataSigningBytes: %v", err)
	}
	if !bytes.Equal(signed, signed2) {
		t.Fatal("signing bytes must not depend on the signature field")
	}
}

func TestFragmentRoundTrip(t *testing.T) {
	var f onflash.Fragment
	f.FirmwareID = 42
	f.Number = 1
	f.VerifyMethod = uint32(onflash.VerifyMethodSHA512Chain)
	f.StartAddress = 0x08011000
	f.Size = 16
	copy(f.Content[:], []byte("0123456789abcdef"))

	raw, err := onflash.MarshalFragment(&f)
	if err != nil {
		t.Fatalf("MarshalFragment: %v", err)
	}
	if len(raw) != onflash.FragmentSize {
		t.Fatalf("packed fragment is %d bytes, want %d", len(raw), onflash.FragmentSize)
	}

	got, err := onflash.UnmarshalFragment(raw)
	if err != nil {
		t.Fatalf("UnmarshalFragment: %v", err)
	}
	if got != f {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestIsErased(t *testing.T) {
	erased := bytes.Repeat([]byte{onflash.EraseValue}, 32)
	if !onflash.IsErased(erased) {
		t.Fatal("expected an all-0xFF buffer to be reported erased")
	}
	erased[10] = 0
	if onflash.IsErased(erased) {
		t.Fatal("expected a single non-0xFF byte to break erased detection")
	}
}

func TestNameString(t *testing.T) {
	m := sampleMetadata()
	if got := m.NameString(); got != "demo-app" {
		t.Fatalf("NameString() = %q, want %q", got, "demo-app")
	}
}
