package flashmem_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/mp-commits/reliable-fw-update/internal/flashmem"
)

const (
	testBase       = 0x08000000
	testSectorSize = 256
	testSize       = 4 * testSectorSize
)

func newTestRegion() *flashmem.Region {
	driver := flashmem.NewSimDriver(testBase, testSize, 0xFF)
	return flashmem.NewRegion(testBase, testSectorSize, testSize, driver)
}

func TestRegionWriteVerifiedAndRead(t *testing.T) {
	r := newTestRegion()
	data := []byte("hello flash")

	if err := r.WriteVerified(testBase, data); err != nil {
		t.Fatalf("WriteVerified: %v", err)
	}

	out := make([]byte, len(data))
	if err := r.Read(testBase, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("read back %q, want %q", out, data)
	}
}

func TestRegionWriteOutOfBoundsRejected(t *testing.T) {
	r := newTestRegion()
	if err := r.WriteVerified(testBase+uint32(testSize)-2, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected an out-of-bounds write to be rejected")
	}
}

func TestRegionEraseSectorRequiresAlignment(t *testing.T) {
	r := newTestRegion()
	if err := r.EraseSector(testBase+1, testSectorSize); err == nil {
		t.Fatal("expected an unaligned erase address to be rejected")
	}
	if err := r.EraseSector(testBase, testSectorSize+1); err == nil {
		t.Fatal("expected a non-sector-multiple erase length to be rejected")
	}
	if err := r.EraseSector(testBase, testSectorSize); err != nil {
		t.Fatalf("EraseSector: %v", err)
	}
}

func TestRegionRangeErased(t *testing.T) {
	r := newTestRegion()

	erased, err := r.RangeErased(testBase, 16)
	if err != nil {
		t.Fatalf("RangeErased: %v", err)
	}
	if !erased {
		t.Fatal("expected a freshly erased region to read back erased")
	}

	if err := r.WriteVerified(testBase, []byte{0x00}); err != nil {
		t.Fatalf("WriteVerified: %v", err)
	}
	erased, err = r.RangeErased(testBase, 16)
	if err != nil {
		t.Fatalf("RangeErased: %v", err)
	}
	if erased {
		t.Fatal("expected a partially written region to read back not-erased")
	}
}

// TestNORWriteOnlyLowersBits exercises the property flashmem's Region
// contract depends on: writing over non-erased flash can only clear
// bits, never set them, so a program over dirty flash corrupts rather
// than silently overwrites.
func TestNORWriteOnlyLowersBits(t *testing.T) {
	driver := flashmem.NewSimDriver(testBase, testSectorSize, 0xFF)

	if err := driver.Write(testBase, []byte{0x0F}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := driver.Write(testBase, []byte{0xF0}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	out := make([]byte, 1)
	if err := driver.Read(testBase, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out[0] != 0x00 {
		t.Fatalf("expected 0x0F & 0xF0 = 0x00, got 0x%02x", out[0])
	}
}

func TestSimDriverCorrupt(t *testing.T) {
	driver := flashmem.NewSimDriver(testBase, testSectorSize, 0xFF)
	if err := driver.Write(testBase, []byte{0x11, 0x22}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	driver.Corrupt(testBase, []byte{0xDE, 0xAD})

	out := make([]byte, 2)
	if err := driver.Read(testBase, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, []byte{0xDE, 0xAD}) {
		t.Fatalf("Corrupt did not bypass NOR semantics: got %v", out)
	}
}

func TestFileDriverPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slot0.bin")

	d1, err := flashmem.OpenFileDriver(path, testBase, testSectorSize, 0xFF)
	if err != nil {
		t.Fatalf("OpenFileDriver: %v", err)
	}
	if err := d1.Write(testBase, []byte("persisted")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := flashmem.OpenFileDriver(path, testBase, testSectorSize, 0xFF)
	if err != nil {
		t.Fatalf("reopen OpenFileDriver: %v", err)
	}
	defer d2.Close()

	out := make([]byte, len("persisted"))
	if err := d2.Read(testBase, out); err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if string(out) != "persisted" {
		t.Fatalf("got %q after reopen, want %q", out, "persisted")
	}
}

func TestFileDriverEraseSector(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slot0.bin")

	d, err := flashmem.OpenFileDriver(path, testBase, testSectorSize, 0xFF)
	if err != nil {
		t.Fatalf("OpenFileDriver: %v", err)
	}
	defer d.Close()

	if err := d.Write(testBase, []byte{0x00, 0x00}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.EraseSector(testBase, testSectorSize); err != nil {
		t.Fatalf("EraseSector: %v", err)
	}

	out := make([]byte, 2)
	if err := d.Read(testBase, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, []byte{0xFF, 0xFF}) {
		t.Fatalf("expected erased bytes to read back 0xFF, got %v", out)
	}
}
