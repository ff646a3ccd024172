// Package flashmem provides the uniform read/write-verified/erase-sector
// abstraction (spec.md component C1) over a byte-addressable flash
// region. It models the capability triple as a behavior object handed at
// init, per spec.md section 9 "Callback-driven memory abstraction",
// rather than as mutable globals.
package flashmem

import (
	log "github.com/sirupsen/logrus"

	"github.com/mp-commits/reliable-fw-update/internal/bootutil"
	"github.com/mp-commits/reliable-fw-update/internal/onflash"
)

// Driver is the external collaborator: a byte-addressable device with
// sector-granularity erase. Out of scope per spec.md section 1; Region
// wraps one and adds the readback-verify contract.
type Driver interface {
	Read(addr uint32, out []byte) error
	Write(addr uint32, data []byte) error
	EraseSector(addr uint32, size int) error
}

// Region describes one flash window: base address, sector size, total
// size, and the value an erased sector reads back as.
type Region struct {
	Base       uint32
	SectorSize int
	Size       int
	EraseValue byte
	driver     Driver
}

// NewRegion binds a Region to its driver. No I/O happens here.
func NewRegion(base uint32, sectorSize, size int, driver Driver) *Region {
	return &Region{
		Base:       base,
		SectorSize: sectorSize,
		Size:       size,
		EraseValue: onflash.EraseValue,
		driver:     driver,
	}
}

func (r *Region) contains(addr uint32, length int) bool {
	if length < 0 {
		return false
	}
	end := uint64(addr) + uint64(length)
	return addr >= r.Base && end <= uint64(r.Base)+uint64(r.Size)
}

// Read copies len(out) bytes starting at addr into out.
func (r *Region) Read(addr uint32, out []byte) error {
	if !r.contains(addr, len(out)) {
		return bootutil.Fmt("flashmem: read [%d,%d) out of region bounds", addr, int(addr)+len(out))
	}
	if err := r.driver.Read(addr, out); err != nil {
		return bootutil.FmtChild(err, "flashmem: read failed at 0x%x", addr)
	}
	return nil
}

// WriteVerified writes data at addr, then reads it back and compares.
// Any mismatch is a hard (integrity-class) failure: spec.md property 3.
func (r *Region) WriteVerified(addr uint32, data []byte) error {
	if !r.contains(addr, len(data)) {
		return bootutil.Fmt("flashmem: write [%d,%d) out of region bounds", addr, int(addr)+len(data))
	}

	if err := r.driver.Write(addr, data); err != nil {
		return bootutil.FmtChild(err, "flashmem: write failed at 0x%x", addr)
	}

	readback := make([]byte, len(data))
	if err := r.driver.Read(addr, readback); err != nil {
		return bootutil.FmtChild(err, "flashmem: readback failed at 0x%x", addr)
	}

	for i := range data {
		if data[i] != readback[i] {
			return bootutil.Fmt(
				"flashmem: readback mismatch at 0x%x, byte %d: wrote 0x%02x, read 0x%02x",
				addr, i, data[i], readback[i])
		}
	}

	return nil
}

// EraseSector erases every sector fully covered by [addr, addr+length).
// addr must be sector-aligned and length a multiple of SectorSize.
func (r *Region) EraseSector(addr uint32, length int) error {
	if !r.contains(addr, length) {
		return bootutil.Fmt("flashmem: erase [%d,%d) out of region bounds", addr, int(addr)+length)
	}
	if int(addr-r.Base)%r.SectorSize != 0 {
		return bootutil.Fmt("flashmem: erase address 0x%x not sector-aligned", addr)
	}
	if length%r.SectorSize != 0 {
		return bootutil.Fmt("flashmem: erase length %d not a multiple of sector size %d", length, r.SectorSize)
	}

	log.Debugf("flashmem: erasing [0x%x, 0x%x)", addr, int(addr)+length)
	if err := r.driver.EraseSector(addr, length); err != nil {
		return bootutil.FmtChild(err, "flashmem: erase failed at 0x%x", addr)
	}
	return nil
}

// SectorAddr rounds addr down to the start of its containing sector.
func (r *Region) SectorAddr(addr uint32) uint32 {
	off := addr - r.Base
	off -= off % uint32(r.SectorSize)
	return r.Base + off
}

// IsSectorErased reads the sector containing addr and checks it reads
// back as all EraseValue.
func (r *Region) IsSectorErased(addr uint32) (bool, error) {
	sectorStart := r.SectorAddr(addr)
	buf := make([]byte, r.SectorSize)
	if err := r.Read(sectorStart, buf); err != nil {
		return false, err
	}
	for _, b := range buf {
		if b != r.EraseValue {
			return false, nil
		}
	}
	return true, nil
}

// RangeErased reports whether [addr, addr+len(buf)) reads back as all
// EraseValue, without requiring sector alignment. Used for the
// fixed-length record windows of spec.md section 4.2.
func (r *Region) RangeErased(addr uint32, length int) (bool, error) {
	buf := make([]byte, length)
	if err := r.Read(addr, buf); err != nil {
		return false, err
	}
	for _, b := range buf {
		if b != r.EraseValue {
			return false, nil
		}
	}
	return true, nil
}
