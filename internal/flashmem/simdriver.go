package flashmem

import "github.com/mp-commits/reliable-fw-update/internal/bootutil"

// SimDriver is an in-memory Driver backed by a byte slice, standing in
// for the external NOR-flash device in tests (the demonstration CLIs use
// FileDriver).
// It faithfully enforces write-only-lowers-bits NOR semantics so that a
// program over non-erased bytes does not silently "succeed" the way a
// naive []byte copy would.
type SimDriver struct {
	base  uint32
	buf   []byte
	erase byte
}

// NewSimDriver allocates a size-byte region, pre-erased to eraseValue.
func NewSimDriver(base uint32, size int, eraseValue byte) *SimDriver {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = eraseValue
	}
	return &SimDriver{base: base, buf: buf, erase: eraseValue}
}

func (d *SimDriver) offset(addr uint32) (int, error) {
	if addr < d.base || int(addr-d.base) >= len(d.buf) {
		return 0, bootutil.Fmt("simdriver: address 0x%x out of range", addr)
	}
	return int(addr - d.base), nil
}

func (d *SimDriver) Read(addr uint32, out []byte) error {
	off, err := d.offset(addr)
	if err != nil {
		return err
	}
	if off+len(out) > len(d.buf) {
		return bootutil.Fmt("simdriver: read past end of region at 0x%x", addr)
	}
	copy(out, d.buf[off:off+len(out)])
	return nil
}

// Write performs NOR-flash-accurate programming: each byte can only have
// bits cleared from 1 to 0, never set. This makes "write over dirty
// flash without erasing" actually corrupt data instead of overwriting
// it, matching real hardware and exercising the readback-verify path.
func (d *SimDriver) Write(addr uint32, data []byte) error {
	off, err := d.offset(addr)
	if err != nil {
		return err
	}
	if off+len(data) > len(d.buf) {
		return bootutil.Fmt("simdriver: write past end of region at 0x%x", addr)
	}
	for i, b := range data {
		d.buf[off+i] &= b
	}
	return nil
}

func (d *SimDriver) EraseSector(addr uint32, size int) error {
	off, err := d.offset(addr)
	if err != nil {
		return err
	}
	if off+size > len(d.buf) {
		return bootutil.Fmt("simdriver: erase past end of region at 0x%x", addr)
	}
	for i := off; i < off+size; i++ {
		d.buf[i] = d.erase
	}
	return nil
}

// Corrupt overwrites raw bytes directly, bypassing NOR semantics. Test
// hook for simulating torn writes / power loss mid-program.
func (d *SimDriver) Corrupt(addr uint32, data []byte) {
	off, _ := d.offset(addr)
	copy(d.buf[off:], data)
}
