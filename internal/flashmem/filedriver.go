package flashmem

import (
	"os"

	"github.com/mp-commits/reliable-fw-update/internal/bootutil"
)

// FileDriver is a Driver backed by a regular file, used by the
// demonstration CLIs so device state survives across process restarts
// the way it would across a real device's power cycles. It enforces the
// same NOR write-only-lowers-bits semantics as SimDriver; the two share
// an offset/bounds-check shape on purpose.
type FileDriver struct {
	base  uint32
	size  int
	erase byte
	f     *os.File
}

// OpenFileDriver opens (creating if necessary) a size-byte flash image
// at path. A freshly created image is pre-erased to eraseValue; an
// existing image is left as-is.
func OpenFileDriver(path string, base uint32, size int, eraseValue byte) (*FileDriver, error) {
	_, statErr := os.Stat(path)
	existed := statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, bootutil.FmtChild(err, "filedriver: failed to open %s", path)
	}

	d := &FileDriver{base: base, size: size, erase: eraseValue, f: f}

	if !existed {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, bootutil.FmtChild(err, "filedriver: failed to size %s", path)
		}
		fill := make([]byte, size)
		for i := range fill {
			fill[i] = eraseValue
		}
		if _, err := f.WriteAt(fill, 0); err != nil {
			return nil, bootutil.FmtChild(err, "filedriver: failed to initialize %s", path)
		}
	}

	return d, nil
}

func (d *FileDriver) offset(addr uint32) (int64, error) {
	if addr < d.base || int(addr-d.base) >= d.size {
		return 0, bootutil.Fmt("filedriver: address 0x%x out of range", addr)
	}
	return int64(addr - d.base), nil
}

// Close releases the underlying file handle.
func (d *FileDriver) Close() error {
	return d.f.Close()
}

func (d *FileDriver) Read(addr uint32, out []byte) error {
	off, err := d.offset(addr)
	if err != nil {
		return err
	}
	if int(off)+len(out) > d.size {
		return bootutil.Fmt("filedriver: read past end of image at 0x%x", addr)
	}
	if _, err := d.f.ReadAt(out, off); err != nil {
		return bootutil.FmtChild(err, "filedriver: read failed at 0x%x", addr)
	}
	return nil
}

func (d *FileDriver) Write(addr uint32, data []byte) error {
	off, err := d.offset(addr)
	if err != nil {
		return err
	}
	if int(off)+len(data) > d.size {
		return bootutil.Fmt("filedriver: write past end of image at 0x%x", addr)
	}

	existing := make([]byte, len(data))
	if _, err := d.f.ReadAt(existing, off); err != nil {
		return bootutil.FmtChild(err, "filedriver: read-modify-write failed at 0x%x", addr)
	}
	for i, b := range data {
		existing[i] &= b
	}
	if _, err := d.f.WriteAt(existing, off); err != nil {
		return bootutil.FmtChild(err, "filedriver: write failed at 0x%x", addr)
	}
	return nil
}

func (d *FileDriver) EraseSector(addr uint32, size int) error {
	off, err := d.offset(addr)
	if err != nil {
		return err
	}
	if int(off)+size > d.size {
		return bootutil.Fmt("filedriver: erase past end of image at 0x%x", addr)
	}
	fill := make([]byte, size)
	for i := range fill {
		fill[i] = d.erase
	}
	if _, err := d.f.WriteAt(fill, off); err != nil {
		return bootutil.FmtChild(err, "filedriver: erase failed at 0x%x", addr)
	}
	return nil
}
