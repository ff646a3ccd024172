// Package fragment implements the Fragment Area (spec.md component C2):
// the persistent layout of one staging slot, one metadata record
// followed by N fragment slots at fixed strides.
package fragment

import (
	log "github.com/sirupsen/logrus"

	"github.com/mp-commits/reliable-fw-update/internal/flashmem"
	"github.com/mp-commits/reliable-fw-update/internal/onflash"
)

// Result mirrors the small enumerated result spec.md 4.2 requires of
// every fallible FragmentArea operation.
type Result int

const (
	ResultOK Result = iota
	ResultEmpty
	ResultInvalid
	ResultBusy
	ResultParam
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultEmpty:
		return "EMPTY"
	case ResultInvalid:
		return "INVALID"
	case ResultBusy:
		return "BUSY"
	case ResultParam:
		return "PARAM"
	default:
		return "UNKNOWN"
	}
}

// ValidateFragmentFunc and ValidateMetadataFunc are the validation hooks
// bound at Init (spec.md 4.2).
type ValidateFragmentFunc func(*onflash.Fragment) bool
type ValidateMetadataFunc func(*onflash.Metadata) bool

// Area is one staging slot's Fragment Area. It owns exclusive write
// access to its flash region (spec.md 3.3 "Ownership").
type Area struct {
	region           *flashmem.Region
	validateFragment ValidateFragmentFunc
	validateMetadata ValidateMetadataFunc
	fragmentStride   uint32
	metadataAddr     uint32
	firstFragAddr    uint32
	maxFragments     int
}

// Init records the region and binds the validation hooks. No I/O is
// performed, matching spec.md 4.2.
func Init(region *flashmem.Region, validateFragment ValidateFragmentFunc, validateMetadata ValidateMetadataFunc) *Area {
	sectorSize := uint32(region.SectorSize)
	metadataSectors := ceilDiv(uint32(onflash.MetadataSize), sectorSize)
	stride := ceilDiv(uint32(onflash.FragmentSize), sectorSize) * sectorSize

	firstFrag := region.Base + metadataSectors*sectorSize
	remaining := uint32(region.Size) - (firstFrag - region.Base)
	maxFrags := 0
	if stride > 0 {
		maxFrags = int(remaining / stride)
	}

	return &Area{
		region:           region,
		validateFragment: validateFragment,
		validateMetadata: validateMetadata,
		fragmentStride:   stride,
		metadataAddr:     region.Base,
		firstFragAddr:    firstFrag,
		maxFragments:     maxFrags,
	}
}

func ceilDiv(n, d uint32) uint32 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// FragmentAddr derives the deterministic placement address for fragment
// index, so lookups never need an index structure (spec.md 4.2 "Layout
// discipline").
func (a *Area) FragmentAddr(index uint32) uint32 {
	return a.firstFragAddr + index*a.fragmentStride
}

// MaxFragments returns the number of fragment slots the region has room
// for given its size and sector geometry.
func (a *Area) MaxFragments() int {
	return a.maxFragments
}

// ReadMetadata reads the metadata record. EMPTY if the sector is
// erased; INVALID if magic/signature fails; OK with out populated
// otherwise.
func (a *Area) ReadMetadata(out *onflash.Metadata) (Result, error) {
	erased, err := a.region.RangeErased(a.metadataAddr, onflash.MetadataSize)
	if err != nil {
		return ResultBusy, err
	}
	if erased {
		return ResultEmpty, nil
	}

	raw := make([]byte, onflash.MetadataSize)
	if err := a.region.Read(a.metadataAddr, raw); err != nil {
		return ResultBusy, err
	}

	m, err := onflash.UnmarshalMetadata(raw)
	if err != nil {
		return ResultInvalid, nil
	}
	if !a.validateMetadata(&m) {
		return ResultInvalid, nil
	}

	*out = m
	return ResultOK, nil
}

// WriteMetadata requires validateMetadata(in) and an erased metadata
// sector, erasing it first if needed.
func (a *Area) WriteMetadata(in *onflash.Metadata) (Result, error) {
	if !a.validateMetadata(in) {
		return ResultParam, nil
	}

	erased, err := a.region.IsSectorErased(a.metadataAddr)
	if err != nil {
		return ResultBusy, err
	}
	if !erased {
		if err := a.region.EraseSector(a.region.SectorAddr(a.metadataAddr), a.region.SectorSize); err != nil {
			return ResultBusy, err
		}
	}

	raw, err := onflash.MarshalMetadata(in)
	if err != nil {
		return ResultParam, err
	}
	if err := a.region.WriteVerified(a.metadataAddr, raw); err != nil {
		return ResultBusy, err
	}

	log.Debugf("fragment: wrote metadata firmwareId=%d type=%d rollback=%d", in.FirmwareID, in.Type, in.RollbackNumber)
	return ResultOK, nil
}

// WriteFragment places frag at slot index, erasing the slot's stride
// first if it is not already erased.
func (a *Area) WriteFragment(index uint32, frag *onflash.Fragment) (Result, error) {
	if int(index) >= a.maxFragments {
		return ResultParam, nil
	}

	addr := a.FragmentAddr(index)
	erased, err := a.region.RangeErased(addr, onflash.FragmentSize)
	if err != nil {
		return ResultBusy, err
	}
	if !erased {
		if err := a.region.EraseSector(a.region.SectorAddr(addr), int(a.fragmentStride)); err != nil {
			return ResultBusy, err
		}
	}

	raw, err := onflash.MarshalFragment(frag)
	if err != nil {
		return ResultParam, err
	}
	if err := a.region.WriteVerified(addr, raw); err != nil {
		return ResultBusy, err
	}

	return ResultOK, nil
}

// ReadFragment returns OK only if validateFragment(out) passes.
func (a *Area) ReadFragment(index uint32, out *onflash.Fragment) (Result, error) {
	f, result, err := a.readFragmentRaw(index)
	if result != ResultOK {
		return result, err
	}
	if !a.validateFragment(&f) {
		return ResultInvalid, nil
	}
	*out = f
	return ResultOK, nil
}

// ReadFragmentForce returns the bytes without invoking the validation
// hook, for hash-chain reconstruction (spec.md 4.2).
func (a *Area) ReadFragmentForce(index uint32, out *onflash.Fragment) (Result, error) {
	f, result, err := a.readFragmentRaw(index)
	if result != ResultOK {
		return result, err
	}
	*out = f
	return ResultOK, nil
}

func (a *Area) readFragmentRaw(index uint32) (onflash.Fragment, Result, error) {
	var f onflash.Fragment
	if int(index) >= a.maxFragments {
		return f, ResultParam, nil
	}

	addr := a.FragmentAddr(index)
	erased, err := a.region.RangeErased(addr, onflash.FragmentSize)
	if err != nil {
		return f, ResultBusy, err
	}
	if erased {
		return f, ResultEmpty, nil
	}

	raw := make([]byte, onflash.FragmentSize)
	if err := a.region.Read(addr, raw); err != nil {
		return f, ResultBusy, err
	}

	f, err = onflash.UnmarshalFragment(raw)
	if err != nil {
		return f, ResultInvalid, nil
	}
	return f, ResultOK, nil
}

// FindLastFragment scans from the highest possible index downward and
// returns the largest index whose slot is non-erased and
// validate-passing (spec.md 4.2 "Tie-breaks").
func (a *Area) FindLastFragment(out *onflash.Fragment) (int, bool, error) {
	for idx := a.maxFragments - 1; idx >= 0; idx-- {
		result, err := a.ReadFragment(uint32(idx), out)
		if err != nil {
			return 0, false, err
		}
		if result == ResultOK {
			return idx, true, nil
		}
	}
	return 0, false, nil
}

// EraseArea erases the entire region.
func (a *Area) EraseArea() error {
	return a.region.EraseSector(a.region.Base, a.region.Size)
}
