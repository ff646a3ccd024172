package installer

import "github.com/mp-commits/reliable-fw-update/internal/flashmem"

// Sector is one entry of the internal flash's static sector map: unlike
// the external staging flash, internal program-flash sectors vary in
// size (spec.md 9 "Static sector map"), so they cannot be modeled with
// flashmem.Region's uniform-SectorSize assumption.
type Sector struct {
	Addr uint32
	Size int
}

func (s Sector) end() uint32 {
	return s.Addr + uint32(s.Size) - 1
}

func (s Sector) contains(addr uint32) bool {
	return addr >= s.Addr && addr <= s.end()
}

// SectorMap is an immutable ordered sequence of sectors; erase ranges
// are derived by membership tests rather than arithmetic on a uniform
// stride.
type SectorMap []Sector

// EraseRequiredSectors erases every sector from the one containing
// start through the one containing end (inclusive), matching
// EraseRequiredSectors in installer.c: erasing begins the moment a
// sector containing start is found and stops after the sector
// containing end has been erased.
func (m SectorMap) EraseRequiredSectors(driver flashmem.Driver, start, end uint32) error {
	active := false

	for _, sec := range m {
		if sec.contains(start) {
			active = true
		}

		if active {
			if err := driver.EraseSector(sec.Addr, sec.Size); err != nil {
				return err
			}
		}

		if sec.contains(end) {
			active = false
			break
		}
	}

	return nil
}
