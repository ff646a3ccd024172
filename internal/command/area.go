// Package command implements the Command Area (spec.md component C3):
// the persistent install-command, history, and status ledger, plus the
// durable job ledger (C8) whose property is that every forward
// transition is a bit-clear, never an erase.
package command

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	log "github.com/sirupsen/logrus"
	"zappem.net/pub/debug/xcrc32"

	"github.com/mp-commits/reliable-fw-update/internal/bootutil"
	"github.com/mp-commits/reliable-fw-update/internal/flashmem"
	"github.com/mp-commits/reliable-fw-update/internal/onflash"
)

const (
	statusBitHistoryWritten  = 0
	statusBitFirmwareWritten = 1
	statusBitFailed          = 7
)

// installCommandRecord is the fixed on-flash layout of the Install
// Command sector, CRC32-protected as a whole.
type installCommandRecord struct {
	Type        uint32
	HasMetadata uint32
	Metadata    onflash.Metadata
}

var byteOrder = binary.BigEndian

const crcSize = 4

func recordSize() int {
	return int(restructSizeOf(installCommandRecord{})) + crcSize
}

// restructSizeOf packs a zero value to learn its encoded size; cheaper
// than hand-maintaining a constant alongside the struct definition.
func restructSizeOf(v installCommandRecord) int {
	b, err := restruct.Pack(byteOrder, &v)
	if err != nil {
		// The struct is fixed-layout and always packs; a failure here
		// indicates a programming error in the record definition.
		panic(err)
	}
	return len(b)
}

// Area is the three-sector Command Area: install command, history,
// status. It exclusively owns its sectors (spec.md 3.3 "Ownership").
type Area struct {
	region      *flashmem.Region
	commandAddr uint32
	historyAddr uint32
	statusAddr  uint32
}

// Init binds Area to a region whose Size must cover at least 3 sectors.
func Init(region *flashmem.Region) (*Area, error) {
	if region.Size < 3*region.SectorSize {
		return nil, bootutil.Fmt("command: region too small for 3 sectors")
	}
	return &Area{
		region:      region,
		commandAddr: region.Base,
		historyAddr: region.Base + uint32(region.SectorSize),
		statusAddr:  region.Base + uint32(2*region.SectorSize),
	}, nil
}

// WriteInstallCommand erases the command sector and durably writes
// {type, metadata?, crc32} as a single record.
func (a *Area) WriteInstallCommand(cmdType CommandType, metadata *onflash.Metadata) error {
	rec := installCommandRecord{Type: uint32(cmdType)}
	if metadata != nil {
		rec.HasMetadata = 1
		rec.Metadata = *metadata
	}

	body, err := restruct.Pack(byteOrder, &rec)
	if err != nil {
		return bootutil.FmtChild(err, "command: failed to pack install command")
	}

	_, crc := xcrc32.NewCRC32(body)
	crcBytes := make([]byte, crcSize)
	byteOrder.PutUint32(crcBytes, crc)

	if err := a.region.EraseSector(a.commandAddr, a.region.SectorSize); err != nil {
		return err
	}
	if err := a.region.WriteVerified(a.commandAddr, append(body, crcBytes...)); err != nil {
		return err
	}

	log.Debugf("command: wrote install command type=%v hasMetadata=%v", cmdType, metadata != nil)
	return nil
}

// InstallCommand is the decoded, CRC-verified Install Command.
type InstallCommand struct {
	Type     CommandType
	Metadata *onflash.Metadata
}

// ReadInstallCommand decodes the install command sector and verifies its
// CRC. Returns (nil, nil) if the sector is erased (no command pending).
func (a *Area) ReadInstallCommand() (*InstallCommand, error) {
	raw := make([]byte, recordSize())
	if err := a.region.Read(a.commandAddr, raw); err != nil {
		return nil, err
	}
	if onflash.IsErased(raw) {
		return nil, nil
	}

	body := raw[:len(raw)-crcSize]
	wantCRC := byteOrder.Uint32(raw[len(raw)-crcSize:])
	_, gotCRC := xcrc32.NewCRC32(body)
	if gotCRC != wantCRC {
		return nil, bootutil.Fmt("command: install command CRC mismatch")
	}

	var rec installCommandRecord
	if err := restruct.Unpack(body, byteOrder, &rec); err != nil {
		return nil, bootutil.FmtChild(err, "command: failed to unpack install command")
	}

	cmd := &InstallCommand{Type: CommandType(rec.Type)}
	if rec.HasMetadata != 0 {
		m := rec.Metadata
		cmd.Metadata = &m
	}
	return cmd, nil
}

// WriteHistory mirrors metadata into the history sector: erase then
// write. Called before the currently-running firmware is overwritten.
func (a *Area) WriteHistory(metadata *onflash.Metadata) error {
	raw, err := onflash.MarshalMetadata(metadata)
	if err != nil {
		return err
	}

	if err := a.region.EraseSector(a.historyAddr, a.region.SectorSize); err != nil {
		return err
	}
	return a.region.WriteVerified(a.historyAddr, raw)
}

// ReadHistory returns the last-installed metadata, or ok=false if the
// history sector is erased (no prior install recorded).
func (a *Area) ReadHistory() (meta onflash.Metadata, ok bool, err error) {
	erased, err := a.region.RangeErased(a.historyAddr, onflash.MetadataSize)
	if err != nil {
		return meta, false, err
	}
	if erased {
		return meta, false, nil
	}

	raw := make([]byte, onflash.MetadataSize)
	if err := a.region.Read(a.historyAddr, raw); err != nil {
		return meta, false, err
	}
	meta, err = onflash.UnmarshalMetadata(raw)
	if err != nil {
		return meta, false, err
	}
	return meta, true, nil
}

func (a *Area) readStatusByte() (byte, error) {
	buf := make([]byte, 1)
	if err := a.region.Read(a.statusAddr, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func bitClear(b byte, bit int) bool {
	return b&(1<<uint(bit)) == 0
}

// GetStatus scans the status bitmap and returns the highest-ordinal
// state present, with FAILED short-circuiting as a terminal state
// regardless of ladder progress (spec.md 4.3).
func (a *Area) GetStatus() (LedgerState, error) {
	b, err := a.readStatusByte()
	if err != nil {
		return StateNone, err
	}

	if bitClear(b, statusBitFailed) {
		return StateFailed, nil
	}
	if bitClear(b, statusBitFirmwareWritten) {
		return StateFirmwareWritten, nil
	}
	if bitClear(b, statusBitHistoryWritten) {
		return StateHistoryWritten, nil
	}
	return StateNone, nil
}

// SetStatus clears the bit for the given state. Regressions are
// refused: the ladder bits can only move forward, and once FAILED is
// set no further ladder transitions are accepted until the Command Area
// is cleared (spec.md 4.3/4.6).
func (a *Area) SetStatus(s LedgerState) error {
	current, err := a.GetStatus()
	if err != nil {
		return err
	}

	if s == StateFailed {
		return a.clearBit(statusBitFailed)
	}

	if current == StateFailed {
		return bootutil.Fmt("command: cannot advance ledger past FAILED without clearing the command area")
	}
	if s.ord() <= current.ord() {
		return bootutil.Fmt("command: refusing ledger regression from %v to %v", current, s)
	}

	switch s {
	case StateHistoryWritten:
		return a.clearBit(statusBitHistoryWritten)
	case StateFirmwareWritten:
		return a.clearBit(statusBitFirmwareWritten)
	default:
		return bootutil.Fmt("command: unsupported ledger transition to %v", s)
	}
}

func (a *Area) clearBit(bit int) error {
	b, err := a.readStatusByte()
	if err != nil {
		return err
	}
	b &^= 1 << uint(bit)
	return a.region.WriteVerified(a.statusAddr, []byte{b})
}

// EraseInstallCommand erases the command and status sectors, returning
// the ledger to NONE. History is retained.
func (a *Area) EraseInstallCommand() error {
	if err := a.region.EraseSector(a.commandAddr, a.region.SectorSize); err != nil {
		return err
	}
	return a.region.EraseSector(a.statusAddr, a.region.SectorSize)
}
