// Package installer implements the Installer Core (spec.md component
// C6): boot-time slot re-verification, the crash-safe install state
// machine, anti-rollback policy, rescue fallback, and internal-flash
// programming. Grounded on original_source/bootloader/Core/Src/installer.c,
// expressed with the Update Server Core's closures-over-hooks idiom
// (internal/server) rather than installer.c's static globals.
package installer

import (
	"bytes"

	log "github.com/sirupsen/logrus"

	"github.com/mp-commits/reliable-fw-update/internal/bootutil"
	"github.com/mp-commits/reliable-fw-update/internal/command"
	"github.com/mp-commits/reliable-fw-update/internal/flashmem"
	"github.com/mp-commits/reliable-fw-update/internal/fragment"
	"github.com/mp-commits/reliable-fw-update/internal/onflash"
	"github.com/mp-commits/reliable-fw-update/internal/scratch"
	"github.com/mp-commits/reliable-fw-update/internal/verify"
)

const numSlots = 3

// slotState mirrors InstallSlot_t: the outcome of verifySlotContent for
// one staging slot.
type slotState struct {
	valid       bool
	metadata    onflash.Metadata
	lastFragIdx int
	highestAddr uint32
}

// Installer is the boot-time singleton bound to the internal-flash
// driver, the three staging slots' Fragment Areas, the Command Area,
// the warm-reset scratch, and the key container.
type Installer struct {
	flash   flashmem.Driver
	sectors SectorMap
	addrs   Addresses

	areas      [numSlots]*fragment.Area
	metaMirror [numSlots]*onflash.Metadata
	chainCache [numSlots]*verify.HashChainCache
	slots      [numSlots]slotState

	ca       *command.Area
	scr      *scratch.Scratch
	keystore *verify.Keystore

	currentApp           *onflash.Metadata
	currentMetadataValid bool
	currentAppValid      bool
	rescueApp            *onflash.Metadata
	rescueAppValid       bool
}

// New binds an Installer to its internal-flash driver, static sector
// map, three staging regions, Command Area, scratch, and keystore. Each
// staging region gets its own FragmentArea wired with validation hooks
// that close over this Installer, the same pattern internal/server
// uses for the Update Server Core.
func New(
	flash flashmem.Driver,
	sectors SectorMap,
	addrs Addresses,
	regions [numSlots]*flashmem.Region,
	ca *command.Area,
	scr *scratch.Scratch,
	keystore *verify.Keystore,
) *Installer {
	i := &Installer{
		flash:    flash,
		sectors:  sectors,
		addrs:    addrs,
		ca:       ca,
		scr:      scr,
		keystore: keystore,
	}

	for idx := range i.chainCache {
		i.chainCache[idx] = &verify.HashChainCache{}
	}
	for idx, region := range regions {
		slot := idx
		i.areas[slot] = fragment.Init(region, i.validateFragmentForSlot(slot), i.validateMetadata)
	}

	return i
}

func (i *Installer) validateMetadata(m *onflash.Metadata) bool {
	ok, err := verify.ValidateMetadata(i.keystore, m)
	if err != nil {
		log.Warnf("installer: metadata validation error: %v", err)
		return false
	}
	return ok
}

func (i *Installer) validateFragmentForSlot(slot int) fragment.ValidateFragmentFunc {
	return func(f *onflash.Fragment) bool {
		meta := i.metaMirror[slot]
		if meta == nil {
			return false
		}
		ok, err := verify.ValidateFragment(i.keystore, i.chainCache[slot], meta, f, i.fragmentReader(slot))
		if err != nil {
			log.Warnf("installer: fragment validation error: %v", err)
			return false
		}
		return ok
	}
}

func (i *Installer) fragmentReader(slot int) verify.FragmentReader {
	return func(index uint32) (onflash.Fragment, error) {
		var f onflash.Fragment
		_, err := i.areas[slot].ReadFragmentForce(index, &f)
		return f, err
	}
}

// InitAreas runs the boot-time sequence of installer.c's
// INSTALLER_InitAreas: refresh the running app's and rescue partition's
// status, then verify every staging slot's content.
func (i *Installer) InitAreas() {
	i.refreshAppStatus()
	i.refreshRescueStatus()

	for slot := range i.areas {
		if i.verifySlotContent(slot) {
			kind := "firmware"
			if onflash.FirmwareType(i.slots[slot].metadata.Type) == onflash.FirmwareTypeRescue {
				kind = "rescue app"
			}
			log.Infof("installer: slot %d contains a valid %s", slot, kind)
		} else {
			log.Infof("installer: slot %d does not contain a valid image", slot)
		}
	}
}

// verifySlotContent implements VerifySlotContent: read metadata, locate
// the last fragment, and drive a multipart Ed25519 verification of the
// reassembled image across fragments 0..lastIdx.
func (i *Installer) verifySlotContent(slot int) bool {
	var meta onflash.Metadata
	res, err := i.areas[slot].ReadMetadata(&meta)
	if err != nil || res != fragment.ResultOK {
		return false
	}
	i.metaMirror[slot] = &meta
	i.chainCache[slot].Drop()

	var lastFrag onflash.Fragment
	lastIdx, ok, err := i.areas[slot].FindLastFragment(&lastFrag)
	if err != nil || !ok {
		log.Warnf("installer: slot %d: FindLastFragment failed: %v", slot, err)
		return false
	}

	mv := verify.NewMultipartVerifier(i.keystore.FirmwarePubKey, meta.FirmwareSignature[:])

	expectedNext := i.addrs.FirstFlashAddress
	if onflash.FirmwareType(meta.Type) == onflash.FirmwareTypeRescue {
		expectedNext = i.addrs.RescueDataBegin
	}

	var highestAddr uint32
	for idx := 0; idx <= lastIdx; idx++ {
		var f onflash.Fragment
		res, err := i.areas[slot].ReadFragment(uint32(idx), &f)
		if err != nil || res != fragment.ResultOK {
			log.Warnf("installer: slot %d: fragment %d was not valid", slot, idx)
			return false
		}

		if f.StartAddress != expectedNext {
			log.Warnf("installer: slot %d: fragment %d unexpected start address 0x%x, expected 0x%x",
				slot, idx, f.StartAddress, expectedNext)
			return false
		}
		expectedNext = f.StartAddress + f.Size

		verifyOffset := uint32(0)
		verifyLen := f.Size
		if f.StartAddress < meta.StartAddress {
			verifyOffset = meta.StartAddress - f.StartAddress
		}
		if verifyOffset < verifyLen {
			verifyLen -= verifyOffset
		} else {
			verifyLen = 0
		}
		if verifyLen > 0 {
			mv.Update(f.Content[verifyOffset : verifyOffset+verifyLen])
		}

		if end := f.StartAddress + f.Size; end > highestAddr {
			highestAddr = end
		}
	}

	if !mv.End() {
		log.Warnf("installer: slot %d: multipart verification failed", slot)
		return false
	}

	i.slots[slot] = slotState{valid: true, metadata: meta, lastFragIdx: lastIdx, highestAddr: highestAddr}
	return true
}

func (i *Installer) findSlotMatching(meta *onflash.Metadata) int {
	for idx, st := range i.slots {
		if st.valid && metadataEqual(&st.metadata, meta) {
			return idx
		}
	}
	return -1
}

func metadataEqual(a, b *onflash.Metadata) bool {
	ab, err1 := onflash.MarshalMetadata(a)
	bb, err2 := onflash.MarshalMetadata(b)
	return err1 == nil && err2 == nil && bytes.Equal(ab, bb)
}

func isEmptyMetadata(m *onflash.Metadata) bool {
	raw, err := onflash.MarshalMetadata(m)
	if err != nil {
		return false
	}
	for _, b := range raw {
		if b != 0 {
			return false
		}
	}
	return true
}

// CheckInstallRequest is the boot dispatcher: run a pending install or
// rollback command, else attempt an automatic rollback if the warm-reset
// scratch marks the running application invalid.
func (i *Installer) CheckInstallRequest() bool {
	cmd, err := i.ca.ReadInstallCommand()
	if err != nil {
		log.Errorf("installer: failed to read install command: %v", err)
		return false
	}

	if cmd != nil {
		switch cmd.Type {
		case command.CommandInstall:
			log.Infof("installer: install command read")
			if cmd.Metadata == nil {
				log.Errorf("installer: install command missing metadata")
				return false
			}
			return i.executeInstall(cmd.Metadata)
		case command.CommandRollback:
			log.Infof("installer: rollback command read")
			target := &onflash.Metadata{}
			if cmd.Metadata != nil {
				target = cmd.Metadata
			}
			return i.executeRollback(target, false)
		default:
			log.Warnf("installer: unknown command type %v", cmd.Type)
			return false
		}
	}

	log.Infof("installer: no install command set")

	if i.scr.Data().AppTag == scratch.TagInvalid {
		log.Warnf("installer: application invalid flag set")

		meta, ok, err := i.ca.ReadHistory()
		if err != nil || !ok {
			log.Errorf("installer: cannot find history for automatic rollback")
			return false
		}

		status, err := i.ca.GetStatus()
		if err == nil && status != command.StateFailed {
			if err := i.ca.EraseInstallCommand(); err != nil {
				log.Warnf("installer: failed to clear stale progress: %v", err)
			}
		}
		return i.executeRollback(&meta, true)
	}

	return false
}

func (i *Installer) failJob() {
	if err := i.ca.SetStatus(command.StateFailed); err != nil {
		log.Errorf("installer: failed to record FAILED status: %v", err)
	}
}

// executeInstall runs the crash-safe install state machine
// (ExecuteInstallCommand) against the target metadata.
func (i *Installer) executeInstall(target *onflash.Metadata) bool {
	status, err := i.ca.GetStatus()
	if err != nil {
		log.Errorf("installer: failed to read ledger status: %v", err)
		return false
	}
	if status == command.StateFailed {
		log.Warnf("installer: install request has failed before, refusing to retry")
		return false
	}

	slot := i.findSlotMatching(target)
	if slot < 0 {
		log.Errorf("installer: target firmware not found in any slot, install failed")
		i.failJob()
		return false
	}

	if !i.installAllowed(target, false) {
		log.Warnf("installer: install prevented by anti-rollback policy")
		i.failJob()
		return false
	}

	if status == command.StateNone {
		if i.currentAppValid {
			if err := i.ca.WriteHistory(i.currentApp); err != nil {
				log.Errorf("installer: failed to write history: %v", err)
				i.failJob()
				return false
			}
		}
		if err := i.ca.SetStatus(command.StateHistoryWritten); err != nil {
			log.Errorf("installer: failed to advance ledger: %v", err)
			i.failJob()
			return false
		}
		status = command.StateHistoryWritten
		log.Infof("installer: history written")
	}

	if status == command.StateHistoryWritten {
		if err := i.installFrom(slot); err != nil {
			log.Errorf("installer: installation from slot %d failed: %v", slot, err)
			i.failJob()
			return false
		}
		if err := i.ca.SetStatus(command.StateFirmwareWritten); err != nil {
			log.Errorf("installer: failed to advance ledger: %v", err)
			i.failJob()
			return false
		}
		status = command.StateFirmwareWritten
	}

	if status == command.StateFirmwareWritten {
		if err := i.ca.EraseInstallCommand(); err != nil {
			log.Errorf("installer: failed to clear install command: %v", err)
			return false
		}
		return true
	}

	return false
}

// executeRollback runs the rollback variant of the state machine. Per
// the redesign recorded in DESIGN.md, an anti-rollback denial here
// always aborts the job into FAILED rather than merely logging, unlike
// the reference ExecuteRollbackCommand.
func (i *Installer) executeRollback(target *onflash.Metadata, automatic bool) bool {
	status, err := i.ca.GetStatus()
	if err != nil {
		log.Errorf("installer: failed to read ledger status: %v", err)
		return false
	}
	if status == command.StateFailed {
		log.Warnf("installer: rollback request has failed before, refusing to retry")
		return false
	}

	if isEmptyMetadata(target) {
		hist, ok, err := i.ca.ReadHistory()
		if err != nil || !ok {
			log.Errorf("installer: cannot read previous firmware, rollback failed")
			i.failJob()
			return false
		}
		target = &hist
	}

	if i.currentAppValid && metadataEqual(target, i.currentApp) {
		log.Warnf("installer: rollback target is identical to the running firmware, refusing as a no-op")
		return false
	}

	slot := i.findSlotMatching(target)
	if slot < 0 {
		log.Errorf("installer: target rollback firmware not found in any slot, rollback failed")
		i.failJob()
		return false
	}

	if !i.installAllowed(target, automatic) {
		log.Warnf("installer: rollback prevented by anti-rollback policy (automatic=%v)", automatic)
		i.failJob()
		return false
	}

	if status == command.StateNone {
		// Unlike install, rollback does not rewrite history: the
		// history ledger is single-slot (spec.md 4.6 "Rollback
		// specifics").
		if err := i.ca.SetStatus(command.StateHistoryWritten); err != nil {
			log.Errorf("installer: failed to advance ledger: %v", err)
			i.failJob()
			return false
		}
		status = command.StateHistoryWritten
		log.Infof("installer: history state set, history not rewritten")
	}

	if status == command.StateHistoryWritten {
		if err := i.installFrom(slot); err != nil {
			log.Errorf("installer: installation from slot %d failed: %v", slot, err)
			i.failJob()
			return false
		}
		if err := i.ca.SetStatus(command.StateFirmwareWritten); err != nil {
			log.Errorf("installer: failed to advance ledger: %v", err)
			i.failJob()
			return false
		}
		status = command.StateFirmwareWritten
	}

	if status == command.StateFirmwareWritten {
		if err := i.ca.EraseInstallCommand(); err != nil {
			log.Errorf("installer: failed to clear install command: %v", err)
			return false
		}
		return true
	}

	return false
}

// installAllowed is the anti-rollback policy of spec.md 4.6.
func (i *Installer) installAllowed(target *onflash.Metadata, automatic bool) bool {
	app, appValid := i.appMetadataFor(target)

	if !appValid {
		return true
	}

	targetType := onflash.FirmwareType(target.Type)
	appType := onflash.FirmwareType(app.Type)

	if automatic && targetType == appType && i.scr.Data().InstallTag == scratch.TagTryout {
		return true
	}
	if targetType == appType && target.RollbackNumber >= app.RollbackNumber {
		return true
	}
	if targetType != onflash.FirmwareTypeRescue && appType == onflash.FirmwareTypeRescue {
		return true
	}

	return false
}

// installFrom programs a verified slot's metadata and fragments into
// internal flash, erasing exactly the sectors the image footprint
// requires first.
func (i *Installer) installFrom(slot int) error {
	st := i.slots[slot]
	if !st.valid {
		return bootutil.Fmt("installer: slot %d is not valid", slot)
	}

	meta := st.metadata
	targetMetaAddr := i.addrs.AppMetadataAddress
	if onflash.FirmwareType(meta.Type) == onflash.FirmwareTypeRescue {
		targetMetaAddr = i.addrs.RescueMetadataAddress
	}

	ok, err := verify.ValidateMetadata(i.keystore, &meta)
	if err != nil {
		return bootutil.FmtChild(err, "installer: install target metadata reverification errored")
	}
	if !ok {
		return bootutil.Fmt("installer: install target metadata reverification failed")
	}

	if st.highestAddr == 0 {
		return bootutil.Fmt("installer: slot %d has no fragments to install", slot)
	}
	if err := i.sectors.EraseRequiredSectors(i.flash, targetMetaAddr, st.highestAddr-1); err != nil {
		return bootutil.FmtChild(err, "installer: erase required sectors failed")
	}

	metaBytes, err := onflash.MarshalMetadata(&meta)
	if err != nil {
		return err
	}
	if err := i.programFlash(targetMetaAddr, metaBytes); err != nil {
		return bootutil.FmtChild(err, "installer: failed to program metadata")
	}

	for idx := 0; idx <= st.lastFragIdx; idx++ {
		var f onflash.Fragment
		res, err := i.areas[slot].ReadFragment(uint32(idx), &f)
		if err != nil {
			return bootutil.FmtChild(err, "installer: re-read of fragment %d failed", idx)
		}
		if res != fragment.ResultOK {
			return bootutil.Fmt("installer: re-read of fragment %d returned %v", idx, res)
		}
		if err := i.programFlash(f.StartAddress, f.Content[:f.Size]); err != nil {
			return bootutil.FmtChild(err, "installer: failed to program fragment %d", idx)
		}
	}

	return nil
}

// programFlash implements ProgramFlash: bounds-check the target window,
// then program an unaligned leading byte run, a word-aligned middle,
// and a trailing byte run, each step individually readback-verified.
func (i *Installer) programFlash(addr uint32, data []byte) error {
	end := addr + uint32(len(data))
	if addr < i.addrs.AppMetadataAddress || addr > i.addrs.LastFlashAddress ||
		end < i.addrs.AppMetadataAddress || end > i.addrs.LastFlashAddress {
		return bootutil.Fmt("installer: program request [0x%x,0x%x) exceeds flash boundaries", addr, end)
	}

	startWord := alignHigh4(addr)
	endWord := alignLow4(end)

	pos := addr
	n := 0
	for pos < startWord && pos < end {
		if err := i.writeVerified(pos, data[n:n+1]); err != nil {
			return err
		}
		pos++
		n++
	}
	for pos < endWord {
		if err := i.writeVerified(pos, data[n:n+4]); err != nil {
			return err
		}
		pos += 4
		n += 4
	}
	for pos < end {
		if err := i.writeVerified(pos, data[n:n+1]); err != nil {
			return err
		}
		pos++
		n++
	}

	return nil
}

func (i *Installer) writeVerified(addr uint32, data []byte) error {
	if err := i.flash.Write(addr, data); err != nil {
		return bootutil.FmtChild(err, "installer: program failed at 0x%x", addr)
	}
	readback := make([]byte, len(data))
	if err := i.flash.Read(addr, readback); err != nil {
		return bootutil.FmtChild(err, "installer: readback failed at 0x%x", addr)
	}
	if !bytes.Equal(data, readback) {
		return bootutil.Fmt("installer: readback mismatch at 0x%x", addr)
	}
	return nil
}

func alignHigh4(v uint32) uint32 { return (v + 3) &^ 3 }
func alignLow4(v uint32) uint32  { return v &^ 3 }

// tryRepair re-enters the install state machine using the currently
// installed metadata as its own target, for the case where the running
// app's metadata re-verifies but its image content does not.
func (i *Installer) tryRepair() bool {
	if i.currentMetadataValid && !i.currentAppValid {
		return i.executeInstall(i.currentApp)
	}
	return false
}

// tryInstallRescueApp installs the first slot holding a valid
// RESCUE-typed image once no viable firmware remains; it does nothing
// while the running application still verifies.
func (i *Installer) tryInstallRescueApp() (*onflash.Metadata, bool) {
	if i.currentAppValid {
		return nil, false
	}
	for idx, st := range i.slots {
		if st.valid && onflash.FirmwareType(st.metadata.Type) == onflash.FirmwareTypeRescue {
			meta := st.metadata
			if err := i.installFrom(idx); err != nil {
				log.Errorf("installer: rescue install from slot %d failed: %v", idx, err)
				return nil, false
			}
			return &meta, true
		}
	}
	return nil, false
}

// TryRepair and TryInstallRescueApp expose the boot-time repair path to
// callers (e.g. cmd/installer's main loop) in addition to
// CheckInstallRequest.
func (i *Installer) TryRepair() bool { return i.tryRepair() }

// TryInstallRescueApp is the exported form of tryInstallRescueApp.
func (i *Installer) TryInstallRescueApp() (*onflash.Metadata, bool) { return i.tryInstallRescueApp() }
