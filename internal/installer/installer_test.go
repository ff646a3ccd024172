package installer_test

import (
	"testing"

	"golang.org/x/crypto/ed25519"

	"github.com/mp-commits/reliable-fw-update/internal/command"
	"github.com/mp-commits/reliable-fw-update/internal/flashmem"
	"github.com/mp-commits/reliable-fw-update/internal/fragment"
	"github.com/mp-commits/reliable-fw-update/internal/installer"
	"github.com/mp-commits/reliable-fw-update/internal/onflash"
	"github.com/mp-commits/reliable-fw-update/internal/scratch"
	"github.com/mp-commits/reliable-fw-update/internal/verify"
)

const (
	internalBase              = 0x08000000
	internalSize              = 16 * 0x1000
	appMetadataAddress        = internalBase
	firstFlashAddress         = internalBase + 0x1000
	rescueMetadataAddress     = internalBase + 0x8000
	rescueDataBegin           = internalBase + 0x9000
	lastFlashAddress          = internalBase + internalSize - 1
	testSlotBase              = 0x90000000
	testSlotSectorSize        = 2048
	testSlotSize              = 16 * testSlotSectorSize
	testCABase                = 0x08020000
	testCASectorSize          = 256
	testCASize                = 3 * testCASectorSize
)

type installerFixture struct {
	inst     *installer.Installer
	flash    *flashmem.SimDriver
	ca       *command.Area
	scrStore scratch.Store
	scr      *scratch.Scratch
	metaPriv ed25519.PrivateKey
	fwPriv   ed25519.PrivateKey
	fragPriv ed25519.PrivateKey
	regions  [3]*flashmem.Region
}

func newInternalSectorMap() installer.SectorMap {
	m := make(installer.SectorMap, 16)
	for i := range m {
		m[i] = installer.Sector{Addr: internalBase + uint32(i*0x1000), Size: 0x1000}
	}
	return m
}

func newInstallerFixture(t *testing.T, rescueEnabled bool) *installerFixture {
	t.Helper()

	metaPub, metaPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	fwPub, fwPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	fragPub, fragPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ks := verify.NewKeystore(metaPub, fwPub, fragPub)

	flash := flashmem.NewSimDriver(internalBase, internalSize, 0xFF)
	sectors := newInternalSectorMap()
	addrs := installer.Addresses{
		FirstFlashAddress:     firstFlashAddress,
		LastFlashAddress:      lastFlashAddress,
		AppMetadataAddress:    appMetadataAddress,
		RescueMetadataAddress: rescueMetadataAddress,
		RescueDataBegin:       rescueDataBegin,
		RescueEnabled:         rescueEnabled,
	}

	var regions [3]*flashmem.Region
	for i := range regions {
		base := uint32(testSlotBase + i*testSlotSize)
		driver := flashmem.NewSimDriver(base, testSlotSize, 0xFF)
		regions[i] = flashmem.NewRegion(base, testSlotSectorSize, testSlotSize, driver)
	}

	caDriver := flashmem.NewSimDriver(testCABase, testCASize, 0xFF)
	caRegion := flashmem.NewRegion(testCABase, testCASectorSize, testCASize, caDriver)
	ca, err := command.Init(caRegion)
	if err != nil {
		t.Fatalf("command.Init: %v", err)
	}

	store := scratch.NewInMemoryStore()
	scr, err := scratch.Init(store)
	if err != nil {
		t.Fatalf("scratch.Init: %v", err)
	}

	inst := installer.New(flash, sectors, addrs, regions, ca, scr, ks)

	return &installerFixture{
		inst: inst, flash: flash, ca: ca, scrStore: store, scr: scr,
		metaPriv: metaPriv, fwPriv: fwPriv, fragPriv: fragPriv, regions: regions,
	}
}

func (f *installerFixture) buildMetadata(firmwareID, version, rollback uint32, typ onflash.FirmwareType, startAddr uint32, body []byte, name string) onflash.Metadata {
	var m onflash.Metadata
	copy(m.Magic[:], onflash.MetadataMagic[:])
	m.Type = uint32(typ)
	m.FirmwareID = firmwareID
	m.Version = version
	m.RollbackNumber = rollback
	m.StartAddress = startAddr
	m.FirmwareSize = uint32(len(body))
	copy(m.Name[:], []byte(name))
	copy(m.FirmwareSignature[:], ed25519.Sign(f.fwPriv, body))
	return m
}

func (f *installerFixture) sign(m *onflash.Metadata) {
	signed, err := onflash.MetadataSigningBytes(m)
	if err != nil {
		panic(err)
	}
	copy(m.MetadataSignature[:], ed25519.Sign(f.metaPriv, signed))
}

// writeCurrentApp programs meta+body directly into internal flash, as if
// it were the firmware the bootloader is already running.
func (f *installerFixture) writeCurrentApp(t *testing.T, m onflash.Metadata, body []byte) {
	t.Helper()
	raw, err := onflash.MarshalMetadata(&m)
	if err != nil {
		t.Fatalf("MarshalMetadata: %v", err)
	}
	if err := f.flash.Write(appMetadataAddress, raw); err != nil {
		t.Fatalf("Write metadata: %v", err)
	}
	if err := f.flash.Write(m.StartAddress, body); err != nil {
		t.Fatalf("Write body: %v", err)
	}
}

// stage writes meta and a single leaf-verified fragment covering body into
// the given slot, as if PutMetadata/PutFragment had already succeeded.
func (f *installerFixture) stage(t *testing.T, slot int, m onflash.Metadata, body []byte) {
	t.Helper()
	area := fragment.Init(f.regions[slot], func(*onflash.Fragment) bool { return true }, func(*onflash.Metadata) bool { return true })

	if res, err := area.WriteMetadata(&m); err != nil || res != fragment.ResultOK {
		t.Fatalf("WriteMetadata: res=%v err=%v", res, err)
	}

	var frag onflash.Fragment
	frag.FirmwareID = m.FirmwareID
	frag.Number = 0
	frag.VerifyMethod = uint32(onflash.VerifyMethodLeafEd25519)
	frag.StartAddress = m.StartAddress
	frag.Size = uint32(len(body))
	copy(frag.Content[:], body)
	signed, err := onflash.FragmentSigningBytes(&frag)
	if err != nil {
		t.Fatalf("FragmentSigningBytes: %v", err)
	}
	copy(frag.Signature[:], ed25519.Sign(f.fragPriv, signed))

	if res, err := area.WriteFragment(0, &frag); err != nil || res != fragment.ResultOK {
		t.Fatalf("WriteFragment: res=%v err=%v", res, err)
	}
}

func TestCheckInstallRequestInstallsNewerFirmware(t *testing.T) {
	f := newInstallerFixture(t, false)

	currentBody := []byte("running-firmware-v1")
	current := f.buildMetadata(1, 1, 1, onflash.FirmwareTypeFirmware, firstFlashAddress, currentBody, "app-v1")
	f.sign(&current)
	f.writeCurrentApp(t, current, currentBody)

	newBody := []byte("running-firmware-v2")
	staged := f.buildMetadata(1, 2, 2, onflash.FirmwareTypeFirmware, firstFlashAddress, newBody, "app-v2")
	f.sign(&staged)
	f.stage(t, 0, staged, newBody)

	if err := f.ca.WriteInstallCommand(command.CommandInstall, &staged); err != nil {
		t.Fatalf("WriteInstallCommand: %v", err)
	}

	f.inst.InitAreas()
	if ok := f.inst.CheckInstallRequest(); !ok {
		t.Fatal("expected CheckInstallRequest to report a successful install")
	}

	readBack := make([]byte, len(newBody))
	if err := f.flash.Read(firstFlashAddress, readBack); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(readBack) != string(newBody) {
		t.Fatalf("flash body = %q, want %q", readBack, newBody)
	}

	status, err := f.ca.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != command.StateNone {
		t.Fatalf("status = %v, want StateNone after a successful install clears the command area", status)
	}
}

func TestCheckInstallRequestDeniedByAntiRollback(t *testing.T) {
	f := newInstallerFixture(t, false)

	currentBody := []byte("running-firmware-v2")
	current := f.buildMetadata(1, 2, 2, onflash.FirmwareTypeFirmware, firstFlashAddress, currentBody, "app-v2")
	f.sign(&current)
	f.writeCurrentApp(t, current, currentBody)

	olderBody := []byte("running-firmware-v1")
	staged := f.buildMetadata(1, 1, 1, onflash.FirmwareTypeFirmware, firstFlashAddress, olderBody, "app-v1")
	f.sign(&staged)
	f.stage(t, 0, staged, olderBody)

	if err := f.ca.WriteInstallCommand(command.CommandInstall, &staged); err != nil {
		t.Fatalf("WriteInstallCommand: %v", err)
	}

	f.inst.InitAreas()
	if ok := f.inst.CheckInstallRequest(); ok {
		t.Fatal("expected the older rollback-numbered firmware to be denied")
	}

	status, err := f.ca.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != command.StateFailed {
		t.Fatalf("status = %v, want StateFailed after an anti-rollback denial", status)
	}
}

func TestCheckInstallRequestAutomaticRollbackAfterFailedTryout(t *testing.T) {
	f := newInstallerFixture(t, false)

	currentBody := []byte("running-firmware-v2-tryout")
	current := f.buildMetadata(1, 2, 2, onflash.FirmwareTypeFirmware, firstFlashAddress, currentBody, "app-v2")
	f.sign(&current)
	f.writeCurrentApp(t, current, currentBody)

	priorBody := []byte("running-firmware-v1")
	prior := f.buildMetadata(1, 1, 1, onflash.FirmwareTypeFirmware, firstFlashAddress, priorBody, "app-v1")
	f.sign(&prior)
	f.stage(t, 0, prior, priorBody)

	if err := f.ca.WriteHistory(&prior); err != nil {
		t.Fatalf("WriteHistory: %v", err)
	}
	if err := f.scr.SetMember(scratch.MemberAppTag, scratch.TagInvalid); err != nil {
		t.Fatalf("SetMember(AppTag): %v", err)
	}
	if err := f.scr.SetMember(scratch.MemberInstallTag, scratch.TagTryout); err != nil {
		t.Fatalf("SetMember(InstallTag): %v", err)
	}

	f.inst.InitAreas()
	if ok := f.inst.CheckInstallRequest(); !ok {
		t.Fatal("expected an automatic rollback to the prior firmware to succeed")
	}

	readBack := make([]byte, len(priorBody))
	if err := f.flash.Read(firstFlashAddress, readBack); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(readBack) != string(priorBody) {
		t.Fatalf("flash body = %q, want %q", readBack, priorBody)
	}
}

func TestTryInstallRescueApp(t *testing.T) {
	f := newInstallerFixture(t, true)

	rescueBody := []byte("rescue-image-body")
	rescue := f.buildMetadata(9, 1, 1, onflash.FirmwareTypeRescue, rescueDataBegin, rescueBody, "rescue")
	f.sign(&rescue)
	f.stage(t, 1, rescue, rescueBody)

	f.inst.InitAreas()
	meta, ok := f.inst.TryInstallRescueApp()
	if !ok {
		t.Fatal("expected TryInstallRescueApp to succeed")
	}
	if meta.FirmwareID != 9 {
		t.Fatalf("installed rescue metadata FirmwareID = %d, want 9", meta.FirmwareID)
	}

	readBack := make([]byte, len(rescueBody))
	if err := f.flash.Read(rescueDataBegin, readBack); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(readBack) != string(rescueBody) {
		t.Fatalf("flash body = %q, want %q", readBack, rescueBody)
	}
}

func TestTryRepairReinstallsCorruptedCurrentApp(t *testing.T) {
	f := newInstallerFixture(t, false)

	body := []byte("running-firmware-v1")
	current := f.buildMetadata(1, 1, 1, onflash.FirmwareTypeFirmware, firstFlashAddress, body, "app-v1")
	f.sign(&current)
	f.writeCurrentApp(t, current, body)

	// Corrupt the on-flash image while leaving the metadata (and its
	// signature) intact: metadata re-verifies but the image does not.
	if err := f.flash.Write(firstFlashAddress, []byte{0x00}); err != nil {
		t.Fatalf("corrupt flash: %v", err)
	}

	f.stage(t, 0, current, body)

	f.inst.InitAreas()
	if ok := f.inst.TryRepair(); !ok {
		t.Fatal("expected TryRepair to reinstall the matching staged image")
	}

	readBack := make([]byte, len(body))
	if err := f.flash.Read(firstFlashAddress, readBack); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(readBack) != string(body) {
		t.Fatalf("flash body = %q, want %q after repair", readBack, body)
	}
}
