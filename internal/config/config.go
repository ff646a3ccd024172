// Package config loads the static layout a device build is parameterized
// with: external staging-flash geometry, the internal sector map, where
// the Command Area and internal metadata records live, and the key
// files the verifier checks signatures against. Modeled on
// newt/flashmap.parseFlashArea's loosely-typed YAML coercion via
// github.com/spf13/cast, since this module plays the same role
// cmd/ binaries need that newt's flash map config plays for firmware
// builds.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"golang.org/x/crypto/ed25519"
	"gopkg.in/yaml.v2"

	"github.com/mp-commits/reliable-fw-update/internal/bootutil"
	"github.com/mp-commits/reliable-fw-update/internal/flashmem"
	"github.com/mp-commits/reliable-fw-update/internal/installer"
	"github.com/mp-commits/reliable-fw-update/internal/onflash"
	"github.com/mp-commits/reliable-fw-update/internal/verify"
)

// SlotLayout describes one external-flash region: a staging slot or the
// Command Area.
type SlotLayout struct {
	Base       uint32
	SectorSize int
	Size       int
}

// InternalLayout is the internal program-flash configuration: the
// static sector map plus the fixed addresses installAllowed and
// installFrom need.
type InternalLayout struct {
	Sectors               installer.SectorMap
	FirstFlashAddress     uint32
	LastFlashAddress      uint32
	AppMetadataAddress    uint32
	RescueMetadataAddress uint32
	RescueDataBegin       uint32
	RescueEnabled         bool
}

// KeyPaths is where the verifier's three public keys are read from.
type KeyPaths struct {
	MetadataPubKey string
	FirmwarePubKey string
	FragmentPubKey string
}

// ImagePaths is where the host-side demonstration CLIs back each flash
// region with a regular file, so a device simulated across several
// cmd/updatesrv and cmd/installer invocations keeps its state.
type ImagePaths struct {
	SlotImages    [3]string
	CommandArea   string
	InternalFlash string
	Scratch       string
}

// Config is the fully parsed device configuration.
type Config struct {
	Slots       [3]SlotLayout
	CommandArea SlotLayout
	Internal    InternalLayout
	Keys        KeyPaths
	Images      ImagePaths
}

func cfgErr(section string, format string, args ...interface{}) error {
	return bootutil.Fmt("config: %s: "+format, append([]interface{}{section}, args...)...)
}

// parseSize accepts bare integers as well as "4KB"/"2MB" suffixes, the
// same convention newt/flashmap.parseSize uses for area sizes.
func parseSize(v string) (int, error) {
	lower := strings.ToLower(strings.TrimSpace(v))

	multiplier := 1
	switch {
	case strings.HasSuffix(lower, "kb"):
		multiplier = 1024
		lower = strings.TrimSuffix(lower, "kb")
	case strings.HasSuffix(lower, "mb"):
		multiplier = 1024 * 1024
		lower = strings.TrimSuffix(lower, "mb")
	}

	num, err := strconv.ParseInt(strings.TrimSpace(lower), 0, 64)
	if err != nil {
		return 0, err
	}
	return int(num) * multiplier, nil
}

func parseAddr(v string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func parseSlot(name string, raw interface{}) (SlotLayout, error) {
	var out SlotLayout
	fields := cast.ToStringMapString(raw)

	base, err := parseAddr(fields["base"])
	if err != nil {
		return out, cfgErr(name, "invalid base: %v", err)
	}
	size, err := parseSize(fields["size"])
	if err != nil {
		return out, cfgErr(name, "invalid size: %v", err)
	}
	sectorSize, err := parseSize(fields["sector_size"])
	if err != nil {
		return out, cfgErr(name, "invalid sector_size: %v", err)
	}

	out.Base = base
	out.Size = size
	out.SectorSize = sectorSize
	return out, nil
}

func parseSectorMap(raw interface{}) (installer.SectorMap, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, cfgErr("internal_flash.sectors", "expected a list")
	}

	sectors := make(installer.SectorMap, 0, len(items))
	for idx, item := range items {
		fields := cast.ToStringMapString(item)
		addr, err := parseAddr(fields["addr"])
		if err != nil {
			return nil, cfgErr("internal_flash.sectors", "entry %d: invalid addr: %v", idx, err)
		}
		size, err := parseSize(fields["size"])
		if err != nil {
			return nil, cfgErr("internal_flash.sectors", "entry %d: invalid size: %v", idx, err)
		}
		sectors = append(sectors, installer.Sector{Addr: addr, Size: size})
	}

	return sectors, nil
}

func parseInternal(raw interface{}) (InternalLayout, error) {
	var out InternalLayout
	fields := cast.ToStringMap(raw)

	strFields := cast.ToStringMapString(raw)

	var err error
	if out.FirstFlashAddress, err = parseAddr(strFields["first_flash_address"]); err != nil {
		return out, cfgErr("internal_flash", "invalid first_flash_address: %v", err)
	}
	if out.LastFlashAddress, err = parseAddr(strFields["last_flash_address"]); err != nil {
		return out, cfgErr("internal_flash", "invalid last_flash_address: %v", err)
	}
	if out.AppMetadataAddress, err = parseAddr(strFields["app_metadata_address"]); err != nil {
		return out, cfgErr("internal_flash", "invalid app_metadata_address: %v", err)
	}

	out.RescueEnabled = cast.ToBool(fields["rescue_enabled"])
	if out.RescueEnabled {
		if out.RescueMetadataAddress, err = parseAddr(strFields["rescue_metadata_address"]); err != nil {
			return out, cfgErr("internal_flash", "invalid rescue_metadata_address: %v", err)
		}
		if out.RescueDataBegin, err = parseAddr(strFields["rescue_data_begin"]); err != nil {
			return out, cfgErr("internal_flash", "invalid rescue_data_begin: %v", err)
		}
	}

	sectors, ok := fields["sectors"]
	if !ok {
		return out, cfgErr("internal_flash", "required field \"sectors\" missing")
	}
	out.Sectors, err = parseSectorMap(sectors)
	if err != nil {
		return out, err
	}

	return out, nil
}

func parseKeys(raw interface{}) KeyPaths {
	fields := cast.ToStringMapString(raw)
	return KeyPaths{
		MetadataPubKey: fields["metadata_pub_key"],
		FirmwarePubKey: fields["firmware_pub_key"],
		FragmentPubKey: fields["fragment_pub_key"],
	}
}

func parseImages(raw interface{}) (ImagePaths, error) {
	var out ImagePaths
	fields := cast.ToStringMapString(raw)

	slotsRaw, ok := cast.ToStringMap(raw)["slots"].([]interface{})
	if !ok || len(slotsRaw) != 3 {
		return out, cfgErr("images.slots", "expected exactly 3 paths")
	}
	for idx, s := range slotsRaw {
		out.SlotImages[idx] = cast.ToString(s)
	}

	out.CommandArea = fields["command_area"]
	out.InternalFlash = fields["internal_flash"]
	out.Scratch = fields["scratch"]
	return out, nil
}

// Load reads and parses a YAML device configuration document.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, bootutil.FmtChild(err, "config: failed to read %s", path)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, bootutil.FmtChild(err, "config: failed to parse %s", path)
	}

	cfg := &Config{}

	slotsRaw, ok := doc["slots"].([]interface{})
	if !ok || len(slotsRaw) != 3 {
		return nil, cfgErr("slots", "expected exactly 3 entries")
	}
	for idx, s := range slotsRaw {
		slot, err := parseSlot("slots", s)
		if err != nil {
			return nil, err
		}
		cfg.Slots[idx] = slot
	}

	caRaw, ok := doc["command_area"]
	if !ok {
		return nil, cfgErr("command_area", "required section missing")
	}
	ca, err := parseSlot("command_area", caRaw)
	if err != nil {
		return nil, err
	}
	cfg.CommandArea = ca

	internalRaw, ok := doc["internal_flash"]
	if !ok {
		return nil, cfgErr("internal_flash", "required section missing")
	}
	cfg.Internal, err = parseInternal(internalRaw)
	if err != nil {
		return nil, err
	}

	keysRaw, ok := doc["keys"]
	if !ok {
		return nil, cfgErr("keys", "required section missing")
	}
	cfg.Keys = parseKeys(keysRaw)

	imagesRaw, ok := doc["images"]
	if !ok {
		return nil, cfgErr("images", "required section missing")
	}
	cfg.Images, err = parseImages(imagesRaw)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadPubKey reads a raw 32-byte Ed25519 public key file, grounded on
// artifact/sec.ReadKey's plain ioutil.ReadFile-then-parse approach
// (simplified here since the verifier only ever needs the raw key
// bytes, never a full certificate).
func loadPubKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, bootutil.FmtChild(err, "config: failed to read key file %s", path)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, bootutil.Fmt("config: key file %s is %d bytes, want %d", path, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// LoadKeystore resolves the three key file paths into a verify.Keystore.
func (c *Config) LoadKeystore() (*verify.Keystore, error) {
	metaPub, err := loadPubKey(c.Keys.MetadataPubKey)
	if err != nil {
		return nil, err
	}
	fwPub, err := loadPubKey(c.Keys.FirmwarePubKey)
	if err != nil {
		return nil, err
	}
	fragPub, err := loadPubKey(c.Keys.FragmentPubKey)
	if err != nil {
		return nil, err
	}
	return verify.NewKeystore(metaPub, fwPub, fragPub), nil
}

// InstallerAddresses adapts the parsed internal-flash layout into
// installer.Addresses.
func (l InternalLayout) InstallerAddresses() installer.Addresses {
	return installer.Addresses{
		FirstFlashAddress:     l.FirstFlashAddress,
		LastFlashAddress:      l.LastFlashAddress,
		AppMetadataAddress:    l.AppMetadataAddress,
		RescueMetadataAddress: l.RescueMetadataAddress,
		RescueDataBegin:       l.RescueDataBegin,
		RescueEnabled:         l.RescueEnabled,
	}
}

// OpenSlotRegions opens the three staging-slot images as file-backed
// flashmem.Regions.
func (c *Config) OpenSlotRegions() ([3]*flashmem.Region, error) {
	var regions [3]*flashmem.Region
	for idx, slot := range c.Slots {
		drv, err := flashmem.OpenFileDriver(c.Images.SlotImages[idx], slot.Base, slot.Size, onflash.EraseValue)
		if err != nil {
			return regions, bootutil.FmtChild(err, "config: failed to open slot %d image", idx)
		}
		regions[idx] = flashmem.NewRegion(slot.Base, slot.SectorSize, slot.Size, drv)
	}
	return regions, nil
}

// OpenCommandAreaRegion opens the Command Area image as a file-backed
// flashmem.Region.
func (c *Config) OpenCommandAreaRegion() (*flashmem.Region, error) {
	drv, err := flashmem.OpenFileDriver(c.Images.CommandArea, c.CommandArea.Base, c.CommandArea.Size, onflash.EraseValue)
	if err != nil {
		return nil, bootutil.FmtChild(err, "config: failed to open command area image")
	}
	return flashmem.NewRegion(c.CommandArea.Base, c.CommandArea.SectorSize, c.CommandArea.Size, drv), nil
}

// OpenInternalFlashDriver opens the internal-flash image as a raw
// flashmem.Driver (no uniform Region wrapper, since its sectors are not
// uniformly sized). The image starts at the lower of AppMetadataAddress
// and FirstFlashAddress, so the application metadata record is covered.
func (c *Config) OpenInternalFlashDriver() (flashmem.Driver, error) {
	base := c.Internal.FirstFlashAddress
	if c.Internal.AppMetadataAddress < base {
		base = c.Internal.AppMetadataAddress
	}
	size := int(c.Internal.LastFlashAddress-base) + 1
	drv, err := flashmem.OpenFileDriver(c.Images.InternalFlash, base, size, onflash.EraseValue)
	if err != nil {
		return nil, bootutil.FmtChild(err, "config: failed to open internal flash image")
	}
	return drv, nil
}
