// Package scratch implements the Warm-Reset Scratch region (spec.md
// component C7): a small CRC-protected structure that survives a warm
// reset, carrying tryout/invalidity tags across it.
//
// Go cannot place a package-level variable in a literal
// non-initialized linker section the way the C original does via
// __attribute__((section(".noinit"))); that placement is a link-time
// concern outside this module's scope (spec.md 1 lists the RAM region
// itself as an external collaborator). Store is the seam: a real target
// backs it with the actual no-init section, while InMemoryStore is the
// reference implementation used by tests and FileStore backs the
// demonstration installer CLI.
package scratch

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"zappem.net/pub/debug/xcrc32"

	"github.com/mp-commits/reliable-fw-update/internal/bootutil"
)

// Tag values carried across a warm reset.
const (
	TagInvalid uint32 = 0xDEADBEEF
	TagGood    uint32 = 0x600DF00D
	TagTryout  uint32 = 0xCAFEFEED
)

// Data is the scratch region's payload, everything but its trailing CRC.
type Data struct {
	ResetCount    uint32
	AppTag        uint32
	BootloaderTag uint32
	InstallTag    uint32
	ResetArg      uint32
}

// Member enumerates the fields settable via SetMember, bounding writes
// the way the original's setMember bounds pointer arithmetic into the
// struct.
type Member int

const (
	MemberResetCount Member = iota
	MemberAppTag
	MemberBootloaderTag
	MemberInstallTag
	MemberResetArg
	memberCount
)

var byteOrder = binary.BigEndian

const crcSize = 4

// Store is the raw backing for the scratch region.
type Store interface {
	Load() ([]byte, error)
	Save([]byte) error
}

// InMemoryStore is a reference Store backed by a byte slice, standing in
// for the uninitialized RAM region across simulated resets.
type InMemoryStore struct {
	raw []byte
}

// NewInMemoryStore allocates a store pre-filled with zero bytes, as an
// uninitialized region reads as arbitrary power-on garbage in practice
// but is conventionally modeled as zero until first write.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{raw: make([]byte, dataSize()+crcSize)}
}

func (s *InMemoryStore) Load() ([]byte, error) {
	return append([]byte(nil), s.raw...), nil
}

func (s *InMemoryStore) Save(raw []byte) error {
	copy(s.raw, raw)
	return nil
}

func dataSize() int {
	b, err := restruct.Pack(byteOrder, &Data{})
	if err != nil {
		panic(err)
	}
	return len(b)
}

func crc32Of(data []byte) uint32 {
	_, crc := xcrc32.NewCRC32(data)
	return crc
}

// Scratch is the live, CRC-verified view of the scratch region.
type Scratch struct {
	store Store
	data  Data
}

// Init loads the scratch region, recomputing its CRC over every field
// but crc itself. On mismatch, it zeroes the entire region (spec.md 4.7).
func Init(store Store) (*Scratch, error) {
	raw, err := store.Load()
	if err != nil {
		return nil, bootutil.FmtChild(err, "scratch: failed to load region")
	}

	s := &Scratch{store: store}

	if len(raw) != dataSize()+crcSize {
		return s.reset()
	}

	body := raw[:dataSize()]
	wantCRC := byteOrder.Uint32(raw[dataSize():])
	if crc32Of(body) != wantCRC {
		return s.reset()
	}

	var d Data
	if err := restruct.Unpack(body, byteOrder, &d); err != nil {
		return s.reset()
	}
	s.data = d
	return s, nil
}

func (s *Scratch) reset() (*Scratch, error) {
	s.data = Data{}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scratch) persist() error {
	body, err := restruct.Pack(byteOrder, &s.data)
	if err != nil {
		return bootutil.FmtChild(err, "scratch: failed to pack region")
	}
	crc := crc32Of(body)
	crcBytes := make([]byte, crcSize)
	byteOrder.PutUint32(crcBytes, crc)
	return s.store.Save(append(body, crcBytes...))
}

// Data returns a copy of the current scratch contents.
func (s *Scratch) Data() Data {
	return s.data
}

// SetMember performs a bounded write to one field, then recomputes and
// persists the CRC. Writes to members outside [0, memberCount) are
// silently refused to preserve the integrity chain (spec.md 4.7).
func (s *Scratch) SetMember(m Member, value uint32) error {
	switch m {
	case MemberResetCount:
		s.data.ResetCount = value
	case MemberAppTag:
		s.data.AppTag = value
	case MemberBootloaderTag:
		s.data.BootloaderTag = value
	case MemberInstallTag:
		s.data.InstallTag = value
	case MemberResetArg:
		s.data.ResetArg = value
	default:
		return nil
	}
	return s.persist()
}
