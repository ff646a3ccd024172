package fragment_test

import (
	"testing"

	"github.com/mp-commits/reliable-fw-update/internal/flashmem"
	"github.com/mp-commits/reliable-fw-update/internal/fragment"
	"github.com/mp-commits/reliable-fw-update/internal/onflash"
)

const (
	slotBase       = 0x90000000
	slotSectorSize = 2048
	slotSize       = 32 * slotSectorSize
)

func acceptAll(*onflash.Fragment) bool { return true }
func acceptAllMeta(*onflash.Metadata) bool { return true }

func newTestArea(validateFragment fragment.ValidateFragmentFunc, validateMetadata fragment.ValidateMetadataFunc) *fragment.Area {
	driver := flashmem.NewSimDriver(slotBase, slotSize, 0xFF)
	region := flashmem.NewRegion(slotBase, slotSectorSize, slotSize, driver)
	return fragment.Init(region, validateFragment, validateMetadata)
}

func sampleMetadata() onflash.Metadata {
	var m onflash.Metadata
	copy(m.Magic[:], onflash.MetadataMagic[:])
	m.FirmwareID = 1
	return m
}

func sampleFragment(number uint32) onflash.Fragment {
	var f onflash.Fragment
	f.FirmwareID = 1
	f.Number = number
	f.StartAddress = number * 16
	f.Size = 16
	copy(f.Content[:], []byte("0123456789abcdef"))
	return f
}

func TestReadMetadataEmptyOnFreshArea(t *testing.T) {
	a := newTestArea(acceptAll, acceptAllMeta)
	var out onflash.Metadata
	res, err := a.ReadMetadata(&out)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if res != fragment.ResultEmpty {
		t.Fatalf("result = %v, want ResultEmpty", res)
	}
}

func TestWriteReadMetadataRoundTrip(t *testing.T) {
	a := newTestArea(acceptAll, acceptAllMeta)
	meta := sampleMetadata()

	res, err := a.WriteMetadata(&meta)
	if err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	if res != fragment.ResultOK {
		t.Fatalf("WriteMetadata result = %v, want ResultOK", res)
	}

	var out onflash.Metadata
	res, err = a.ReadMetadata(&out)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if res != fragment.ResultOK || out.FirmwareID != 1 {
		t.Fatalf("unexpected read: res=%v meta=%+v", res, out)
	}
}

func TestWriteMetadataRejectedByValidationHook(t *testing.T) {
	a := newTestArea(acceptAll, func(*onflash.Metadata) bool { return false })
	meta := sampleMetadata()

	res, err := a.WriteMetadata(&meta)
	if err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	if res != fragment.ResultParam {
		t.Fatalf("result = %v, want ResultParam", res)
	}
}

func TestWriteReadFragmentRoundTrip(t *testing.T) {
	a := newTestArea(acceptAll, acceptAllMeta)
	f := sampleFragment(0)

	res, err := a.WriteFragment(0, &f)
	if err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if res != fragment.ResultOK {
		t.Fatalf("WriteFragment result = %v, want ResultOK", res)
	}

	var out onflash.Fragment
	res, err = a.ReadFragment(0, &out)
	if err != nil {
		t.Fatalf("ReadFragment: %v", err)
	}
	if res != fragment.ResultOK || out.Number != 0 {
		t.Fatalf("unexpected read: res=%v frag=%+v", res, out)
	}
}

func TestReadFragmentInvalidatedByValidationHook(t *testing.T) {
	a := newTestArea(func(*onflash.Fragment) bool { return false }, acceptAllMeta)
	f := sampleFragment(0)

	if _, err := a.WriteFragment(0, &f); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}

	var out onflash.Fragment
	res, err := a.ReadFragment(0, &out)
	if err != nil {
		t.Fatalf("ReadFragment: %v", err)
	}
	if res != fragment.ResultInvalid {
		t.Fatalf("result = %v, want ResultInvalid", res)
	}
}

func TestReadFragmentForceBypassesValidation(t *testing.T) {
	a := newTestArea(func(*onflash.Fragment) bool { return false }, acceptAllMeta)
	f := sampleFragment(0)

	if _, err := a.WriteFragment(0, &f); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}

	var out onflash.Fragment
	res, err := a.ReadFragmentForce(0, &out)
	if err != nil {
		t.Fatalf("ReadFragmentForce: %v", err)
	}
	if res != fragment.ResultOK || out.Number != 0 {
		t.Fatalf("unexpected read: res=%v frag=%+v", res, out)
	}
}

func TestFindLastFragmentPicksHighestValidIndex(t *testing.T) {
	a := newTestArea(acceptAll, acceptAllMeta)

	for _, n := range []uint32{0, 1, 2} {
		f := sampleFragment(n)
		if _, err := a.WriteFragment(n, &f); err != nil {
			t.Fatalf("WriteFragment(%d): %v", n, err)
		}
	}

	var out onflash.Fragment
	idx, ok, err := a.FindLastFragment(&out)
	if err != nil {
		t.Fatalf("FindLastFragment: %v", err)
	}
	if !ok || idx != 2 {
		t.Fatalf("idx=%d ok=%v, want idx=2 ok=true", idx, ok)
	}
}

func TestFindLastFragmentEmptyArea(t *testing.T) {
	a := newTestArea(acceptAll, acceptAllMeta)
	var out onflash.Fragment
	_, ok, err := a.FindLastFragment(&out)
	if err != nil {
		t.Fatalf("FindLastFragment: %v", err)
	}
	if ok {
		t.Fatal("expected no valid fragment on a fresh area")
	}
}

func TestWriteFragmentRejectsOutOfRangeIndex(t *testing.T) {
	a := newTestArea(acceptAll, acceptAllMeta)
	f := sampleFragment(0)

	res, err := a.WriteFragment(uint32(a.MaxFragments()), &f)
	if err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if res != fragment.ResultParam {
		t.Fatalf("result = %v, want ResultParam", res)
	}
}

func TestEraseAreaClearsMetadataAndFragments(t *testing.T) {
	a := newTestArea(acceptAll, acceptAllMeta)
	meta := sampleMetadata()
	f := sampleFragment(0)

	if _, err := a.WriteMetadata(&meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	if _, err := a.WriteFragment(0, &f); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}

	if err := a.EraseArea(); err != nil {
		t.Fatalf("EraseArea: %v", err)
	}

	var outMeta onflash.Metadata
	res, err := a.ReadMetadata(&outMeta)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if res != fragment.ResultEmpty {
		t.Fatalf("metadata result after erase = %v, want ResultEmpty", res)
	}
}
