package vfio

import (
	"reflect"
	"testing"

	"github.com/tinyrange/vmmcore/internal/pciemu"
)

func TestFixupMSIXRegionCarvesTableFromMiddleOfBAR(t *testing.T) {
	got := fixupMSIXRegion(0x1000, 0x80, 0x4000, 0x1000)
	want := []MmapRange{{Offset: 0, Size: 0x1000}, {Offset: 0x2000, Size: 0x2000}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("fixupMSIXRegion = %+v, want %+v", got, want)
	}
}

func TestFixupMSIXRegionTableAtStartOfBAR(t *testing.T) {
	got := fixupMSIXRegion(0, 0x80, 0x4000, 0x1000)
	want := []MmapRange{{Offset: 0x1000, Size: 0x3000}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("fixupMSIXRegion = %+v, want %+v", got, want)
	}
}

func TestFixupMSIXRegionTableFillsEntireBAR(t *testing.T) {
	got := fixupMSIXRegion(0, 0x1000, 0x1000, 0x1000)
	if got != nil {
		t.Fatalf("fixupMSIXRegion = %+v, want nil (no safe mmap range)", got)
	}
}

func TestFixupMSIXRegionTableAtEndOfBAR(t *testing.T) {
	got := fixupMSIXRegion(0x3000, 0x80, 0x4000, 0x1000)
	want := []MmapRange{{Offset: 0, Size: 0x3000}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("fixupMSIXRegion = %+v, want %+v", got, want)
	}
}

func TestParseMSIXCapabilityExtractsTableLocation(t *testing.T) {
	cfg := pciemu.New(0x8086, 0x1234, [3]byte{}, 0)
	off, err := cfg.AddCapability(msixCapID, 10)
	if err != nil {
		t.Fatalf("AddCapability: %v", err)
	}
	raw := cfg.RawBytes()
	// message control: 8 entries - 1 = 7
	raw[int(off)+msixCapControlOffset] = 7
	raw[int(off)+msixCapControlOffset+1] = 0
	// table: BAR 2, offset 0x1000
	putTestU32(raw, int(off)+msixCapTableOffset, 0x1000|2)

	info, err := ParseMSIXCapability(cfg)
	if err != nil {
		t.Fatalf("ParseMSIXCapability: %v", err)
	}
	if info.TableBAR != 2 || info.TableOffset != 0x1000 || info.Entries != 8 || info.TableSize != 0x80 {
		t.Fatalf("MSIXInfo = %+v, want BAR 2 offset 0x1000 entries 8 size 0x80", info)
	}
}

func TestParseMSIXCapabilityRejectsMissingCapability(t *testing.T) {
	cfg := pciemu.New(0x8086, 0x1234, [3]byte{}, 0)
	if _, err := ParseMSIXCapability(cfg); err == nil {
		t.Fatalf("expected error when no MSI-X capability is present")
	}
}

func putTestU32(b []byte, offset int, v uint32) {
	b[offset] = byte(v)
	b[offset+1] = byte(v >> 8)
	b[offset+2] = byte(v >> 16)
	b[offset+3] = byte(v >> 24)
}
