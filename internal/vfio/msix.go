package vfio

import (
	"fmt"

	"github.com/tinyrange/vmmcore/internal/pciemu"
	"github.com/tinyrange/vmmcore/internal/verror"
)

const (
	msixCapID = 0x11

	msixCapControlOffset = 2
	msixCapTableOffset   = 4

	msixCtrlTableSizeMask = 0x07ff
	msixCtrlEnableBit     = 1 << 15

	msixTableBIRMask      = 0x7
	msixTableOffsetMask   = ^uint32(0x7)
	msixTableEntrySize    = 16
	msixMaxTableEntries   = msixCtrlTableSizeMask + 1
)

// MSIXInfo is the location of a device's MSI-X vector table, discovered by
// walking the capability list (spec §4.7 step 4, get_msix_info).
type MSIXInfo struct {
	TableBAR    int
	TableOffset uint64
	TableSize   uint64
	Entries     uint16
}

// ParseMSIXCapability locates the MSI-X capability in cfg's capability
// list and extracts the table BAR/offset/entry count. Entry counts outside
// [1, 2048] are rejected per spec.
func ParseMSIXCapability(cfg *pciemu.ConfigSpace) (MSIXInfo, error) {
	caps, err := cfg.Capabilities()
	if err != nil {
		return MSIXInfo{}, err
	}
	var capOffset byte
	found := false
	for _, c := range caps {
		if c.ID == msixCapID {
			capOffset = c.Offset
			found = true
			break
		}
	}
	if !found {
		return MSIXInfo{}, verror.New(verror.Config, "vfio.ParseMSIXCapability",
			fmt.Errorf("no MSI-X capability present"))
	}

	raw := cfg.RawBytes()
	ctrl := uint16(raw[int(capOffset)+msixCapControlOffset]) | uint16(raw[int(capOffset)+msixCapControlOffset+1])<<8
	entries := (ctrl & msixCtrlTableSizeMask) + 1
	if entries < 1 || entries > msixMaxTableEntries {
		return MSIXInfo{}, verror.New(verror.Config, "vfio.ParseMSIXCapability",
			fmt.Errorf("invalid MSI-X vector count %d", entries))
	}

	table := getU32(raw, int(capOffset)+msixCapTableOffset)
	return MSIXInfo{
		TableBAR:    int(table & msixTableBIRMask),
		TableOffset: uint64(table & msixTableOffsetMask),
		TableSize:   uint64(entries) * msixTableEntrySize,
		Entries:     entries,
	}, nil
}

func getU32(b []byte, offset int) uint32 {
	return uint32(b[offset]) | uint32(b[offset+1])<<8 | uint32(b[offset+2])<<16 | uint32(b[offset+3])<<24
}

// MmapRange describes one page-aligned sub-range of a BAR's host mmap that
// is safe for the guest to access directly.
type MmapRange struct {
	Offset uint64
	Size   uint64
}

// fixupMSIXRegion carves the MSI-X vector table out of a BAR's mmap range,
// splitting the single full-region mapping into up to two page-aligned
// sub-ranges that skip the table (spec §4.7 step 5, fixup_msix_region).
// Every access within the skipped range must trap so writes to the table
// can be intercepted instead of reaching guest memory directly.
func fixupMSIXRegion(tableOffset, tableSize, regionSize, pageSize uint64) []MmapRange {
	start := tableOffset &^ (pageSize - 1)
	end := (tableOffset + tableSize + pageSize - 1) &^ (pageSize - 1)

	switch {
	case start == 0:
		if end >= regionSize {
			return nil
		}
		return []MmapRange{{Offset: end, Size: regionSize - end}}
	case end >= regionSize:
		return []MmapRange{{Offset: 0, Size: start}}
	default:
		return []MmapRange{
			{Offset: 0, Size: start},
			{Offset: end, Size: regionSize - end},
		}
	}
}
