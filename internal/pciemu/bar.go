package pciemu

import (
	"fmt"

	"github.com/tinyrange/vmmcore/internal/verror"
)

// ConfigureBAR declares BAR index as a memory BAR of the given size and
// kind; size must be a power of two. For BARMem64, index+1 is reserved as
// the upper 32 bits and must not be separately configured.
func (c *ConfigSpace) ConfigureBAR(index int, kind BARKind, size uint64) error {
	if index < 0 || index >= barCount {
		return verror.New(verror.Config, "pciemu.ConfigureBAR", fmt.Errorf("BAR index %d out of range", index))
	}
	if size == 0 || size&(size-1) != 0 {
		return verror.New(verror.Config, "pciemu.ConfigureBAR", fmt.Errorf("BAR size %#x must be a nonzero power of two", size))
	}
	if kind == BARMem64 && index == barCount-1 {
		return verror.New(verror.Config, "pciemu.ConfigureBAR", fmt.Errorf("64-bit BAR cannot occupy the last slot"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars[index] = barSlot{present: true, kind: kind, size: size}
	var typeBits uint32
	switch kind {
	case BARMem64:
		typeBits = barTypeMem64
		c.bars[index+1] = barSlot{present: true, kind: BARMem64}
	case BARIO:
		typeBits = barTypeIOSpace
	}
	c.putU32(offsetBAR0+index*barStride, typeBits)
	return nil
}

// writeBAR implements the BAR sizing protocol: a write of all-ones to a
// BAR offset is a size probe (the driver reads back the complement of
// (size-1) with the type bits preserved); any other value sets the BAR's
// base address and triggers OnBARReprogram.
func (c *ConfigSpace) writeBAR(index int, value uint32) error {
	c.mu.Lock()
	slot := c.bars[index]
	if !slot.present {
		c.mu.Unlock()
		return nil
	}

	// The upper half of a 64-bit BAR pair behaves symmetrically but has no
	// type bits of its own.
	isHighHalf := index > 0 && c.bars[index-1].present && c.bars[index-1].kind == BARMem64

	if value == 0xffffffff {
		var resp uint32
		if isHighHalf {
			fullSize := c.bars[index-1].size
			resp = uint32(^(fullSize - 1) >> 32)
		} else {
			mask := ^(uint32(slot.size) - 1)
			var typeBits uint32
			switch slot.kind {
			case BARMem64:
				typeBits = barTypeMem64
			case BARIO:
				typeBits = barTypeIOSpace
			}
			resp = mask&^barTypeMemMask | typeBits
			if slot.kind == BARIO {
				resp = mask&^uint32(0x3) | barTypeIOSpace
			}
		}
		c.putU32(offsetBAR0+index*barStride, resp)
		c.mu.Unlock()
		return nil
	}

	if isHighHalf {
		c.bars[index].raw[1] = value
		c.putU32(offsetBAR0+index*barStride, value)
		c.mu.Unlock()
		return c.notifyReprogram(index - 1)
	}

	var typeBits uint32
	switch slot.kind {
	case BARMem64:
		typeBits = barTypeMem64
	case BARIO:
		typeBits = barTypeIOSpace
	}
	c.bars[index].raw[0] = (value &^ barTypeMemMask) | typeBits
	c.putU32(offsetBAR0+index*barStride, c.bars[index].raw[0])
	c.mu.Unlock()

	if slot.kind != BARMem64 {
		return c.notifyReprogram(index)
	}
	return nil
}

func (c *ConfigSpace) notifyReprogram(index int) error {
	c.mu.Lock()
	slot := c.bars[index]
	fn := c.onBARReprogram
	var base uint64
	base = uint64(slot.raw[0] &^ barTypeMemMask)
	if slot.kind == BARMem64 && index+1 < barCount {
		base |= uint64(c.bars[index+1].raw[1]) << 32
	}
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(index, slot.kind, base)
}

// BARBase returns the currently programmed base address for index,
// combining the high half for a 64-bit BAR.
func (c *ConfigSpace) BARBase(index int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot := c.bars[index]
	if !slot.present {
		return 0, verror.New(verror.Config, "pciemu.BARBase", fmt.Errorf("BAR %d not configured", index))
	}
	base := uint64(slot.raw[0] &^ barTypeMemMask)
	if slot.kind == BARMem64 && index+1 < barCount {
		base |= uint64(c.bars[index+1].raw[1]) << 32
	}
	return base, nil
}
