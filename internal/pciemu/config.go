// Package pciemu emulates a PCI function's configuration space: a
// byte-addressable register file with per-byte write-mask/write-clear-mask
// semantics, a capability list walk, and the BAR sizing protocol a guest
// OS uses to discover how much address space a BAR window needs (spec
// §4.6).
//
// Grounded on the teacher's internal/devices/pci/host.go (ConfigSpace /
// Endpoint interfaces, maskValue/pickConfigAccessSize byte-granular
// access) and internal/devices/virtio/pci.go's constant tables for the
// virtio-specific capability layout.
package pciemu

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vmmcore/internal/verror"
)

const (
	// ConfigSpaceSize is the legacy (non-extended) PCI config space size.
	ConfigSpaceSize = 256

	offsetVendorID      = 0x00
	offsetDeviceID      = 0x02
	offsetCommand       = 0x04
	offsetStatus        = 0x06
	offsetRevisionID    = 0x08
	offsetClassCode     = 0x09
	offsetHeaderType    = 0x0e
	offsetBAR0          = 0x10
	offsetCapPointer    = 0x34
	offsetInterruptLine = 0x3c
	offsetInterruptPin  = 0x3d

	barCount  = 6
	barStride = 4

	statusCapList = 1 << 4

	barTypeIOSpace   = 0x1
	barTypeMem64     = 0x4
	barTypePrefetch  = 0x8
	barTypeMemMask   = 0x6

	maxCapWalkIterations = 48
)

// BARKind distinguishes how a BAR's address space is interpreted.
type BARKind int

const (
	BARMem32 BARKind = iota
	BARMem64
	BARIO
)

// Capability describes one linked-list entry appended via AddCapability.
type Capability struct {
	ID     byte
	Offset byte
	Length byte
}

// ConfigSpace is a byte-addressable, 256-byte PCI configuration register
// file with write-mask gating: a write only changes the bits set in
// writeMask, and bits set in writeClearMask are cleared (not set) when the
// driver writes a 1 to them (RW1C, used by the PCI status register).
type ConfigSpace struct {
	mu sync.Mutex

	bytes          [ConfigSpaceSize]byte
	writeMask      [ConfigSpaceSize]byte
	writeClearMask [ConfigSpaceSize]byte

	bars    [barCount]barSlot
	nextCap byte // offset where the next AddCapability call links in

	onBARReprogram func(index int, kind BARKind, base uint64) error
}

type barSlot struct {
	present bool
	kind    BARKind
	size    uint64 // 0 if unused
	raw     [2]uint32
}

// New constructs an empty config space with vendor/device/class fields
// set and a type-0 header (single function, header type 0).
func New(vendorID, deviceID uint16, classCode [3]byte, revision byte) *ConfigSpace {
	c := &ConfigSpace{nextCap: offsetCapPointer + 1}
	c.putU16(offsetVendorID, vendorID)
	c.putU16(offsetDeviceID, deviceID)
	c.bytes[offsetRevisionID] = revision
	c.bytes[offsetClassCode] = classCode[0]
	c.bytes[offsetClassCode+1] = classCode[1]
	c.bytes[offsetClassCode+2] = classCode[2]
	c.bytes[offsetHeaderType] = 0x00

	// command/status: driver may toggle I/O space, mem space, bus master;
	// status bits other than capabilities-list are RW1C in real hardware,
	// modeled here only where a guest is expected to clear them.
	c.writeMask[offsetCommand] = 0x07
	c.writeMask[offsetCommand+1] = 0x00
	c.writeMask[offsetInterruptLine] = 0xff

	return c
}

// SetOnBARReprogram installs the callback invoked whenever the driver
// finishes programming a BAR with a non-sizing value (spec §4.6
// "update_bar_mapping").
func (c *ConfigSpace) SetOnBARReprogram(fn func(index int, kind BARKind, base uint64) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBARReprogram = fn
}

func (c *ConfigSpace) putU16(offset int, v uint16) {
	c.bytes[offset] = byte(v)
	c.bytes[offset+1] = byte(v >> 8)
}

func (c *ConfigSpace) putU32(offset int, v uint32) {
	c.bytes[offset] = byte(v)
	c.bytes[offset+1] = byte(v >> 8)
	c.bytes[offset+2] = byte(v >> 16)
	c.bytes[offset+3] = byte(v >> 24)
}

func (c *ConfigSpace) getU32(offset int) uint32 {
	return uint32(c.bytes[offset]) | uint32(c.bytes[offset+1])<<8 |
		uint32(c.bytes[offset+2])<<16 | uint32(c.bytes[offset+3])<<24
}

// ReadConfig reads size (1, 2, or 4) bytes at offset.
func (c *ConfigSpace) ReadConfig(offset uint16, size uint8) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if size == 0 || size > 4 || int(offset)+int(size) > ConfigSpaceSize {
		return 0xffffffff, verror.New(verror.GuestProtocol, "pciemu.ReadConfig",
			fmt.Errorf("out-of-range config read at %#x/%d", offset, size))
	}
	var v uint32
	for i := uint8(0); i < size; i++ {
		v |= uint32(c.bytes[int(offset)+int(i)]) << (8 * i)
	}
	return v, nil
}

// WriteConfig writes size bytes at offset, applying the write-mask and
// write-clear-mask gating and dispatching to BAR sizing/reprogramming
// logic when offset falls within the BAR window.
func (c *ConfigSpace) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size == 0 || size > 4 || int(offset)+int(size) > ConfigSpaceSize {
		return verror.New(verror.GuestProtocol, "pciemu.WriteConfig",
			fmt.Errorf("out-of-range config write at %#x/%d", offset, size))
	}

	if int(offset) >= offsetBAR0 && int(offset) < offsetBAR0+barCount*barStride && int(offset)%barStride == 0 && size == 4 {
		return c.writeBAR(int((offset-offsetBAR0)/barStride), value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := uint8(0); i < size; i++ {
		pos := int(offset) + int(i)
		b := byte(value >> (8 * i))
		mask := c.writeMask[pos]
		clearMask := c.writeClearMask[pos]
		cur := c.bytes[pos]
		next := (cur &^ mask) | (b & mask)
		next &^= b & clearMask // RW1C: writing 1 clears, never sets
		c.bytes[pos] = next
	}
	return nil
}

// AddCapability appends a capability with the given ID and payload length
// (not counting the 2-byte ID/next header) to the linked list rooted at
// offset 0x34, and sets the status register's capabilities-list bit.
// Returns the offset the capability was placed at.
func (c *ConfigSpace) AddCapability(id byte, length byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 2 + int(length)
	offset := c.nextCap
	if int(offset)+total > ConfigSpaceSize {
		return 0, verror.New(verror.Config, "pciemu.AddCapability",
			fmt.Errorf("capability list exhausts config space at offset %#x", offset))
	}

	first := c.bytes[offsetCapPointer] == 0
	if first {
		c.bytes[offsetCapPointer] = offset
		c.bytes[offsetStatus] |= statusCapList
	} else {
		// walk to the last capability and link this one after it
		cur := c.bytes[offsetCapPointer]
		for i := 0; i < maxCapWalkIterations; i++ {
			next := c.bytes[cur+1]
			if next == 0 {
				c.bytes[cur+1] = offset
				break
			}
			cur = next
		}
	}

	c.bytes[offset] = id
	c.bytes[offset+1] = 0
	c.nextCap = offset + byte(total)
	return offset, nil
}

// Capabilities walks the capability list, guarding against cycles with a
// fixed iteration cap (spec §4.6 edge case: malformed or cyclic list).
func (c *ConfigSpace) Capabilities() ([]Capability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var caps []Capability
	cur := c.bytes[offsetCapPointer]
	for i := 0; cur != 0; i++ {
		if i >= maxCapWalkIterations {
			return nil, verror.New(verror.GuestProtocol, "pciemu.Capabilities",
				fmt.Errorf("capability list did not terminate within %d entries", maxCapWalkIterations))
		}
		caps = append(caps, Capability{ID: c.bytes[cur], Offset: cur})
		cur = c.bytes[cur+1]
	}
	return caps, nil
}

// RawBytes exposes the underlying register file for capability-specific
// writers (MSI-X capability, virtio vendor capability) that need to place
// structured fields at a fixed offset obtained from AddCapability.
func (c *ConfigSpace) RawBytes() []byte { return c.bytes[:] }

// SetWriteMask marks which bits at offset the driver may change via
// WriteConfig; bits not set remain whatever this function or AddCapability
// last wrote.
func (c *ConfigSpace) SetWriteMask(offset int, mask byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeMask[offset] = mask
}

// SetWriteClearMask marks which bits at offset follow RW1C semantics.
func (c *ConfigSpace) SetWriteClearMask(offset int, mask byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeClearMask[offset] = mask
}
