// Package virtqueue implements the virtio 1.0 split-ring descriptor
// protocol: parsing descriptor chains out of guest memory, publishing
// completions to the used ring, and the event-index notification-gating
// arithmetic. It has no knowledge of any particular device type.
package virtqueue

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/vmmcore/internal/verror"
)

const (
	descFNext     = uint16(1 << 0)
	descFWrite    = uint16(1 << 1)
	descFIndirect = uint16(1 << 2)

	availFNoInterrupt = uint16(1 << 0)
	usedFNoNotify     = uint16(1 << 0)

	descSize = 16

	// MaxQueueSize is the largest legal power-of-two queue size (spec §3).
	MaxQueueSize = 32768
	// PopAvail caps descriptor chain walks at the queue size to
	// guarantee termination against a guest that builds a cyclic chain.
)

// FeatureEventIdx is the VIRTIO_RING_F_EVENT_IDX bit. Devices pass whether
// this was negotiated into PopAvail/AddUsed/ShouldNotify.
const FeatureEventIdx = uint64(1) << 29

// GuestMemory is the address-space abstraction the virtqueue engine reads
// and writes guest-physical addresses through. The real implementation
// (outside this package's scope, per spec §1) validates addr+len against
// mapped regions; Translate must return an error for any range that is not
// entirely mapped.
type GuestMemory interface {
	// Translate returns a direct read/write slice over [addr, addr+len)
	// of guest physical memory, or an error if any part of the range is
	// unmapped.
	Translate(addr uint64, length uint32) ([]byte, error)
}

// Payload is one (guest-address, length) buffer within a descriptor chain,
// tagged with the direction implied by the descriptor's WRITE flag.
type Payload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// Element is a fully parsed avail-ring entry.
type Element struct {
	Head      uint16
	OutIovec  []Payload // guest -> device (device reads these)
	InIovec   []Payload // device -> guest (device writes these)
	TotalLen  uint32
}

// Queue is one split-ring virtqueue.
type Queue struct {
	Index int

	descTableAddr uint64
	availAddr     uint64
	usedAddr      uint64

	size    uint16
	enabled bool
	broken  bool

	lastAvailIdx uint16 // driver-side cursor into avail ring
	usedIdx      uint16 // device-side cursor into used ring; monotonic mod 2^16
	prevUsedIdx  uint16 // usedIdx snapshot taken before the most recent batch, for ShouldNotify

	mem GuestMemory
}

// New creates a queue bound to the given guest-memory translator. Size must
// be configured with Configure before use.
func New(index int, mem GuestMemory) *Queue {
	return &Queue{Index: index, mem: mem}
}

// Configure sets the ring addresses and size negotiated over config space
// (virtio-pci common config / virtio-mmio queue registers).
func (q *Queue) Configure(descTableAddr, availAddr, usedAddr uint64, size uint16) error {
	if size == 0 || size > MaxQueueSize || size&(size-1) != 0 {
		return verror.New(verror.Config, "virtqueue.Configure",
			fmt.Errorf("queue size %d must be a power of two in (0,%d]", size, MaxQueueSize))
	}
	q.descTableAddr = descTableAddr
	q.availAddr = availAddr
	q.usedAddr = usedAddr
	q.size = size
	q.broken = false
	return nil
}

// Enable marks the queue ready for traffic; Disable stops traffic (used on
// deactivate) and leaves the ring cursors as they are; Reset clears them.
func (q *Queue) Enable()  { q.enabled = true }
func (q *Queue) Disable() { q.enabled = false }

// Size returns the negotiated queue size, 0 if unconfigured.
func (q *Queue) Size() uint16 { return q.size }

// Enabled reports whether the queue is currently accepting traffic.
func (q *Queue) Enabled() bool { return q.enabled && !q.broken }

// Broken reports whether the queue was marked broken by a prior protocol
// violation (spec §4.2 "device reports a virtio error").
func (q *Queue) Broken() bool { return q.broken }

// avail ring layout: flags(u16) idx(u16) ring[size](u16) [used_event(u16)]
// used ring layout:  flags(u16) idx(u16) ring[size]{id(u32) len(u32)} [avail_event(u16)]

func (q *Queue) availFlags() (uint16, error) {
	b, err := q.mem.Translate(q.availAddr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// acquireIdx performs an acquire-ordered load of the avail idx field,
// matching the virtio spec's requirement that reads of avail.idx
// happen-after the driver's corresponding writes of ring entries. The
// flags and idx fields share one naturally-aligned 32-bit word, which we
// load atomically rather than as two independent byte reads.
func (q *Queue) acquireIdx() (uint16, error) {
	b, err := q.mem.Translate(q.availAddr, 4)
	if err != nil {
		return 0, err
	}
	word := atomic.LoadUint32(word32(b))
	return uint16(word >> 16), nil
}

func (q *Queue) availRingEntry(ring uint16) (uint16, error) {
	off := q.availAddr + 4 + uint64(ring)*2
	b, err := q.mem.Translate(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (q *Queue) usedEventAddr() uint64 {
	return q.availAddr + 4 + uint64(q.size)*2
}

func (q *Queue) availEventAddr() uint64 {
	return q.usedAddr + 4 + uint64(q.size)*8
}

func (q *Queue) readDescriptor(idx uint16) (addr uint64, length uint32, flags, next uint16, err error) {
	off := q.descTableAddr + uint64(idx)*descSize
	b, err := q.mem.Translate(off, descSize)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	addr = binary.LittleEndian.Uint64(b[0:8])
	length = binary.LittleEndian.Uint32(b[8:12])
	flags = binary.LittleEndian.Uint16(b[12:14])
	next = binary.LittleEndian.Uint16(b[14:16])
	return
}

// ErrEmpty is returned by PopAvail when the driver has no new descriptors.
var ErrEmpty = fmt.Errorf("virtqueue: avail ring empty")

// PopAvail walks the next unread avail-ring entry into a fully parsed
// Element. It validates the chain length against the queue size and
// rejects cycles (spec §4.2 "max chain length = queue size"). On any
// structural failure the queue is marked broken and a GuestProtocol error
// is returned; the caller (device) must translate that into
// DEVICE_NEEDS_RESET and stop polling the queue.
func (q *Queue) PopAvail() (Element, error) {
	if !q.Enabled() {
		return Element{}, ErrEmpty
	}

	idx, err := q.acquireIdx()
	if err != nil {
		q.broken = true
		return Element{}, verror.New(verror.GuestProtocol, "virtqueue.PopAvail", err)
	}
	if idx == q.lastAvailIdx {
		return Element{}, ErrEmpty
	}

	ring := q.lastAvailIdx % q.size
	head, err := q.availRingEntry(ring)
	if err != nil {
		q.broken = true
		return Element{}, verror.New(verror.GuestProtocol, "virtqueue.PopAvail", err)
	}

	el := Element{Head: head}
	seen := make(map[uint16]bool, q.size)
	var total uint64
	cur := head
	for steps := uint16(0); ; steps++ {
		if steps > q.size {
			q.broken = true
			return Element{}, verror.New(verror.GuestProtocol, "virtqueue.PopAvail",
				fmt.Errorf("descriptor chain longer than queue size %d (cycle?)", q.size))
		}
		if cur >= q.size {
			q.broken = true
			return Element{}, verror.New(verror.GuestProtocol, "virtqueue.PopAvail",
				fmt.Errorf("descriptor index %d out of bounds (size %d)", cur, q.size))
		}
		if seen[cur] {
			q.broken = true
			return Element{}, verror.New(verror.GuestProtocol, "virtqueue.PopAvail",
				fmt.Errorf("descriptor chain contains a cycle at index %d", cur))
		}
		seen[cur] = true

		if flagsIndirect(cur, q) {
			// Indirect descriptors are out of scope for this core;
			// reject explicitly rather than silently mis-parsing.
			q.broken = true
			return Element{}, verror.New(verror.GuestProtocol, "virtqueue.PopAvail",
				fmt.Errorf("indirect descriptors unsupported"))
		}

		addr, length, flags, next, err := q.readDescriptor(cur)
		if err != nil {
			q.broken = true
			return Element{}, verror.New(verror.GuestProtocol, "virtqueue.PopAvail", err)
		}
		// Bounds-check the buffer itself by attempting translation now,
		// so a bad guest address fails here rather than when the device
		// later dereferences it.
		if length > 0 {
			if _, err := q.mem.Translate(addr, length); err != nil {
				q.broken = true
				return Element{}, verror.New(verror.GuestProtocol, "virtqueue.PopAvail", err)
			}
		}

		total += uint64(length)
		if total > 0xFFFFFFFF {
			q.broken = true
			return Element{}, verror.New(verror.GuestProtocol, "virtqueue.PopAvail",
				fmt.Errorf("descriptor chain total length overflows 32 bits"))
		}

		payload := Payload{Addr: addr, Length: length, IsWrite: flags&descFWrite != 0}
		if payload.IsWrite {
			el.InIovec = append(el.InIovec, payload)
		} else {
			el.OutIovec = append(el.OutIovec, payload)
		}

		if flags&descFNext == 0 {
			break
		}
		cur = next
	}
	el.TotalLen = uint32(total)

	q.lastAvailIdx++
	return el, nil
}

// flagsIndirect is split out so PopAvail's loop stays linear; real
// indirect-descriptor support would resolve cur into a side table here.
func flagsIndirect(idx uint16, q *Queue) bool {
	_, _, flags, _, err := q.readDescriptor(idx)
	if err != nil {
		return false
	}
	return flags&descFIndirect != 0
}

// PushBack rewinds the avail cursor by one, used when a device pops a
// descriptor it cannot complete yet (spec §4.2, e.g. tap EWOULDBLOCK on
// rx). It is only valid to call immediately after a PopAvail on the same
// queue with no intervening AddUsed for that element.
func (q *Queue) PushBack() {
	q.lastAvailIdx--
}

// AddUsed appends a completion to the used ring at the current usedIdx,
// then publishes the advanced usedIdx with a release fence so the driver
// never observes an incremented idx before the corresponding ring entry is
// visible.
func (q *Queue) AddUsed(head uint16, length uint32) error {
	ring := q.usedIdx % q.size
	off := q.usedAddr + 4 + uint64(ring)*8
	b, err := q.mem.Translate(off, 8)
	if err != nil {
		return verror.New(verror.HostIO, "virtqueue.AddUsed", err)
	}
	binary.LittleEndian.PutUint32(b[0:4], uint32(head))
	binary.LittleEndian.PutUint32(b[4:8], length)

	q.prevUsedIdx = q.usedIdx
	q.usedIdx++

	// Release fence: publish the idx bump only after the ring entry
	// write above is ordered before it. flags and idx share one
	// naturally-aligned 32-bit word; preserve the existing flags bits.
	fullBuf, err := q.mem.Translate(q.usedAddr, 4)
	if err != nil {
		return verror.New(verror.HostIO, "virtqueue.AddUsed", err)
	}
	flags := uint32(binary.LittleEndian.Uint16(fullBuf[0:2]))
	atomic.StoreUint32(word32(fullBuf), flags|(uint32(q.usedIdx)<<16))
	return nil
}

// word32 reinterprets the first 4 bytes of b as a *uint32 for atomic
// access. Callers guarantee b is backed by at least 4 bytes.
func word32(b []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[0]))
}

// AvailRingLen returns avail_idx - last_avail_idx (mod 2^16), the number of
// descriptors the driver has posted that the device has not yet popped.
// Devices use this to detect ring-full conditions (spec §4.2).
func (q *Queue) AvailRingLen() (uint16, error) {
	idx, err := q.acquireIdx()
	if err != nil {
		return 0, err
	}
	return idx - q.lastAvailIdx, nil
}

// ShouldNotify reports whether the device must raise an interrupt for the
// completions published since the previous call, per spec §4.2: with
// event-index disabled, notify unless the driver set NO_INTERRUPT; with
// event-index enabled, notify iff used_event falls in
// [prevUsedIdx, usedIdx) under modular arithmetic.
func (q *Queue) ShouldNotify(negotiatedFeatures uint64) (bool, error) {
	if negotiatedFeatures&FeatureEventIdx == 0 {
		flags, err := q.availFlags()
		if err != nil {
			return false, err
		}
		return flags&availFNoInterrupt == 0, nil
	}

	b, err := q.mem.Translate(q.usedEventAddr(), 2)
	if err != nil {
		return false, err
	}
	usedEvent := binary.LittleEndian.Uint16(b)
	return inModularRange(usedEvent, q.prevUsedIdx, q.usedIdx), nil
}

// inModularRange reports whether v (used_event) lies in [lo, hi) under
// mod-2^16 arithmetic, mirroring the virtio spec's vring_need_event:
// (hi - v - 1) < (hi - lo).
func inModularRange(v, lo, hi uint16) bool {
	span := hi - lo
	if span == 0 {
		return false
	}
	return hi-v-1 < span
}

// WriteAvailEvent publishes avail_event = avail_idx so the driver can
// likewise throttle its own kicks when event-index is negotiated.
func (q *Queue) WriteAvailEvent(availIdx uint16) error {
	b, err := q.mem.Translate(q.availEventAddr(), 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, availIdx)
	return nil
}

// MarkBroken forces the queue into the broken state, used when a device
// detects a non-structural protocol violation (e.g. a bad feature ack)
// that nonetheless must stop the queue from being polled further.
func (q *Queue) MarkBroken() { q.broken = true }

// Reset clears all cursors and disables the queue.
func (q *Queue) Reset() {
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.prevUsedIdx = 0
	q.enabled = false
	q.broken = false
}

// State captures everything persisted for migration (spec §6); opaque to
// this core beyond round-tripping it through Configure/Enable.
type State struct {
	LastAvailIdx uint16
	UsedIdx      uint16
	DescTableGPA uint64
	AvailGPA     uint64
	UsedGPA      uint64
	Size         uint16
	Enabled      bool
}

// Snapshot returns the persisted state of the queue.
func (q *Queue) Snapshot() State {
	return State{
		LastAvailIdx: q.lastAvailIdx,
		UsedIdx:      q.usedIdx,
		DescTableGPA: q.descTableAddr,
		AvailGPA:     q.availAddr,
		UsedGPA:      q.usedAddr,
		Size:         q.size,
		Enabled:      q.enabled,
	}
}

// Restore reinstates a previously snapshotted state (migration inbound).
func (q *Queue) Restore(s State) {
	q.lastAvailIdx = s.LastAvailIdx
	q.usedIdx = s.UsedIdx
	q.prevUsedIdx = s.UsedIdx
	q.descTableAddr = s.DescTableGPA
	q.availAddr = s.AvailGPA
	q.usedAddr = s.UsedGPA
	q.size = s.Size
	q.enabled = s.Enabled
}
