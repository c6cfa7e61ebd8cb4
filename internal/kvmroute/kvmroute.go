// Package kvmroute manages the KVM irqfd-to-GSI routing table a passthrough
// PCI device's MSI-X vectors are wired through (spec §4.7): one eventfd per
// vector, routed to a dedicated GSI via KVM_SET_GSI_ROUTING, armed with
// KVM_IRQFD so the kernel delivers the interrupt without a vmexit back to
// this process.
//
// The teacher has no irqfd/MSI routing code at all (it drives vCPU exits
// directly rather than passing real devices through), so this package is
// grounded on its nearest analogue, internal/hv/kvm/kvm_gsi.go's
// KVM_SET_GSI_ROUTING buffer-marshaling idiom and
// internal/hv/kvm/kvm_bindings.go's ioctlWithRetry wrapper, generalized
// from the fixed in-kernel-IOAPIC table that file builds to the
// dynamically allocated MSI routing entries passthrough devices need.
package kvmroute

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmmcore/internal/verror"
)

const (
	kvmIrqfd          = 0x4020ae76
	kvmSetGsiRouting  = 0x4008ae6a
	kvmSignalMSI      = 0x4020aea5

	kvmIrqRoutingMSI = 2

	irqfdFlagDeassign = 1 << 0
)

type kvmIrqfd struct {
	FD    uint32
	GSI   uint32
	Flags uint32
	_     uint32
}

type kvmIrqRoutingMSIData struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Pad       uint32
}

type kvmIrqRoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	MSI   kvmIrqRoutingMSIData
	_     [8]byte
}

type kvmIrqRoutingHeader struct {
	NR    uint32
	Flags uint32
}

// MSIMessage is the (address, data) pair a PCI function's MSI-X table
// entry resolves to.
type MSIMessage struct {
	Address uint64
	Data    uint32
}

// Route is one live irqfd-backed GSI route for a single MSI-X vector.
type Route struct {
	GSI   uint32
	evtFD int
	msg   MSIMessage
}

// Table manages the VM's GSI allocation and irqfd routes. One Table per
// VM; spec §4.7 "at most one live route per vector" is enforced by Vector
// keying every Route by an opaque caller-chosen key (vector index) so a
// re-enable first tears down any existing route for that key.
type Table struct {
	mu     sync.Mutex
	vmFD   int
	nextGSI uint32
	routes map[uint64]*Route // key: caller-defined vector identity
}

// New constructs a Table bound to an open KVM vm fd. startGSI is the first
// GSI number this table may allocate (the in-kernel IOAPIC typically owns
// GSIs below 24; passthrough MSI routes should start above any static
// legacy routing the VM already configured).
func New(vmFD int, startGSI uint32) *Table {
	return &Table{vmFD: vmFD, nextGSI: startGSI, routes: make(map[uint64]*Route)}
}

// Enable allocates a fresh GSI, arms eventfd as its irqfd, and installs an
// MSI routing entry for msg. If key already has a route, it is torn down
// first (spec §4.7's "disable-then-re-enable" remap decision, see
// DESIGN.md).
func (t *Table) Enable(key uint64, eventFD int, msg MSIMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.routes[key]; ok {
		if err := t.disableLocked(existing); err != nil {
			return err
		}
		delete(t.routes, key)
	}

	gsi := t.nextGSI
	t.nextGSI++

	entry := kvmIrqRoutingEntry{
		GSI:  gsi,
		Type: kvmIrqRoutingMSI,
		MSI: kvmIrqRoutingMSIData{
			AddressLo: uint32(msg.Address),
			AddressHi: uint32(msg.Address >> 32),
			Data:      msg.Data,
		},
	}
	if err := t.appendRoutingEntryLocked(entry); err != nil {
		return verror.New(verror.Resource, "kvmroute.Enable", err)
	}

	fd := kvmIrqfd{FD: uint32(eventFD), GSI: gsi}
	if err := ioctlPtr(t.vmFD, kvmIrqfd, unsafe.Pointer(&fd)); err != nil {
		return verror.New(verror.Resource, "kvmroute.Enable", fmt.Errorf("KVM_IRQFD: %w", err))
	}

	t.routes[key] = &Route{GSI: gsi, evtFD: eventFD, msg: msg}
	return nil
}

// Disable tears down key's route, deassigning the irqfd. It is a no-op if
// key has no live route.
func (t *Table) Disable(key uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[key]
	if !ok {
		return nil
	}
	if err := t.disableLocked(r); err != nil {
		return err
	}
	delete(t.routes, key)
	return nil
}

func (t *Table) disableLocked(r *Route) error {
	fd := kvmIrqfd{FD: uint32(r.evtFD), GSI: r.GSI, Flags: irqfdFlagDeassign}
	if err := ioctlPtr(t.vmFD, kvmIrqfd, unsafe.Pointer(&fd)); err != nil {
		return verror.New(verror.Resource, "kvmroute.Disable", fmt.Errorf("KVM_IRQFD deassign: %w", err))
	}
	return nil
}

// appendRoutingEntryLocked re-sends the full routing table (KVM replaces
// the entire table on every KVM_SET_GSI_ROUTING call) with entry appended.
// Routes already active are re-described from t.routes, keeping each
// route's own MSI address/data, so the kernel's table stays consistent
// across Enable calls instead of zeroing every previously-enabled vector's
// message on each new allocation.
func (t *Table) appendRoutingEntryLocked(entry kvmIrqRoutingEntry) error {
	entries := make([]kvmIrqRoutingEntry, 0, len(t.routes)+1)
	for _, r := range t.routes {
		entries = append(entries, kvmIrqRoutingEntry{
			GSI:  r.GSI,
			Type: kvmIrqRoutingMSI,
			MSI: kvmIrqRoutingMSIData{
				AddressLo: uint32(r.msg.Address),
				AddressHi: uint32(r.msg.Address >> 32),
				Data:      r.msg.Data,
			},
		})
	}
	entries = append(entries, entry)
	return setGSIRouting(t.vmFD, entries)
}

func setGSIRouting(vmFD int, entries []kvmIrqRoutingEntry) error {
	headerSize := int(unsafe.Sizeof(kvmIrqRoutingHeader{}))
	entrySize := int(unsafe.Sizeof(kvmIrqRoutingEntry{}))
	size := headerSize + len(entries)*entrySize
	buf := make([]byte, size)

	header := (*kvmIrqRoutingHeader)(unsafe.Pointer(&buf[0]))
	header.NR = uint32(len(entries))

	for i, e := range entries {
		offset := headerSize + i*entrySize
		*(*kvmIrqRoutingEntry)(unsafe.Pointer(&buf[offset])) = e
	}

	if len(buf) == 0 {
		return nil
	}
	return ioctlPtr(vmFD, kvmSetGsiRouting, unsafe.Pointer(&buf[0]))
}

// SignalMSI delivers an MSI directly without an irqfd route, for devices
// that construct the (address, data) pair on the fly rather than
// maintaining a standing route (spec §4.7's fallback path when irqfd setup
// fails and the device must still get its interrupt through).
func SignalMSI(vmFD int, msg MSIMessage) error {
	type kvmMSI struct {
		Address uint64
		Data    uint32
		Flags   uint32
		Devid   uint32
		_       [12]byte
	}
	m := kvmMSI{Address: msg.Address, Data: msg.Data}
	return ioctlPtr(vmFD, kvmSignalMSI, unsafe.Pointer(&m))
}

// eventfd creates a nonblocking eventfd suitable for arming with Enable.
func eventfd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

func ioctlPtr(fd int, request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
