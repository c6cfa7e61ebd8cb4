// Package vio defines the virtio device framework shared by every backend
// (net, balloon, blk): feature negotiation, config-space I/O, and the
// lifecycle state machine (spec §4.3). It is transport-agnostic — a PCI
// or MMIO transport drives a Device through this
// interface without caring which backend is underneath, mirroring the
// teacher's VirtioDevice interface in
// internal/devices/virtio/device.go, generalized into an explicit capability
// set plus lifecycle rather than the teacher's single always-Activated
// model (spec's REDESIGN notes ask for the trait-object polymorphism to be
// replaced by a capability set over a closed variant set).
package vio

import (
	"fmt"

	"github.com/tinyrange/vmmcore/internal/verror"
	"github.com/tinyrange/vmmcore/internal/virtqueue"
)

// InterruptKind distinguishes the two upcalls a device can make through
// InterruptFunc (spec §4.3).
type InterruptKind int

const (
	// InterruptVRing signals that a queue has new used entries.
	InterruptVRing InterruptKind = iota
	// InterruptConfig signals a device-config-space change.
	InterruptConfig
)

// InterruptFunc is the single upcall a device uses to raise interrupts;
// the transport (PCI/MMIO) decides whether that becomes an MSI-X message
// or a legacy INTx/IRQ line pulse.
type InterruptFunc func(kind InterruptKind, queue *virtqueue.Queue, configChanged bool)

// Backend is the capability set every virtio device backend implements.
// It intentionally excludes the PCI-function capability (BAR layout, MSI-X
// table) which belongs to the transport, not the device (spec REDESIGN:
// passthrough-PCI shares PCI-device capability without implementing this
// interface at all).
type Backend interface {
	// DeviceType is the virtio device type ID (1=net, 2=blk, 5=balloon, ...).
	DeviceType() uint32
	// QueueNum is the number of virtqueues this backend uses.
	QueueNum() int
	// QueueSize is the max size advertised for each of this backend's queues.
	QueueSize() uint16
	// DeviceFeatures returns the full feature bitset this backend supports.
	DeviceFeatures() uint64
	// ReadConfig reads len(buf) bytes from device config space at offset.
	ReadConfig(offset uint32, buf []byte)
	// WriteConfig writes buf into device config space at offset. Called
	// only when the device-specific config-write policy (ConfigWritable)
	// permits it for the device's current lifecycle state.
	WriteConfig(offset uint32, buf []byte)
	// ConfigWritable reports whether a config-space write at the given
	// offset is allowed while the device is Activated (spec §4.3: "must
	// reject writes while Activated unless the device-specific
	// config-write policy explicitly permits them"). Checked only when
	// the device is Activated; writes are always allowed before then.
	ConfigWritable(offset uint32, length int) bool
	// Activate starts processing on queues using the negotiated feature
	// set. raise is the InterruptFunc the backend calls to notify the
	// guest.
	Activate(features uint64, queues []*virtqueue.Queue, raise InterruptFunc) error
	// Deactivate stops processing and releases any host resources (tap
	// fds, timers) acquired by Activate. Must be safe to call only once
	// per Activate.
	Deactivate() error
}

// State is a node in the lifecycle state machine (spec §4.3).
type State int

const (
	Uninit State = iota
	Created
	Activated
	Deactivated
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "uninit"
	case Created:
		return "created"
	case Activated:
		return "activated"
	case Deactivated:
		return "deactivated"
	default:
		return "invalid"
	}
}

// Device wraps a Backend with the shared lifecycle state machine, feature
// negotiation, and the config-write gating policy, so every backend gets
// identical enforcement of spec §4.3's transition diagram:
//
//	Uninit --realize--> Created --activate--> Activated
//	Activated --deactivate--> Deactivated --activate--> Activated
//	Activated --unrealize--> Uninit (forbidden if not first deactivated)
type Device struct {
	backend Backend

	state State

	deviceFeatures uint64
	driverFeatures uint64

	queues []*virtqueue.Queue
	raise  InterruptFunc
}

// New wraps backend in a fresh Device, initially Uninit.
func New(backend Backend) *Device {
	return &Device{
		backend:        backend,
		state:          Uninit,
		deviceFeatures: backend.DeviceFeatures(),
	}
}

// State returns the device's current lifecycle state.
func (d *Device) State() State { return d.state }

// Backend exposes the wrapped backend for transport code that needs
// device-specific accessors beyond the Backend interface.
func (d *Device) Backend() Backend { return d.backend }

func (d *Device) transitionError(op string, allowed ...State) error {
	for _, s := range allowed {
		if d.state == s {
			return nil
		}
	}
	return verror.New(verror.Lifecycle, "vio."+op,
		fmt.Errorf("illegal transition from state %s", d.state))
}

// Realize moves Uninit -> Created. Backends may use this hook to open
// host resources that outlive individual Activate/Deactivate cycles
// (e.g. opening a host block file); this framework itself only checks the
// transition.
func (d *Device) Realize() error {
	if err := d.transitionError("Realize", Uninit); err != nil {
		return err
	}
	d.state = Created
	return nil
}

// Unrealize moves Created|Deactivated|Uninit -> Uninit, releasing Realize's
// resources. Forbidden from Activated without an intervening Deactivate
// (spec §4.3).
func (d *Device) Unrealize() error {
	if err := d.transitionError("Unrealize", Created, Deactivated, Uninit); err != nil {
		return err
	}
	d.state = Uninit
	return nil
}

// GetDeviceFeatures returns bits [page*32, page*32+32) of the device
// feature bitmap, matching virtio's two-page feature negotiation protocol.
func (d *Device) GetDeviceFeatures(page uint32) uint32 {
	if page == 0 {
		return uint32(d.deviceFeatures)
	}
	return uint32(d.deviceFeatures >> 32)
}

// SetDriverFeatures ORs value (for the given page) into the negotiated
// driver feature set, masked by DeviceFeatures so the driver can never
// enable a bit the device didn't advertise (spec §8 testable property:
// driver_features & ~device_features == 0).
func (d *Device) SetDriverFeatures(page uint32, value uint32) {
	var shifted uint64
	if page == 0 {
		shifted = uint64(value)
	} else {
		shifted = uint64(value) << 32
	}
	d.driverFeatures = (d.driverFeatures | shifted) & d.deviceFeatures
}

// DriverFeatures returns the negotiated (masked) feature set.
func (d *Device) DriverFeatures() uint64 { return d.driverFeatures }

// ReadConfig reads device config space; always allowed regardless of
// lifecycle state.
func (d *Device) ReadConfig(offset uint32, buf []byte) {
	d.backend.ReadConfig(offset, buf)
}

// WriteConfig writes device config space, enforcing spec §4.3's
// Activated-state gating via the backend's ConfigWritable policy.
func (d *Device) WriteConfig(offset uint32, buf []byte) error {
	if d.state == Activated && !d.backend.ConfigWritable(offset, len(buf)) {
		return verror.New(verror.Lifecycle, "vio.WriteConfig",
			fmt.Errorf("config write at offset %d rejected while device is activated", offset))
	}
	d.backend.WriteConfig(offset, buf)
	return nil
}

// Activate moves Created|Deactivated -> Activated, handing the backend
// its negotiated queues and interrupt upcall.
func (d *Device) Activate(queues []*virtqueue.Queue, raise InterruptFunc) error {
	if err := d.transitionError("Activate", Created, Deactivated); err != nil {
		return err
	}
	if err := d.backend.Activate(d.driverFeatures, queues, raise); err != nil {
		return fmt.Errorf("vio.Activate: %w", err)
	}
	d.queues = queues
	d.raise = raise
	d.state = Activated
	return nil
}

// Deactivate moves Activated -> Deactivated, releasing the backend's
// per-activation resources. Queues are disabled so stale handlers cannot
// observe rings after this returns.
func (d *Device) Deactivate() error {
	if err := d.transitionError("Deactivate", Activated); err != nil {
		return err
	}
	if err := d.backend.Deactivate(); err != nil {
		return fmt.Errorf("vio.Deactivate: %w", err)
	}
	for _, q := range d.queues {
		q.Disable()
	}
	d.state = Deactivated
	return nil
}

// ReportVirtioError implements spec §7's "report_virtio_error": marks the
// named queue broken and raises a config-change interrupt so the driver
// observes DEVICE_NEEDS_RESET on its next status read. Transports are
// responsible for actually setting the status register bit; this just
// stops the dispatcher from polling the queue further and notifies the
// guest something changed.
func (d *Device) ReportVirtioError(q *virtqueue.Queue) {
	q.MarkBroken()
	if d.raise != nil {
		d.raise(InterruptConfig, nil, true)
	}
}
