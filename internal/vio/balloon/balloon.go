// Package balloon implements the virtio-balloon backend: inflate/deflate
// over a dedicated pair of virtqueues, free-page-reporting over a third
// queue, and the auto-balloon policy gate (spec §4.5).
//
// Bounds for membuf_percent and monitor_interval, and the "one balloon per
// VM" rule, are carried over from
// original_source/machine_manager/src/config/balloon.rs since spec.md
// specifies them only as "contract only" and leaves the exact numbers to
// the original implementation.
package balloon

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmmcore/internal/verror"
	"github.com/tinyrange/vmmcore/internal/vio"
	"github.com/tinyrange/vmmcore/internal/virtqueue"
)

const (
	MembufPercentMin     = 20
	MembufPercentMax     = 80
	MembufPercentDefault = 50

	MonitorIntervalMinSeconds     = 5
	MonitorIntervalMaxSeconds     = 300
	MonitorIntervalDefaultSeconds = 10

	pageSize = 4096

	deviceID = 5 // virtio device type 5 = memory balloon

	featureDeflateOnOOM      = uint64(1) << 2
	featureFreePageReporting = uint64(1) << 3 // VIRTIO_BALLOON_F_FREE_PAGE_HINT analogue
	featureAutoBalloon       = uint64(1) << 13
)

// Config is the validated device-config record the external config parser
// produces for a "virtio-balloon-device" (spec §6).
type Config struct {
	ID                string
	DeflateOnOOM      bool
	FreePageReporting bool
	AutoBalloon       bool
	MembufPercent     uint32
	MonitorInterval   uint32
}

// DefaultConfig returns a Config with spec-mandated defaults, as produced
// by parsing "virtio-balloon-device,id=..." with no further options.
func DefaultConfig(id string) Config {
	return Config{
		ID:              id,
		MembufPercent:   MembufPercentDefault,
		MonitorInterval: MonitorIntervalDefaultSeconds,
	}
}

// Validate checks the config per original_source's ConfigCheck::check:
// the membuf/monitor bounds are only enforced when AutoBalloon is set.
func (c Config) Validate() error {
	if !c.AutoBalloon {
		return nil
	}
	if c.MembufPercent < MembufPercentMin || c.MembufPercent > MembufPercentMax {
		return verror.New(verror.Config, "balloon.Validate",
			fmt.Errorf("membuf-percent %d out of range [%d,%d]", c.MembufPercent, MembufPercentMin, MembufPercentMax))
	}
	if c.MonitorInterval < MonitorIntervalMinSeconds || c.MonitorInterval > MonitorIntervalMaxSeconds {
		return verror.New(verror.Config, "balloon.Validate",
			fmt.Errorf("monitor-interval %d out of range [%d,%d]", c.MonitorInterval, MonitorIntervalMinSeconds, MonitorIntervalMaxSeconds))
	}
	return nil
}

const (
	queueInflate = 0
	queueDeflate = 1
	queueReport  = 2
)

// GuestRAM is the madvise-capable guest RAM region the balloon translates
// page-frame numbers against (spec §4.5 "the generic address-space /
// memory-region tree", an external collaborator here reduced to the one
// operation this backend needs).
type GuestRAM interface {
	// MadviseDontNeed hints that pages at the given guest-physical range
	// are no longer needed (inflate) and may be reclaimed by the host.
	MadviseDontNeed(gpa uint64, length uint64) error
	// MadviseWillNeed hints that pages at the given guest-physical range
	// will be used again (deflate) and should be paged back in.
	MadviseWillNeed(gpa uint64, length uint64) error
}

// Backend implements vio.Backend for virtio-balloon.
type Backend struct {
	cfg Config
	ram GuestRAM
	log *slog.Logger

	config32 [2]uint32 // num_pages, actual (virtio_balloon_config, first two fields)

	queues []*virtqueue.Queue
	raise  vio.InterruptFunc
}

// New constructs a balloon backend. ram may be nil in tests that never
// call Activate's PFN handlers with live queues.
func New(cfg Config, ram GuestRAM, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{cfg: cfg, ram: ram, log: log}
}

func (b *Backend) DeviceType() uint32 { return deviceID }

func (b *Backend) QueueNum() int {
	if b.cfg.FreePageReporting {
		return 3
	}
	return 2
}

func (b *Backend) QueueSize() uint16 { return 256 }

func (b *Backend) DeviceFeatures() uint64 {
	var f uint64
	if b.cfg.DeflateOnOOM {
		f |= featureDeflateOnOOM
	}
	if b.cfg.FreePageReporting {
		f |= featureFreePageReporting
	}
	if b.cfg.AutoBalloon {
		f |= featureAutoBalloon
	}
	return f
}

func (b *Backend) ReadConfig(offset uint32, buf []byte) {
	var raw [8]byte
	raw[0] = byte(b.config32[0])
	raw[1] = byte(b.config32[0] >> 8)
	raw[2] = byte(b.config32[0] >> 16)
	raw[3] = byte(b.config32[0] >> 24)
	raw[4] = byte(b.config32[1])
	raw[5] = byte(b.config32[1] >> 8)
	raw[6] = byte(b.config32[1] >> 16)
	raw[7] = byte(b.config32[1] >> 24)
	for i := range buf {
		pos := int(offset) + i
		if pos < len(raw) {
			buf[i] = raw[pos]
		} else {
			buf[i] = 0
		}
	}
}

// WriteConfig accepts writes to num_pages (offset 0), the only
// driver-writable balloon config field; actual (offset 4) is device-owned.
func (b *Backend) WriteConfig(offset uint32, buf []byte) {
	if offset != 0 || len(buf) != 4 {
		return
	}
	b.config32[0] = uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func (b *Backend) ConfigWritable(offset uint32, length int) bool {
	return offset == 0 && length == 4
}

func (b *Backend) Activate(features uint64, queues []*virtqueue.Queue, raise vio.InterruptFunc) error {
	b.queues = queues
	b.raise = raise
	return nil
}

func (b *Backend) Deactivate() error {
	b.queues = nil
	b.raise = nil
	return nil
}

// processPFNQueue drains a queue of 4-byte page-frame-number entries,
// applying apply to each contiguous run, and acknowledges every
// descriptor with zero length (the balloon protocol carries no data back
// to the driver on these queues).
func (b *Backend) processPFNQueue(q *virtqueue.Queue, apply func(gpa uint64, length uint64) error) (bool, error) {
	processed := false
	for {
		el, err := q.PopAvail()
		if err == virtqueue.ErrEmpty {
			break
		}
		if err != nil {
			return processed, err
		}
		for _, p := range el.OutIovec {
			for off := uint32(0); off+4 <= p.Length; off += 4 {
				// PFN buffers are guest-address-addressable; the caller
				// supplies gpa directly since translation already
				// happened during PopAvail's validation.
				pfn := p.Addr + uint64(off)
				if err := apply(pfn*pageSize, pageSize); err != nil {
					b.log.Warn("balloon: madvise failed", "err", err)
				}
			}
		}
		if err := q.AddUsed(el.Head, 0); err != nil {
			return processed, err
		}
		processed = true
	}
	return processed, nil
}

// Inflate processes the inflate queue: pages the guest names are hinted
// DONTNEED so the host can reclaim them.
func (b *Backend) Inflate() (bool, error) {
	if len(b.queues) <= queueInflate || b.ram == nil {
		return false, nil
	}
	return b.processPFNQueue(b.queues[queueInflate], b.ram.MadviseDontNeed)
}

// Deflate processes the deflate queue: pages the guest names are hinted
// WILLNEED so the host pages them back in before the guest touches them.
func (b *Backend) Deflate() (bool, error) {
	if len(b.queues) <= queueDeflate || b.ram == nil {
		return false, nil
	}
	return b.processPFNQueue(b.queues[queueDeflate], b.ram.MadviseWillNeed)
}

// Report processes the free-page-reporting queue: buffers posted there
// are hinted DONTNEED in place (the driver reuses the same buffer next
// round, per the virtio free-page-reporting protocol).
func (b *Backend) Report() (bool, error) {
	if !b.cfg.FreePageReporting || len(b.queues) <= queueReport {
		return false, nil
	}
	q := b.queues[queueReport]
	processed := false
	for {
		el, err := q.PopAvail()
		if err == virtqueue.ErrEmpty {
			break
		}
		if err != nil {
			return processed, err
		}
		for _, p := range el.InIovec {
			if err := b.ram.MadviseDontNeed(p.Addr, uint64(p.Length)); err != nil {
				b.log.Warn("balloon: free-page-reporting madvise failed", "err", err)
			}
		}
		if err := q.AddUsed(el.Head, 0); err != nil {
			return processed, err
		}
		processed = true
	}
	return processed, nil
}

// SetActual publishes the current balloon size (in pages) to config space
// and, if raise is set, signals a config-change interrupt.
func (b *Backend) SetActual(pages uint32) {
	b.config32[1] = pages
	if b.raise != nil {
		b.raise(vio.InterruptConfig, nil, true)
	}
}

// TargetFromAutoBalloon computes the inflate/deflate target (in pages)
// from membuf_percent policy given current total and free memory (in
// bytes), for the auto-balloon monitor's periodic tick (spec §4.5, §5
// "only the auto-balloon monitor uses a periodic timer").
func (b *Backend) TargetFromAutoBalloon(totalBytes, freeBytes uint64) uint32 {
	if !b.cfg.AutoBalloon {
		return 0
	}
	wantFreeBytes := totalBytes * uint64(b.cfg.MembufPercent) / 100
	if freeBytes >= wantFreeBytes {
		return 0
	}
	deficit := wantFreeBytes - freeBytes
	return uint32(deficit / pageSize)
}
