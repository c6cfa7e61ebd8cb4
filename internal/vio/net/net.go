// Package net implements the virtio-net backend: rx/tx packet exchange
// with a host tap device, GSO-none checksum offload, per-pair multiqueue
// fan-out, and the control queue's multiqueue (MQ) command, which the
// distilled spec omitted but original_source/virtio/src/net.rs implements
// (VIRTIO_NET_CTRL_MQ_VQ_PAIRS_SET with MIN=1, MAX=0x8000).
//
// Grounded on the teacher's internal/devices/virtio/net.go for the
// virtio-net header layout and checksum-offload algorithm (tx packets are
// assembled into a fresh buffer per chain; there is no buffer pool); the
// teacher's backend talks to an in-process netstack
// (internal/netstack), which is out of this spec's scope, so here
// NetBackend is implemented by a host tap file descriptor instead
// (tap_linux.go), discovered and opened the way a passthrough VMM
// actually attaches to a TAP device.
package net

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tinyrange/vmmcore/internal/ioloop"
	"github.com/tinyrange/vmmcore/internal/verror"
	"github.com/tinyrange/vmmcore/internal/vio"
	"github.com/tinyrange/vmmcore/internal/virtqueue"
	"golang.org/x/sys/unix"
)

const (
	deviceID = 1

	headerSize = 12

	queueReceive  = 0
	queueTransmit = 1
	queueControl  = 2 // present only when VIRTIO_NET_F_CTRL_VQ is negotiated

	queueNumMax = 256

	featureMacBit      = 5
	featureStatusBit   = 16
	featureMQBit       = 22
	featureCtrlVQBit   = 17
	featureEventIdx    = uint64(1) << 29

	statusLinkUp = 1

	gsoTypeNone = 0

	hdrFNeedsCsum = 1 << 0

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd

	ctrlClassMQ               = 4
	ctrlMQVQPairsSet          = 0
	ctrlMQVQPairsMin          = 1
	ctrlMQVQPairsMax          = 0x8000
	ctrlAckOK                 = 0
	ctrlAckErr                = 1
)

// ErrWouldBlock is returned by PacketIO.ReadPacket when no packet is
// currently available (the tap fd would block).
var ErrWouldBlock = fmt.Errorf("net: no packet available")

// PacketIO is the host-side packet transport a Backend drives. tap_linux.go
// provides the only production implementation, over a /dev/net/tun fd; test
// doubles implement it directly.
type PacketIO interface {
	// ReadPacket reads one packet into buf, returning its length. Returns
	// ErrWouldBlock when no packet is currently available.
	ReadPacket(buf []byte) (int, error)
	// WritePacket writes one complete packet.
	WritePacket(buf []byte) (int, error)
}

// netPair is the per-negotiated-queue-pair state: the host tap queue
// backing it, the fd that queue exposes to the event loop (if any), and
// whether rx delivery is currently parked for lack of guest-posted
// descriptors (spec §8 scenario 5's Park/Resume backpressure).
type netPair struct {
	io        PacketIO
	fd        int
	hasFD     bool
	queueFull bool
}

// fdSource is implemented by PacketIO backends that expose a pollable fd
// (tap_linux.go's Tap). Test doubles may omit it; such pairs are driven
// directly via ProcessReceiveQueue/ProcessTransmitQueue rather than
// through the event loop.
type fdSource interface {
	FD() int
}

// queueNotifier is the subset of *ioloop.Loop a Backend needs to register
// a pair's tap fd and to park/resume it under rx backpressure.
// *ioloop.Loop satisfies this directly; tests substitute a recording fake.
type queueNotifier interface {
	Register(fd int, events uint32, cb ioloop.Callback) error
	Update(ops []ioloop.Op) error
}

// Backend implements vio.Backend for virtio-net, backed by one or more
// PacketIO tap queues. When multiqueue is negotiated, activation creates
// one rx/tx handler per pair (spec.md:102), matching
// original_source/virtio/src/net.rs's per-pair NetIoHandler registration.
type Backend struct {
	mu sync.Mutex

	mac         net.HardwareAddr
	mem         virtqueue.GuestMemory
	ctrlVQ      bool
	mq          bool
	linkUp      bool
	activePairs uint16
	maxPairs    uint16

	pairs []*netPair
	loop  queueNotifier

	log *slog.Logger
}

// New constructs a single-queue net backend. mac must be 6 bytes. mq
// enables the control-vq MQ negotiation path (spec §8 scenario 4); without
// a second tap queue to fan out to, activePairs still negotiates but only
// pair 0 is ever driven. Use NewMultiQueue to back real fan-out with
// multiple host tap queues.
func New(mac net.HardwareAddr, io PacketIO, mem virtqueue.GuestMemory, mq bool, log *slog.Logger) (*Backend, error) {
	return newBackend(mac, []PacketIO{io}, mem, mq, nil, log)
}

// NewMultiQueue constructs a net backend with one host tap queue per
// negotiable rx/tx pair. loop, when non-nil, is used by Activate to
// register each pair's tap fd (for PacketIO values implementing fdSource)
// so rx delivery is driven by the event loop and parked/resumed as the
// guest's rx ring fills and drains.
func NewMultiQueue(mac net.HardwareAddr, ios []PacketIO, mem virtqueue.GuestMemory, loop queueNotifier, log *slog.Logger) (*Backend, error) {
	if len(ios) == 0 {
		return nil, verror.New(verror.Config, "net.NewMultiQueue", fmt.Errorf("at least one tap queue is required"))
	}
	return newBackend(mac, ios, mem, true, loop, log)
}

func newBackend(mac net.HardwareAddr, ios []PacketIO, mem virtqueue.GuestMemory, mq bool, loop queueNotifier, log *slog.Logger) (*Backend, error) {
	if len(mac) != 6 {
		return nil, verror.New(verror.Config, "net.New", fmt.Errorf("virtio-net requires a 6-byte MAC address"))
	}
	if log == nil {
		log = slog.Default()
	}
	pairs := make([]*netPair, len(ios))
	for i, io := range ios {
		p := &netPair{io: io}
		if fs, ok := io.(fdSource); ok {
			p.fd = fs.FD()
			p.hasFD = true
		}
		pairs[i] = p
	}
	return &Backend{
		mac:         append(net.HardwareAddr(nil), mac...),
		mem:         mem,
		ctrlVQ:      mq,
		mq:          mq,
		linkUp:      true,
		activePairs: 1,
		maxPairs:    uint16(len(pairs)),
		pairs:       pairs,
		loop:        loop,
		log:         log,
	}, nil
}

func (b *Backend) DeviceType() uint32 { return deviceID }

func (b *Backend) QueueNum() int {
	n := int(b.maxPairs) * 2
	if b.ctrlVQ {
		return n + 1
	}
	return n
}

func (b *Backend) QueueSize() uint16 { return queueNumMax }

func (b *Backend) DeviceFeatures() uint64 {
	f := uint64(1)<<featureMacBit | uint64(1)<<featureStatusBit | featureEventIdx
	if b.ctrlVQ {
		f |= uint64(1) << featureCtrlVQBit
	}
	if b.mq {
		f |= uint64(1) << featureMQBit
	}
	return f
}

func (b *Backend) ReadConfig(offset uint32, buf []byte) {
	var cfg [10]byte
	copy(cfg[0:6], b.mac)
	if b.linkUp {
		cfg[6] = statusLinkUp
	}
	b.mu.Lock()
	binary.LittleEndian.PutUint16(cfg[8:10], b.activePairs)
	b.mu.Unlock()
	for i := range buf {
		pos := int(offset) + i
		if pos < len(cfg) {
			buf[i] = cfg[pos]
		} else {
			buf[i] = 0
		}
	}
}

func (b *Backend) WriteConfig(offset uint32, buf []byte) {}

func (b *Backend) ConfigWritable(offset uint32, length int) bool { return false }

// Activate wires each negotiated rx/tx pair's tap fd into the event loop
// (spec §4.1/§5: devices are driven through ioloop rather than polling),
// registering a callback that drains the pair's rx queue on readiness and
// parks the fd again once the guest's rx ring is exhausted. Pairs whose
// PacketIO has no pollable fd (fakes in tests, or b.loop == nil) are left
// for the caller to drive directly via ProcessReceiveQueue/
// ProcessReceiveQueueForPair.
func (b *Backend) Activate(features uint64, queues []*virtqueue.Queue, raise vio.InterruptFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pairs := len(b.pairs)
	if int(b.activePairs) < pairs {
		pairs = int(b.activePairs)
	}
	for i := 0; i < pairs; i++ {
		rxIdx := i * 2
		if rxIdx >= len(queues) {
			break
		}
		p := b.pairs[i]
		if b.loop == nil || !p.hasFD {
			continue
		}
		pairIdx := i
		rxQueue := queues[rxIdx]
		cb := func(fd int, events uint32) []ioloop.Op {
			for {
				delivered, err := b.processReceiveForPair(pairIdx, rxQueue)
				if err != nil {
					b.log.Error("net: rx delivery failed", "pair", pairIdx, "err", err)
					return nil
				}
				if !delivered {
					return nil
				}
				if raise != nil {
					raise(vio.InterruptVRing, rxQueue, false)
				}
			}
		}
		if err := b.loop.Register(p.fd, unix.EPOLLIN, cb); err != nil {
			return verror.New(verror.Resource, "net.Activate", err)
		}
	}
	return nil
}

// Deactivate removes every registered tap fd from the event loop.
func (b *Backend) Deactivate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loop != nil {
		for _, p := range b.pairs {
			if p.hasFD {
				_ = b.loop.Update([]ioloop.Op{{FD: p.fd, Disposition: ioloop.Delete}})
			}
		}
	}
	return nil
}

func (b *Backend) translate(p virtqueue.Payload) ([]byte, error) {
	if p.Length == 0 {
		return nil, nil
	}
	return b.mem.Translate(p.Addr, p.Length)
}

// ProcessTransmitQueue drains the tx queue, applying GSO-none checksum
// offload and forwarding each packet to the host tap. It is a thin wrapper
// over pair 0, kept for callers that never negotiated multiqueue.
func (b *Backend) ProcessTransmitQueue(q *virtqueue.Queue) (bool, error) {
	return b.processTransmitForPair(0, q)
}

// ProcessTransmitQueueForPair is ProcessTransmitQueue scoped to one
// negotiated rx/tx pair.
func (b *Backend) ProcessTransmitQueueForPair(pairIdx int, q *virtqueue.Queue) (bool, error) {
	return b.processTransmitForPair(pairIdx, q)
}

func (b *Backend) processTransmitForPair(pairIdx int, q *virtqueue.Queue) (bool, error) {
	io := b.pairs[pairIdx].io
	processed := false
	for {
		el, err := q.PopAvail()
		if err == virtqueue.ErrEmpty {
			break
		}
		if err != nil {
			return processed, err
		}
		if err := b.transmitOne(io, el); err != nil {
			return processed, err
		}
		if err := q.AddUsed(el.Head, 0); err != nil {
			return processed, err
		}
		processed = true
	}
	return processed, nil
}

func (b *Backend) transmitOne(io PacketIO, el virtqueue.Element) error {
	if len(el.OutIovec) == 0 {
		return verror.New(verror.GuestProtocol, "net.transmitOne", fmt.Errorf("tx chain has no out descriptors"))
	}
	hdrBuf, err := b.translate(el.OutIovec[0])
	if err != nil {
		return verror.New(verror.GuestProtocol, "net.transmitOne", err)
	}
	if len(hdrBuf) < 10 {
		return verror.New(verror.GuestProtocol, "net.transmitOne", fmt.Errorf("tx header too short: %d", len(hdrBuf)))
	}

	var packet []byte
	payload := el.OutIovec[0]
	if payload.Length > headerSize {
		// Header and payload share the first descriptor past byte 12.
		packet = append(packet, hdrBuf[headerSize:]...)
	}
	for _, p := range el.OutIovec[1:] {
		buf, err := b.translate(p)
		if err != nil {
			return verror.New(verror.GuestProtocol, "net.transmitOne", err)
		}
		packet = append(packet, buf...)
	}

	flags := hdrBuf[0]
	gsoType := hdrBuf[1]
	csumStart := binary.LittleEndian.Uint16(hdrBuf[6:8])
	csumOffset := binary.LittleEndian.Uint16(hdrBuf[8:10])
	if gsoType != gsoTypeNone {
		return verror.New(verror.GuestProtocol, "net.transmitOne",
			fmt.Errorf("unsupported gso type %d", gsoType))
	}
	if flags&hdrFNeedsCsum != 0 {
		if err := applyChecksum(packet, csumStart, csumOffset); err != nil {
			return verror.New(verror.GuestProtocol, "net.transmitOne", err)
		}
	}

	if _, err := io.WritePacket(packet); err != nil {
		return verror.New(verror.HostIO, "net.transmitOne", err)
	}
	return nil
}

// ProcessReceiveQueue pulls one packet from the host tap and delivers it
// into the next available rx descriptor chain. It is a thin wrapper over
// pair 0's handling, kept for callers that never negotiated multiqueue.
func (b *Backend) ProcessReceiveQueue(q *virtqueue.Queue) (bool, error) {
	return b.processReceiveForPair(0, q)
}

// ProcessReceiveQueueForPair is ProcessReceiveQueue scoped to one
// negotiated rx/tx pair (spec's supplemented MQ fan-out: one handler per
// pair once VIRTIO_NET_CTRL_MQ_VQ_PAIRS_SET has been acked, matching
// original_source/virtio/src/net.rs's per-pair NetIoHandler).
func (b *Backend) ProcessReceiveQueueForPair(pairIdx int, q *virtqueue.Queue) (bool, error) {
	return b.processReceiveForPair(pairIdx, q)
}

// QueueFull reports whether pairIdx's rx delivery is currently parked for
// lack of guest-posted descriptors (spec §8 scenario 5).
func (b *Backend) QueueFull(pairIdx int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pairs[pairIdx].queueFull
}

// processReceiveForPair checks for an available rx descriptor before ever
// reading from the tap, so a packet is never read only to be dropped when
// the guest's rx ring is empty (spec §8 scenario 5: exactly 4 used entries
// for 4 posted descriptors, not 4 delivered plus N silently lost). When no
// descriptor is available it parks the pair's tap fd notifier instead of
// busy-polling; Activate's callback (or a direct caller after a kick)
// resumes it once the guest posts more buffers.
func (b *Backend) processReceiveForPair(pairIdx int, q *virtqueue.Queue) (bool, error) {
	b.mu.Lock()
	p := b.pairs[pairIdx]
	b.mu.Unlock()

	avail, err := q.AvailRingLen()
	if err != nil {
		return false, err
	}
	if avail == 0 {
		b.parkPair(p)
		return false, nil
	}
	b.resumePair(p)

	var buf [65536]byte
	n, err := p.io.ReadPacket(buf[:])
	if err == ErrWouldBlock {
		return false, nil
	}
	if err != nil {
		return false, verror.New(verror.HostIO, "net.ProcessReceiveQueue", err)
	}
	if n == 0 {
		return false, nil
	}

	el, err := q.PopAvail()
	if err == virtqueue.ErrEmpty {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	written, err := b.fillRx(el, buf[:n])
	if err != nil {
		return false, err
	}
	if err := q.AddUsed(el.Head, written); err != nil {
		return false, err
	}

	if remaining, err := q.AvailRingLen(); err == nil && remaining == 0 {
		b.parkPair(p)
	}
	return true, nil
}

func (b *Backend) parkPair(p *netPair) {
	b.mu.Lock()
	already := p.queueFull
	p.queueFull = true
	loop := b.loop
	b.mu.Unlock()
	if already || !p.hasFD || loop == nil {
		return
	}
	if err := loop.Update([]ioloop.Op{{FD: p.fd, Disposition: ioloop.Park}}); err != nil {
		b.log.Error("net: park tap fd failed", "fd", p.fd, "err", err)
	}
}

func (b *Backend) resumePair(p *netPair) {
	b.mu.Lock()
	wasFull := p.queueFull
	p.queueFull = false
	loop := b.loop
	b.mu.Unlock()
	if !wasFull || !p.hasFD || loop == nil {
		return
	}
	if err := loop.Update([]ioloop.Op{{FD: p.fd, Disposition: ioloop.Resume}}); err != nil {
		b.log.Error("net: resume tap fd failed", "fd", p.fd, "err", err)
	}
}

func (b *Backend) fillRx(el virtqueue.Element, packet []byte) (uint32, error) {
	if len(el.InIovec) == 0 {
		return 0, verror.New(verror.GuestProtocol, "net.fillRx", fmt.Errorf("rx chain has no in descriptors"))
	}
	first, err := b.translate(el.InIovec[0])
	if err != nil {
		return 0, verror.New(verror.GuestProtocol, "net.fillRx", err)
	}
	if len(first) < headerSize {
		return 0, verror.New(verror.GuestProtocol, "net.fillRx", fmt.Errorf("rx first descriptor too small for header"))
	}
	for i := 0; i < headerSize; i++ {
		first[i] = 0
	}
	binary.LittleEndian.PutUint16(first[10:12], 1) // num_buffers

	remaining := packet
	n := copy(first[headerSize:], remaining)
	remaining = remaining[n:]
	written := uint32(headerSize + n)

	for _, p := range el.InIovec[1:] {
		if len(remaining) == 0 {
			break
		}
		buf, err := b.translate(p)
		if err != nil {
			return 0, verror.New(verror.GuestProtocol, "net.fillRx", err)
		}
		n := copy(buf, remaining)
		remaining = remaining[n:]
		written += uint32(n)
	}
	if len(remaining) != 0 {
		return 0, verror.New(verror.GuestProtocol, "net.fillRx", fmt.Errorf("rx buffers too small for packet"))
	}
	return written, nil
}

// ProcessControlQueue handles VIRTIO_NET_CTRL_* commands, currently only
// the multiqueue VQ_PAIRS_SET command (spec's supplemented feature,
// original_source/virtio/src/net.rs).
func (b *Backend) ProcessControlQueue(q *virtqueue.Queue) (bool, error) {
	processed := false
	for {
		el, err := q.PopAvail()
		if err == virtqueue.ErrEmpty {
			break
		}
		if err != nil {
			return processed, err
		}
		ack := b.handleCtrl(el)
		if len(el.InIovec) == 0 {
			return processed, verror.New(verror.GuestProtocol, "net.ProcessControlQueue",
				fmt.Errorf("ctrl chain missing ack descriptor"))
		}
		ackBuf, err := b.translate(el.InIovec[0])
		if err != nil || len(ackBuf) < 1 {
			return processed, verror.New(verror.GuestProtocol, "net.ProcessControlQueue", fmt.Errorf("bad ack descriptor"))
		}
		ackBuf[0] = ack
		if err := q.AddUsed(el.Head, 1); err != nil {
			return processed, err
		}
		processed = true
	}
	return processed, nil
}

func (b *Backend) handleCtrl(el virtqueue.Element) byte {
	if len(el.OutIovec) == 0 {
		return ctrlAckErr
	}
	hdrBuf, err := b.translate(el.OutIovec[0])
	if err != nil || len(hdrBuf) < 2 {
		return ctrlAckErr
	}
	class := hdrBuf[0]
	cmd := hdrBuf[1]
	if class != ctrlClassMQ || cmd != ctrlMQVQPairsSet {
		return ctrlAckErr
	}
	if len(el.OutIovec) < 2 {
		return ctrlAckErr
	}
	argBuf, err := b.translate(el.OutIovec[1])
	if err != nil || len(argBuf) < 2 {
		return ctrlAckErr
	}
	pairs := binary.LittleEndian.Uint16(argBuf[0:2])
	if pairs < ctrlMQVQPairsMin || pairs > ctrlMQVQPairsMax {
		return ctrlAckErr
	}
	b.mu.Lock()
	b.activePairs = pairs
	b.mu.Unlock()
	return ctrlAckOK
}

func applyChecksum(packet []byte, csumStart, csumOffset uint16) error {
	start := int(csumStart)
	if start < 0 || start > len(packet) {
		return fmt.Errorf("checksum start %d out of range", start)
	}
	pos := start + int(csumOffset)
	if pos < 0 || pos+2 > len(packet) {
		return fmt.Errorf("checksum offset %d out of range", pos)
	}
	packet[pos] = 0
	packet[pos+1] = 0

	if len(packet) < 14 {
		return fmt.Errorf("packet too small for ethernet header: %d", len(packet))
	}
	ethType := binary.BigEndian.Uint16(packet[12:14])

	var sum uint32
	switch ethType {
	case etherTypeIPv4:
		if len(packet) < 34 {
			return fmt.Errorf("ipv4 packet too small: %d", len(packet))
		}
		ipHeader := packet[14:]
		payload := packet[start:]
		var pseudo [12]byte
		copy(pseudo[0:4], ipHeader[12:16])
		copy(pseudo[4:8], ipHeader[16:20])
		pseudo[9] = ipHeader[9]
		binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(payload)))
		sum = checksumAdd(0, pseudo[:])
		sum = checksumAdd(sum, payload)
	case etherTypeIPv6:
		if len(packet) < 54 {
			return fmt.Errorf("ipv6 packet too small: %d", len(packet))
		}
		ipHeader := packet[14:]
		payload := packet[start:]
		var pseudo [40]byte
		copy(pseudo[0:16], ipHeader[8:24])
		copy(pseudo[16:32], ipHeader[24:40])
		binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(payload)))
		pseudo[39] = ipHeader[6]
		sum = checksumAdd(0, pseudo[:])
		sum = checksumAdd(sum, payload)
	default:
		sum = checksumAdd(0, packet[start:])
	}
	checksum := checksumFinalize(sum)
	if checksum == 0 {
		checksum = 0xffff
	}
	binary.BigEndian.PutUint16(packet[pos:], checksum)
	return nil
}

func checksumAdd(sum uint32, data []byte) uint32 {
	for len(data) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(data[:2]))
		data = data[2:]
	}
	if len(data) == 1 {
		sum += uint32(data[0]) << 8
	}
	return sum
}

func checksumFinalize(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
