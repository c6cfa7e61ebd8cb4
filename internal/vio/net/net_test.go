package net

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/tinyrange/vmmcore/internal/ioloop"
	"github.com/tinyrange/vmmcore/internal/virtqueue"
)

type flatMem struct{ buf []byte }

func (m *flatMem) Translate(addr uint64, length uint32) ([]byte, error) {
	return m.buf[addr : addr+uint64(length)], nil
}

type fakeIO struct {
	toGuest   [][]byte
	fromGuest [][]byte
}

func (f *fakeIO) ReadPacket(buf []byte) (int, error) {
	if len(f.toGuest) == 0 {
		return 0, ErrWouldBlock
	}
	pkt := f.toGuest[0]
	f.toGuest = f.toGuest[1:]
	return copy(buf, pkt), nil
}

func (f *fakeIO) WritePacket(buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.fromGuest = append(f.fromGuest, cp)
	return len(buf), nil
}

func mac() net.HardwareAddr { return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01} }

func TestNewRejectsBadMAC(t *testing.T) {
	if _, err := New(net.HardwareAddr{1, 2, 3}, &fakeIO{}, &flatMem{}, false, nil); err == nil {
		t.Fatalf("expected error for non-6-byte MAC")
	}
}

func TestDeviceFeaturesReflectMQAndCtrlVQ(t *testing.T) {
	b, err := New(mac(), &fakeIO{}, &flatMem{}, true, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := b.DeviceFeatures()
	if f&(uint64(1)<<featureMQBit) == 0 {
		t.Fatalf("expected MQ feature bit")
	}
	if f&(uint64(1)<<featureCtrlVQBit) == 0 {
		t.Fatalf("expected ctrl-vq feature bit")
	}
	if b.QueueNum() != 3 {
		t.Fatalf("expected 3 queues with ctrl-vq, got %d", b.QueueNum())
	}
}

func TestReadConfigReportsMAC(t *testing.T) {
	b, _ := New(mac(), &fakeIO{}, &flatMem{}, false, nil)
	var buf [6]byte
	b.ReadConfig(0, buf[:])
	if net.HardwareAddr(buf[:]).String() != mac().String() {
		t.Fatalf("config MAC = %v, want %v", net.HardwareAddr(buf[:]), mac())
	}
}

func TestTransmitOneForwardsPacketWithoutChecksumFlag(t *testing.T) {
	mem := &flatMem{buf: make([]byte, 0x10000)}
	io := &fakeIO{}
	b, _ := New(mac(), io, mem, false, nil)

	var hdr [12]byte // flags=0, gso_type=0
	copy(mem.buf[0x100:], hdr[:])
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	copy(mem.buf[0x200:], payload)

	el := virtqueue.Element{
		Head:     1,
		OutIovec: []virtqueue.Payload{{Addr: 0x100, Length: 12}, {Addr: 0x200, Length: uint32(len(payload))}},
	}
	if err := b.transmitOne(io, el); err != nil {
		t.Fatalf("transmitOne: %v", err)
	}
	if len(io.fromGuest) != 1 {
		t.Fatalf("expected 1 packet forwarded, got %d", len(io.fromGuest))
	}
	if string(io.fromGuest[0]) != string(payload) {
		t.Fatalf("forwarded packet = %x, want %x", io.fromGuest[0], payload)
	}
}

func TestTransmitOneRejectsUnsupportedGSO(t *testing.T) {
	mem := &flatMem{buf: make([]byte, 0x10000)}
	io := &fakeIO{}
	b, _ := New(mac(), io, mem, false, nil)

	hdr := make([]byte, 12)
	hdr[1] = 1 // gso_type != none
	copy(mem.buf[0x100:], hdr)

	el := virtqueue.Element{
		Head:     1,
		OutIovec: []virtqueue.Payload{{Addr: 0x100, Length: 12}},
	}
	if err := b.transmitOne(io, el); err == nil {
		t.Fatalf("expected error for unsupported gso type")
	}
}

func TestProcessReceiveQueueDeliversPacket(t *testing.T) {
	mem := &flatMem{buf: make([]byte, 0x10000)}
	packet := []byte("hello-guest")
	io := &fakeIO{toGuest: [][]byte{packet}}
	b, _ := New(mac(), io, mem, false, nil)

	q := virtqueue.New(0, mem)
	layoutQueue(t, mem, q, 0x0, 0x1000, 0x2000, 4)
	writeDescriptor(mem, 0x0, 0, 0x3000, 64, descFWrite, 0)
	postAvail(mem, 0x1000, 0, []uint16{0})
	q.Enable()

	delivered, err := b.ProcessReceiveQueue(q)
	if err != nil {
		t.Fatalf("ProcessReceiveQueue: %v", err)
	}
	if !delivered {
		t.Fatalf("expected packet to be delivered")
	}
	got := mem.buf[0x3000+headerSize : 0x3000+headerSize+len(packet)]
	if string(got) != string(packet) {
		t.Fatalf("rx buffer = %q, want %q", got, packet)
	}
}

func TestProcessReceiveQueueNoPacketAvailable(t *testing.T) {
	mem := &flatMem{buf: make([]byte, 0x10000)}
	io := &fakeIO{}
	b, _ := New(mac(), io, mem, false, nil)
	q := virtqueue.New(0, mem)
	_ = q.Configure(0, 0x1000, 0x2000, 4)
	q.Enable()

	delivered, err := b.ProcessReceiveQueue(q)
	if err != nil {
		t.Fatalf("ProcessReceiveQueue: %v", err)
	}
	if delivered {
		t.Fatalf("expected no delivery when tap has no packet")
	}
}

func TestProcessReceiveQueueParksThenResumesAfterMoreDescriptors(t *testing.T) {
	mem := &flatMem{buf: make([]byte, 0x20000)}
	packets := make([][]byte, 1000)
	for i := range packets {
		packets[i] = []byte{byte(i), byte(i >> 8), 0xaa}
	}
	io := &fakeIO{toGuest: append([][]byte(nil), packets...)}
	b, _ := New(mac(), io, mem, false, nil)

	q := virtqueue.New(0, mem)
	layoutQueue(t, mem, q, 0x0, 0x1000, 0x2000, 8)
	for i := uint16(0); i < 4; i++ {
		writeDescriptor(mem, 0x0, i, 0x3000+uint64(i)*256, 256, descFWrite, 0)
	}
	postAvail(mem, 0x1000, 0, []uint16{0, 1, 2, 3})
	q.Enable()

	delivered := 0
	for {
		ok, err := b.ProcessReceiveQueue(q)
		if err != nil {
			t.Fatalf("ProcessReceiveQueue: %v", err)
		}
		if !ok {
			break
		}
		delivered++
	}
	if delivered != 4 {
		t.Fatalf("delivered = %d, want exactly 4 used entries for 4 posted descriptors", delivered)
	}
	if !b.QueueFull(0) {
		t.Fatalf("expected QueueFull(0) = true once the rx ring is exhausted with 996 packets still queued")
	}
	if len(io.toGuest) != 996 {
		t.Fatalf("tap has %d unread packets, want 996 left undrained while parked", len(io.toGuest))
	}
	for i := 0; i < 4; i++ {
		off := uint64(0x3000) + uint64(i)*256 + headerSize
		got := mem.buf[off : off+3]
		if string(got) != string(packets[i]) {
			t.Fatalf("descriptor %d = %x, want %x", i, got, packets[i])
		}
	}

	// Guest posts 4 more descriptors and kicks rx.
	for i := uint16(4); i < 8; i++ {
		writeDescriptor(mem, 0x0, i, 0x3000+uint64(i)*256, 256, descFWrite, 0)
	}
	postAvail(mem, 0x1000, 4, []uint16{4, 5, 6, 7})

	delivered = 0
	for {
		ok, err := b.ProcessReceiveQueue(q)
		if err != nil {
			t.Fatalf("ProcessReceiveQueue after resume: %v", err)
		}
		if !ok {
			break
		}
		delivered++
	}
	if delivered != 4 {
		t.Fatalf("delivered after resume = %d, want 4 more, remaining packets delivered in order", delivered)
	}
	for i := 4; i < 8; i++ {
		off := uint64(0x3000) + uint64(i)*256 + headerSize
		got := mem.buf[off : off+3]
		if string(got) != string(packets[i]) {
			t.Fatalf("descriptor %d = %x, want %x", i, got, packets[i])
		}
	}
}

type fakeFDIO struct {
	*fakeIO
	fd int
}

func (f *fakeFDIO) FD() int { return f.fd }

type fakeLoop struct {
	registered map[int]ioloop.Callback
	ops        []ioloop.Op
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{registered: make(map[int]ioloop.Callback)}
}

func (l *fakeLoop) Register(fd int, events uint32, cb ioloop.Callback) error {
	l.registered[fd] = cb
	return nil
}

func (l *fakeLoop) Update(ops []ioloop.Op) error {
	l.ops = append(l.ops, ops...)
	return nil
}

func (l *fakeLoop) hasOp(fd int, d ioloop.Disposition) bool {
	for _, op := range l.ops {
		if op.FD == fd && op.Disposition == d {
			return true
		}
	}
	return false
}

func TestActivateRegistersPairFDAndDrivesParkResumeThroughLoop(t *testing.T) {
	mem := &flatMem{buf: make([]byte, 0x10000)}
	packet := []byte("hi")
	io := &fakeFDIO{fakeIO: &fakeIO{toGuest: [][]byte{packet}}, fd: 42}
	loop := newFakeLoop()

	b, err := NewMultiQueue(mac(), []PacketIO{io}, mem, loop, nil)
	if err != nil {
		t.Fatalf("NewMultiQueue: %v", err)
	}

	rx := virtqueue.New(0, mem)
	layoutQueue(t, mem, rx, 0x0, 0x1000, 0x2000, 4)
	rx.Enable()
	tx := virtqueue.New(1, mem)

	if err := b.Activate(0, []*virtqueue.Queue{rx, tx}, nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	cb, ok := loop.registered[42]
	if !ok {
		t.Fatalf("expected tap fd 42 to be registered with the loop")
	}

	cb(42, 0)
	if !b.QueueFull(0) {
		t.Fatalf("expected pair 0 parked with an empty rx ring")
	}
	if !loop.hasOp(42, ioloop.Park) {
		t.Fatalf("expected a Park op for fd 42, got %+v", loop.ops)
	}

	writeDescriptor(mem, 0x0, 0, 0x3000, 64, descFWrite, 0)
	postAvail(mem, 0x1000, 0, []uint16{0})
	cb(42, 0)

	// The single posted descriptor was consumed delivering the one queued
	// packet, so the pair is parked again once the ring empties out --
	// the Resume in between is what matters here.
	if !loop.hasOp(42, ioloop.Resume) {
		t.Fatalf("expected a Resume op for fd 42, got %+v", loop.ops)
	}
	if !b.QueueFull(0) {
		t.Fatalf("expected pair 0 parked again once the newly posted descriptor was consumed")
	}
	if len(io.fakeIO.toGuest) != 0 {
		t.Fatalf("expected the queued packet to be delivered after resume")
	}
}

func TestHandleCtrlMQAcceptsInRangePairs(t *testing.T) {
	mem := &flatMem{buf: make([]byte, 0x10000)}
	b, _ := New(mac(), &fakeIO{}, mem, true, nil)

	binary.LittleEndian.PutUint16(mem.buf[0x300:], 4)
	copy(mem.buf[0x100:], []byte{ctrlClassMQ, ctrlMQVQPairsSet})

	el := virtqueue.Element{
		OutIovec: []virtqueue.Payload{{Addr: 0x100, Length: 2}, {Addr: 0x300, Length: 2}},
	}
	if ack := b.handleCtrl(el); ack != ctrlAckOK {
		t.Fatalf("ack = %d, want OK", ack)
	}
	if b.activePairs != 4 {
		t.Fatalf("activePairs = %d, want 4", b.activePairs)
	}
}

func TestHandleCtrlMQRejectsOutOfRangePairs(t *testing.T) {
	mem := &flatMem{buf: make([]byte, 0x10000)}
	b, _ := New(mac(), &fakeIO{}, mem, true, nil)

	binary.LittleEndian.PutUint16(mem.buf[0x300:], ctrlMQVQPairsMax+1)
	copy(mem.buf[0x100:], []byte{ctrlClassMQ, ctrlMQVQPairsSet})

	el := virtqueue.Element{
		OutIovec: []virtqueue.Payload{{Addr: 0x100, Length: 2}, {Addr: 0x300, Length: 2}},
	}
	if ack := b.handleCtrl(el); ack != ctrlAckErr {
		t.Fatalf("ack = %d, want Err for out-of-range pairs", ack)
	}
}

// --- shared virtqueue test helpers (mirrors virtqueue package's own test helpers) ---

func layoutQueue(t *testing.T, mem *flatMem, q *virtqueue.Queue, descAddr, availAddr, usedAddr uint64, size uint16) {
	t.Helper()
	if err := q.Configure(descAddr, availAddr, usedAddr, size); err != nil {
		t.Fatalf("Configure: %v", err)
	}
}

func writeDescriptor(mem *flatMem, descTableAddr uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	off := descTableAddr + uint64(idx)*16
	binary.LittleEndian.PutUint64(mem.buf[off:], addr)
	binary.LittleEndian.PutUint32(mem.buf[off+8:], length)
	binary.LittleEndian.PutUint16(mem.buf[off+12:], flags)
	binary.LittleEndian.PutUint16(mem.buf[off+14:], next)
}

const descFWrite = uint16(1 << 1)

func postAvail(mem *flatMem, availAddr uint64, startRing uint16, heads []uint16) {
	for i, h := range heads {
		ring := startRing + uint16(i)
		binary.LittleEndian.PutUint16(mem.buf[availAddr+4+uint64(ring)*2:], h)
	}
	binary.LittleEndian.PutUint16(mem.buf[availAddr+2:], startRing+uint16(len(heads)))
}
