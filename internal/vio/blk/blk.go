// Package blk implements the virtio-block backend: a single request queue
// processing VIRTIO_BLK_T_IN/OUT/FLUSH/GET_ID requests against a raw image
// file opened on the host, supplementing the distilled spec with the
// request types present in the original device model
// (original_source/util/src/aio/raw.rs's pread/pwrite/fdatasync use).
//
// Grounded on the teacher's internal/devices/virtio/blk.go for the
// descriptor-chain shape (header/data.../status) and the feature/config
// byte layout; host I/O goes through internal/hostio instead of bare
// os.File calls so retry-on-short-read/write semantics are shared with
// other backends.
package blk

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmmcore/internal/hostio"
	"github.com/tinyrange/vmmcore/internal/verror"
	"github.com/tinyrange/vmmcore/internal/vio"
	"github.com/tinyrange/vmmcore/internal/virtqueue"
)

const (
	deviceID = 2

	queueNumMax = 128

	sectorSize = 512

	featureSizeMax = uint64(1) << 1
	featureSegMax  = uint64(1) << 2
	featureRO      = uint64(1) << 5
	featureBlkSize = uint64(1) << 6
	featureFlush   = uint64(1) << 9

	reqTypeIn    = 0
	reqTypeOut   = 1
	reqTypeFlush = 4
	reqTypeGetID = 8

	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2

	reqHeaderSize = 16
)

// Backend implements vio.Backend for virtio-blk.
type Backend struct {
	mu       sync.Mutex
	fd       int
	readonly bool
	capacity uint64 // 512-byte sectors
	mem      virtqueue.GuestMemory
	log      *slog.Logger
}

// New opens no resources itself; fd must already be an open, seekable
// regular file or block device. capacityBytes is rounded down to a whole
// sector. mem is used to translate descriptor buffers into host slices.
func New(fd int, capacityBytes int64, readonly bool, mem virtqueue.GuestMemory, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{fd: fd, readonly: readonly, capacity: uint64(capacityBytes) / sectorSize, mem: mem, log: log}
}

// NewFromFD probes the open file's current size via hostio.FileSize.
func NewFromFD(fd int, readonly bool, mem virtqueue.GuestMemory, log *slog.Logger) (*Backend, error) {
	size, err := hostio.FileSize(fd)
	if err != nil {
		return nil, fmt.Errorf("blk.NewFromFD: %w", err)
	}
	return New(fd, size, readonly, mem, log), nil
}

func (b *Backend) DeviceType() uint32 { return deviceID }
func (b *Backend) QueueNum() int      { return 1 }
func (b *Backend) QueueSize() uint16  { return queueNumMax }

func (b *Backend) DeviceFeatures() uint64 {
	f := featureSizeMax | featureSegMax | featureBlkSize | featureFlush
	if b.readonly {
		f |= featureRO
	}
	return f
}

func (b *Backend) configBytes() []byte {
	b.mu.Lock()
	capacity := b.capacity
	b.mu.Unlock()

	var buf [20]byte
	binary.LittleEndian.PutUint64(buf[0:8], capacity)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20) // size_max
	binary.LittleEndian.PutUint32(buf[12:16], queueNumMax)
	binary.LittleEndian.PutUint32(buf[16:20], sectorSize) // blk_size
	return buf[:]
}

func (b *Backend) ReadConfig(offset uint32, buf []byte) {
	cfg := b.configBytes()
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

func (b *Backend) Activate(features uint64, queues []*virtqueue.Queue, raise vio.InterruptFunc) error {
	return nil
}

func (b *Backend) Deactivate() error { return nil }

// ProcessRequestQueue drains the request queue, executing each request and
// appending its status byte, returning true if anything was processed (so
// the caller can decide whether ShouldNotify applies).
func (b *Backend) ProcessRequestQueue(q *virtqueue.Queue) (bool, error) {
	processed := false
	for {
		el, err := q.PopAvail()
		if err == virtqueue.ErrEmpty {
			break
		}
		if err != nil {
			return processed, err
		}
		n, err := b.processOne(el)
		if err != nil {
			return processed, err
		}
		if err := q.AddUsed(el.Head, n); err != nil {
			return processed, err
		}
		processed = true
	}
	return processed, nil
}

func (b *Backend) translate(p virtqueue.Payload) ([]byte, error) {
	if p.Length == 0 {
		return nil, nil
	}
	return b.mem.Translate(p.Addr, p.Length)
}

func (b *Backend) processOne(el virtqueue.Element) (uint32, error) {
	if len(el.OutIovec) == 0 {
		return 0, verror.New(verror.GuestProtocol, "blk.processOne", fmt.Errorf("missing request header"))
	}
	hdrBuf, err := b.translate(el.OutIovec[0])
	if err != nil {
		return 0, verror.New(verror.GuestProtocol, "blk.processOne", err)
	}
	if len(hdrBuf) < reqHeaderSize {
		return 0, verror.New(verror.GuestProtocol, "blk.processOne",
			fmt.Errorf("header too short: %d", len(hdrBuf)))
	}
	reqType := binary.LittleEndian.Uint32(hdrBuf[0:4])
	sector := binary.LittleEndian.Uint64(hdrBuf[8:16])

	dataOut := el.OutIovec[1:]

	if len(el.InIovec) == 0 {
		return 0, verror.New(verror.GuestProtocol, "blk.processOne", fmt.Errorf("missing status descriptor"))
	}
	dataIn := el.InIovec[:len(el.InIovec)-1]
	statusPayload := el.InIovec[len(el.InIovec)-1]
	statusBuf, err := b.translate(statusPayload)
	if err != nil || len(statusBuf) < 1 {
		return 0, verror.New(verror.GuestProtocol, "blk.processOne", fmt.Errorf("bad status descriptor"))
	}

	var code byte
	switch reqType {
	case reqTypeIn:
		code = b.doRead(sector, dataIn)
	case reqTypeOut:
		code = b.doWrite(sector, dataOut)
	case reqTypeFlush:
		code = b.doFlush()
	case reqTypeGetID:
		code = b.doGetID(dataIn)
	default:
		code = statusUnsupp
	}
	statusBuf[0] = code
	return 1, nil
}

func (b *Backend) doRead(sector uint64, dest []virtqueue.Payload) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	offset := int64(sector) * sectorSize
	for _, p := range dest {
		buf, err := b.translate(p)
		if err != nil {
			return statusIOErr
		}
		if err := hostio.PReadFull(b.fd, buf, offset); err != nil {
			b.log.Warn("blk: read failed", "err", err, "offset", offset)
			return statusIOErr
		}
		offset += int64(p.Length)
	}
	return statusOK
}

func (b *Backend) doWrite(sector uint64, src []virtqueue.Payload) byte {
	if b.readonly {
		return statusIOErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	offset := int64(sector) * sectorSize
	for _, p := range src {
		buf, err := b.translate(p)
		if err != nil {
			return statusIOErr
		}
		if err := hostio.PWriteFull(b.fd, buf, offset); err != nil {
			b.log.Warn("blk: write failed", "err", err, "offset", offset)
			return statusIOErr
		}
		offset += int64(p.Length)
	}
	return statusOK
}

func (b *Backend) doFlush() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := hostio.Fdatasync(b.fd); err != nil {
		b.log.Warn("blk: flush failed", "err", err)
		return statusIOErr
	}
	return statusOK
}

func (b *Backend) doGetID(dest []virtqueue.Payload) byte {
	if len(dest) == 0 {
		return statusIOErr
	}
	buf, err := b.translate(dest[0])
	if err != nil {
		return statusIOErr
	}
	var id [20]byte
	copy(id[:], "vmmcore-blk")
	copy(buf, id[:])
	return statusOK
}
