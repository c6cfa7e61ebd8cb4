package vio

import (
	"testing"

	"github.com/tinyrange/vmmcore/internal/verror"
	"github.com/tinyrange/vmmcore/internal/virtqueue"
)

type fakeBackend struct {
	features      uint64
	activated     bool
	writable      bool
	activateErr   error
	deactivateErr error
}

func (f *fakeBackend) DeviceType() uint32       { return 1 }
func (f *fakeBackend) QueueNum() int            { return 2 }
func (f *fakeBackend) QueueSize() uint16        { return 256 }
func (f *fakeBackend) DeviceFeatures() uint64   { return f.features }
func (f *fakeBackend) ReadConfig(uint32, []byte) {}
func (f *fakeBackend) WriteConfig(uint32, []byte) {}
func (f *fakeBackend) ConfigWritable(uint32, int) bool { return f.writable }
func (f *fakeBackend) Activate(features uint64, queues []*virtqueue.Queue, raise InterruptFunc) error {
	f.activated = true
	return f.activateErr
}
func (f *fakeBackend) Deactivate() error {
	f.activated = false
	return f.deactivateErr
}

func TestLifecycleHappyPath(t *testing.T) {
	b := &fakeBackend{features: 0xF}
	d := New(b)

	if d.State() != Uninit {
		t.Fatalf("initial state = %v, want Uninit", d.State())
	}
	if err := d.Realize(); err != nil {
		t.Fatalf("Realize: %v", err)
	}
	if d.State() != Created {
		t.Fatalf("state after Realize = %v, want Created", d.State())
	}

	if err := d.Activate(nil, nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if d.State() != Activated || !b.activated {
		t.Fatalf("expected Activated state and backend.activated, got %v/%v", d.State(), b.activated)
	}

	if err := d.Deactivate(); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if d.State() != Deactivated || b.activated {
		t.Fatalf("expected Deactivated state and backend inactive")
	}

	if err := d.Activate(nil, nil); err != nil {
		t.Fatalf("re-Activate: %v", err)
	}
	if d.State() != Activated {
		t.Fatalf("expected Activated after re-Activate")
	}
}

func TestUnrealizeForbiddenWhileActivated(t *testing.T) {
	b := &fakeBackend{}
	d := New(b)
	_ = d.Realize()
	_ = d.Activate(nil, nil)

	err := d.Unrealize()
	if err == nil {
		t.Fatalf("expected Unrealize to fail while Activated")
	}
	if !verror.Is(err, verror.Lifecycle) {
		t.Fatalf("expected Lifecycle error kind, got %v", err)
	}
	if d.State() != Activated {
		t.Fatalf("state should be unchanged after rejected Unrealize")
	}
}

func TestSetDriverFeaturesMaskedByDeviceFeatures(t *testing.T) {
	b := &fakeBackend{features: 0b1010}
	d := New(b)

	d.SetDriverFeatures(0, 0xFFFFFFFF)
	if d.DriverFeatures()&^d.deviceFeatures != 0 {
		t.Fatalf("driver features %#x leaked bits outside device features %#x", d.DriverFeatures(), d.deviceFeatures)
	}
	if d.DriverFeatures() != 0b1010 {
		t.Fatalf("driver features = %#x, want %#x", d.DriverFeatures(), 0b1010)
	}
}

func TestWriteConfigRejectedWhileActivatedUnlessPermitted(t *testing.T) {
	b := &fakeBackend{writable: false}
	d := New(b)
	_ = d.Realize()
	_ = d.Activate(nil, nil)

	if err := d.WriteConfig(0, []byte{1}); err == nil {
		t.Fatalf("expected write to be rejected while activated")
	}

	b.writable = true
	if err := d.WriteConfig(0, []byte{1}); err != nil {
		t.Fatalf("expected write to be permitted: %v", err)
	}
}

func TestReportVirtioErrorMarksQueueBroken(t *testing.T) {
	b := &fakeBackend{}
	d := New(b)
	_ = d.Realize()

	raised := false
	_ = d.Activate(nil, func(kind InterruptKind, q *virtqueue.Queue, configChanged bool) {
		raised = true
		if kind != InterruptConfig || !configChanged {
			t.Fatalf("expected config-change interrupt")
		}
	})

	mem := &noopMem{}
	q := virtqueue.New(0, mem)
	_ = q.Configure(0, 0x1000, 0x2000, 4)
	q.Enable()

	d.ReportVirtioError(q)
	if !q.Broken() {
		t.Fatalf("expected queue to be marked broken")
	}
	if !raised {
		t.Fatalf("expected interrupt to be raised")
	}
}

type noopMem struct{ buf [0x10000]byte }

func (m *noopMem) Translate(addr uint64, length uint32) ([]byte, error) {
	return m.buf[addr : addr+uint64(length)], nil
}
