package hostio

import (
	"os"
	"testing"
)

func tempFD(t *testing.T) int {
	t.Helper()
	f, err := os.CreateTemp("", "hostio-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	t.Cleanup(func() {
		f.Close()
		os.Remove(f.Name())
	})
	return int(f.Fd())
}

func TestPWriteThenPReadRoundTrip(t *testing.T) {
	fd := tempFD(t)
	want := []byte("hello hostio")
	if err := PWriteFull(fd, want, 128); err != nil {
		t.Fatalf("PWriteFull: %v", err)
	}
	got := make([]byte, len(want))
	if err := PReadFull(fd, got, 128); err != nil {
		t.Fatalf("PReadFull: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPReadPastEOFFails(t *testing.T) {
	fd := tempFD(t)
	if err := PWriteFull(fd, []byte("abc"), 0); err != nil {
		t.Fatalf("PWriteFull: %v", err)
	}
	buf := make([]byte, 16)
	if err := PReadFull(fd, buf, 0); err == nil {
		t.Fatalf("expected short-read error past EOF")
	}
}

func TestFileSizeReflectsWrites(t *testing.T) {
	fd := tempFD(t)
	if err := PWriteFull(fd, []byte("0123456789"), 10); err != nil {
		t.Fatalf("PWriteFull: %v", err)
	}
	size, err := FileSize(fd)
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}
	if size != 20 {
		t.Fatalf("size = %d, want 20", size)
	}
}

func TestFallocateReservesLength(t *testing.T) {
	fd := tempFD(t)
	if err := Fallocate(fd, 0, 0, 4096); err != nil {
		t.Skipf("fallocate unsupported in this environment: %v", err)
	}
	size, err := FileSize(fd)
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}
	if size < 4096 {
		t.Fatalf("size = %d, want >= 4096", size)
	}
}

func TestFdatasyncSucceeds(t *testing.T) {
	fd := tempFD(t)
	if err := PWriteFull(fd, []byte("x"), 0); err != nil {
		t.Fatalf("PWriteFull: %v", err)
	}
	if err := Fdatasync(fd); err != nil {
		t.Fatalf("Fdatasync: %v", err)
	}
}

func TestPReadFullRetriesAcrossShortReads(t *testing.T) {
	// Regression guard: a single unix.Pread call is not guaranteed to
	// fill buf even when enough data exists; PReadFull must loop.
	fd := tempFD(t)
	data := make([]byte, 1<<20)
	for i := range data {
		data[i] = byte(i)
	}
	if err := PWriteFull(fd, data, 0); err != nil {
		t.Fatalf("PWriteFull: %v", err)
	}
	got := make([]byte, len(data))
	if err := PReadFull(fd, got, 0); err != nil {
		t.Fatalf("PReadFull: %v", err)
	}
	for i := range got {
		if got[i] != data[i] {
			t.Fatalf("mismatch at byte %d: got %d want %d", i, got[i], data[i])
		}
	}
}
