package ioloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func mustPipe(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegisterAndDispatch(t *testing.T) {
	loop, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()

	r, w := mustPipe(t)
	fired := 0
	if err := loop.Register(r, unix.EPOLLIN, func(fd int, events uint32) []Op {
		fired++
		var buf [16]byte
		unix.Read(fd, buf[:])
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	unix.Write(w, []byte("x"))

	if _, err := loop.RunOnce(100 * time.Millisecond); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestDeleteCancelsCallback(t *testing.T) {
	loop, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()

	r, w := mustPipe(t)
	fired := false
	if err := loop.Register(r, unix.EPOLLIN, func(fd int, events uint32) []Op {
		fired = true
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	unix.Write(w, []byte("x"))
	if err := loop.Update([]Op{{FD: r, Disposition: Delete}}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := loop.RunOnce(50 * time.Millisecond); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if fired {
		t.Fatalf("deleted fd's callback should not have fired")
	}
}

func TestParkAndResume(t *testing.T) {
	loop, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()

	r, w := mustPipe(t)
	fired := 0
	if err := loop.Register(r, unix.EPOLLIN, func(fd int, events uint32) []Op {
		fired++
		var buf [16]byte
		unix.Read(fd, buf[:])
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := loop.Update([]Op{{FD: r, Disposition: Park}}); err != nil {
		t.Fatalf("park: %v", err)
	}
	unix.Write(w, []byte("x"))
	if _, err := loop.RunOnce(20 * time.Millisecond); err != nil {
		t.Fatalf("RunOnce while parked: %v", err)
	}
	if fired != 0 {
		t.Fatalf("parked fd should not fire, fired=%d", fired)
	}

	if err := loop.Update([]Op{{FD: r, Disposition: Resume}}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := loop.RunOnce(200 * time.Millisecond); err != nil {
		t.Fatalf("RunOnce after resume: %v", err)
	}
	if fired != 1 {
		t.Fatalf("resumed fd fired=%d, want 1", fired)
	}
}

func TestTimerCapsWait(t *testing.T) {
	loop, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()

	done := make(chan struct{})
	loop.RegisterTimer(time.Now().Add(10*time.Millisecond), func() {
		close(done)
	})

	start := time.Now()
	if _, err := loop.RunOnce(5 * time.Second); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	elapsed := time.Since(start)
	select {
	case <-done:
	default:
		t.Fatalf("timer callback did not fire")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("RunOnce took %v, expected to be capped by the timer deadline", elapsed)
	}
}
