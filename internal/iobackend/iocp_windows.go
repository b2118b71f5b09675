//go:build windows

package iobackend

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows"
)

// opSlot owns the overlapped control block and buffer region for one
// in-flight operation. Per spec.md section 4.2.2 and section 9, both
// must remain alive and unmodified until the completion packet is
// dequeued; opSlot is kept alive by iocpBackend.slots for exactly that
// reason, never stack-allocated per call.
type opSlot struct {
	overlapped windows.Overlapped
	buf        []byte
	fd         windows.Handle
	write      bool
	active     bool
}

// iocpBackend is the Windows completion-port backend from spec.md
// section 4.2.2.
type iocpBackend struct {
	port  windows.Handle
	slots [int(numTags)]opSlot

	inFlight
}

func newIocpBackend() (Backend, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("CreateIoCompletionPort: %w", err)
	}
	return &iocpBackend{port: port}, nil
}

func (b *iocpBackend) Kind() Kind { return KindCompletionPort }

func (b *iocpBackend) associate(fd windows.Handle, tag Tag) error {
	_, err := windows.CreateIoCompletionPort(fd, b.port, uintptr(tag)+1, 0)
	// ERROR_INVALID_PARAMETER is returned when the handle is already
	// associated with this port, which is expected on the second and
	// later operations against the same fd; anything else is fatal.
	if err != nil && err != windows.ERROR_INVALID_PARAMETER {
		return fmt.Errorf("associate fd with completion port: %w", err)
	}
	return nil
}

func (b *iocpBackend) SubmitRead(fd Fd, buf []byte, tag Tag) error {
	if err := b.mark(tag); err != nil {
		return err
	}
	h := windows.Handle(fd)
	if err := b.associate(h, tag); err != nil {
		b.clear(tag)
		return err
	}
	slot := &b.slots[tag]
	*slot = opSlot{buf: buf, fd: h, active: true}

	var done uint32
	err := windows.ReadFile(h, buf, &done, &slot.overlapped)
	if err != nil && err != windows.ERROR_IO_PENDING {
		b.clear(tag)
		slot.active = false
		return fmt.Errorf("ReadFile: %w", err)
	}
	// ERROR_IO_PENDING is the expected, successful case: the read is
	// queued and will be reported by GetQueuedCompletionStatus.
	return nil
}

func (b *iocpBackend) SubmitWrite(fd Fd, buf []byte, tag Tag) error {
	if err := b.mark(tag); err != nil {
		return err
	}
	h := windows.Handle(fd)
	if err := b.associate(h, tag); err != nil {
		b.clear(tag)
		return err
	}
	slot := &b.slots[tag]
	*slot = opSlot{buf: buf, fd: h, write: true, active: true}

	var done uint32
	err := windows.WriteFile(h, buf, &done, &slot.overlapped)
	if err != nil && err != windows.ERROR_IO_PENDING {
		b.clear(tag)
		slot.active = false
		return fmt.Errorf("WriteFile: %w", err)
	}
	return nil
}

func (b *iocpBackend) Cancel(fd Fd, tag Tag) error {
	slot := &b.slots[tag]
	if !slot.active {
		return nil
	}
	if err := windows.CancelIoEx(slot.fd, &slot.overlapped); err != nil && err != windows.ERROR_NOT_FOUND {
		return fmt.Errorf("CancelIoEx: %w", err)
	}
	// The completion for the cancelled operation still arrives on the
	// port; slot stays active and alive until Wait observes it.
	return nil
}

func (b *iocpBackend) Close() error {
	return windows.CloseHandle(b.port)
}

func (b *iocpBackend) Wait(timeout time.Duration) (Completion, error) {
	ms := uint32(windows.INFINITE)
	if timeout > 0 {
		ms = uint32(timeout.Milliseconds())
	}

	var bytes uint32
	var key uintptr
	var overlapped *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(b.port, &bytes, &key, &overlapped, ms)
	if err != nil {
		if err == windows.WAIT_TIMEOUT {
			return Completion{}, ErrWaitTimeout
		}
		if overlapped == nil {
			return Completion{}, fmt.Errorf("GetQueuedCompletionStatus: %w", err)
		}
		// A failed op still completes with an overlapped pointer; fall
		// through and report it as a negative-byte-count completion.
	}

	tag := Tag(key - 1)
	if tag < 0 || tag >= numTags {
		return Completion{}, ErrWaitTimeout
	}
	slot := &b.slots[tag]
	slot.active = false
	b.clear(tag)

	if err != nil {
		return Completion{Tag: tag, N: -1}, nil
	}
	return Completion{Tag: tag, N: int(bytes)}, nil
}

func newPlatformBackend() (Backend, error) {
	return newIocpBackend()
}
