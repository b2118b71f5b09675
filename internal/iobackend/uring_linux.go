//go:build linux

package iobackend

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux io_uring syscall numbers. These are part of the "generic"
// syscall table shared across the architectures the Go toolchain
// targets for syscalls introduced after table unification, so one set
// of numbers covers amd64 and arm64 alike.
const (
	sysIoUringSetup  = 425
	sysIoUringEnter  = 426
	sysIoUringRegister = 427
)

const (
	ioUringOpRead  = 22
	ioUringOpWrite = 23

	ioUringEnterGetEvents = 1 << 0
)

// io_uring_params mirrors struct io_uring_params from linux/io_uring.h.
type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        ioSqringOffsets
	cqOff        ioCqringOffsets
}

type ioSqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	resv2       uint64
}

type ioCqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	resv2       uint64
}

// io_uring_sqe mirrors struct io_uring_sqe, 64 bytes.
type ioUringSQE struct {
	opcode   uint8
	flags    uint8
	ioprio   uint16
	fd       int32
	off      uint64
	addr     uint64
	len      uint32
	opFlags  uint32
	userData uint64
	_        [24]byte // buf_index/personality/file_index + padding
}

// io_uring_cqe mirrors struct io_uring_cqe, 16 bytes.
type ioUringCQE struct {
	userData uint64
	res      int32
	flags    uint32
}

const queueDepth = 32 // five operation slots plus headroom, per spec.md

// uringBackend is the Linux submission/completion backend from
// spec.md section 4.2.1. Each submission takes the next SQE at the
// ring's tail, and the user data of each tag's in-flight operation is
// remembered to match its completion; a single mmap'd
// submission/completion ring serves the whole session, matching the "32-64 entries suffices for one exec session"
// sizing note.
type uringBackend struct {
	fd int

	sqPtr, cqPtr, sqePtr []byte
	params               ioUringParams

	sqHead, sqTail, sqMask, sqArray *uint32
	cqHead, cqTail, cqMask          *uint32
	sqes                            []ioUringSQE
	cqes                            []ioUringCQE

	tagUserData map[Tag]uint64
	nextUserData uint64

	inFlight
}

func probeIoUring() (int, ioUringParams, error) {
	var params ioUringParams
	r1, _, errno := unix.Syscall(sysIoUringSetup, uintptr(queueDepth), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return -1, params, fmt.Errorf("io_uring_setup: %w", errno)
	}
	return int(r1), params, nil
}

func newUringBackend() (Backend, error) {
	fd, params, err := probeIoUring()
	if err != nil {
		return nil, err
	}

	sqRingSize := int(params.sqOff.array) + int(params.sqEntries)*4
	cqRingSize := int(params.cqOff.cqes) + int(params.cqEntries)*16

	sqPtr, err := unix.Mmap(fd, 0 /*IORING_OFF_SQ_RING*/, sqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap sq ring: %w", err)
	}
	cqPtr, err := unix.Mmap(fd, 0x8000000 /*IORING_OFF_CQ_RING*/, cqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqPtr)
		unix.Close(fd)
		return nil, fmt.Errorf("mmap cq ring: %w", err)
	}
	sqePtr, err := unix.Mmap(fd, 0x10000000 /*IORING_OFF_SQES*/, int(params.sqEntries)*64, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqPtr)
		unix.Munmap(cqPtr)
		unix.Close(fd)
		return nil, fmt.Errorf("mmap sqes: %w", err)
	}

	b := &uringBackend{
		fd:          fd,
		sqPtr:       sqPtr,
		cqPtr:       cqPtr,
		sqePtr:      sqePtr,
		params:      params,
		tagUserData: make(map[Tag]uint64),
	}
	b.sqHead = (*uint32)(unsafe.Pointer(&sqPtr[params.sqOff.head]))
	b.sqTail = (*uint32)(unsafe.Pointer(&sqPtr[params.sqOff.tail]))
	b.sqMask = (*uint32)(unsafe.Pointer(&sqPtr[params.sqOff.ringMask]))
	b.sqArray = (*uint32)(unsafe.Pointer(&sqPtr[params.sqOff.array]))
	b.cqHead = (*uint32)(unsafe.Pointer(&cqPtr[params.cqOff.head]))
	b.cqTail = (*uint32)(unsafe.Pointer(&cqPtr[params.cqOff.tail]))
	b.cqMask = (*uint32)(unsafe.Pointer(&cqPtr[params.cqOff.ringMask]))

	b.sqes = unsafe.Slice((*ioUringSQE)(unsafe.Pointer(&sqePtr[0])), params.sqEntries)
	b.cqes = unsafe.Slice((*ioUringCQE)(unsafe.Pointer(&cqPtr[params.cqOff.cqes])), params.cqEntries)

	return b, nil
}

func (b *uringBackend) Kind() Kind { return KindSubmissionCompletion }

func (b *uringBackend) submit(fd Fd, buf []byte, tag Tag, opcode uint8) error {
	if err := b.mark(tag); err != nil {
		return err
	}

	tail := sqAtomicLoad(b.sqTail)
	mask := sqAtomicLoad(b.sqMask)
	idx := tail & mask

	sqe := &b.sqes[idx]
	*sqe = ioUringSQE{}
	sqe.opcode = opcode
	sqe.fd = int32(fd)
	sqe.addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.len = uint32(len(buf))
	b.nextUserData++
	ud := b.nextUserData
	sqe.userData = ud
	b.tagUserData[tag] = ud

	sqArraySlice := unsafe.Slice(b.sqArray, mask+1)
	sqArraySlice[idx] = idx

	sqAtomicStore(b.sqTail, tail+1)
	return nil
}

func (b *uringBackend) SubmitRead(fd Fd, buf []byte, tag Tag) error {
	return b.submit(fd, buf, tag, ioUringOpRead)
}

func (b *uringBackend) SubmitWrite(fd Fd, buf []byte, tag Tag) error {
	return b.submit(fd, buf, tag, ioUringOpWrite)
}

func (b *uringBackend) Cancel(fd Fd, tag Tag) error {
	// Best-effort: the kernel will complete the operation with -ECANCELED
	// or let it run to completion; either way we stop tracking it.
	b.clear(tag)
	delete(b.tagUserData, tag)
	return nil
}

func (b *uringBackend) Close() error {
	unix.Munmap(b.sqePtr)
	unix.Munmap(b.cqPtr)
	unix.Munmap(b.sqPtr)
	return unix.Close(b.fd)
}

func (b *uringBackend) Wait(timeout time.Duration) (Completion, error) {
	head := sqAtomicLoad(b.cqHead)
	tail := sqAtomicLoad(b.cqTail)
	if head == tail {
		_, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(b.fd), 1, 1, ioUringEnterGetEvents, 0, 0)
		if errno != 0 {
			if errno == unix.EINTR || errno == unix.EAGAIN {
				return Completion{}, ErrWaitTimeout
			}
			return Completion{}, fmt.Errorf("io_uring_enter: %w", errno)
		}
	}

	tail = sqAtomicLoad(b.cqTail)
	head = sqAtomicLoad(b.cqHead)
	if head == tail {
		return Completion{}, ErrWaitTimeout
	}

	mask := sqAtomicLoad(b.cqMask)
	cqe := b.cqes[head&mask]
	sqAtomicStore(b.cqHead, head+1)

	var tag Tag = -1
	for t, ud := range b.tagUserData {
		if ud == cqe.userData {
			tag = t
			break
		}
	}
	if tag == -1 {
		return Completion{}, ErrWaitTimeout
	}
	b.clear(tag)
	delete(b.tagUserData, tag)

	return Completion{Tag: tag, N: int(cqe.res)}, nil
}

func sqAtomicLoad(p *uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(p))
}

func sqAtomicStore(p *uint32, v uint32) {
	*(*uint32)(unsafe.Pointer(p)) = v
}

func newPlatformBackend() (Backend, error) {
	if b, err := newUringBackend(); err == nil {
		return b, nil
	}
	return newPollBackend()
}
