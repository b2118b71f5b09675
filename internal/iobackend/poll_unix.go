//go:build unix

package iobackend

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend is the portable readiness backend from spec.md section
// 4.2.3: a poll array covering socket, child stdin, child stdout and
// child stderr, rebuilt each turn with one entry per in-flight tag (so
// socket read and socket write are separate entries).
type pollBackend struct {
	fds    map[Tag]Fd
	bufs   map[Tag][]byte
	inFlight
}

func newPollBackend() (Backend, error) {
	return &pollBackend{
		fds:  make(map[Tag]Fd),
		bufs: make(map[Tag][]byte),
	}, nil
}

func (b *pollBackend) Kind() Kind { return KindReadiness }

func (b *pollBackend) SubmitRead(fd Fd, buf []byte, tag Tag) error {
	if err := b.mark(tag); err != nil {
		return err
	}
	b.fds[tag] = fd
	b.bufs[tag] = buf
	return nil
}

func (b *pollBackend) SubmitWrite(fd Fd, buf []byte, tag Tag) error {
	if err := b.mark(tag); err != nil {
		return err
	}
	b.fds[tag] = fd
	b.bufs[tag] = buf
	return nil
}

func (b *pollBackend) Cancel(fd Fd, tag Tag) error {
	b.clear(tag)
	delete(b.fds, tag)
	delete(b.bufs, tag)
	return nil
}

func (b *pollBackend) Close() error { return nil }

// isWriteTag reports whether tag represents an outbound operation, so
// Wait knows whether to arm POLLOUT or POLLIN for it.
func isWriteTag(tag Tag) bool {
	return tag == SocketWrite || tag == StdinWrite
}

// Wait polls every fd with an in-flight operation and performs exactly
// one non-blocking read or write for the first slot that becomes
// ready, returning its completion. HUP/ERR/NVAL on a slot is reported
// as a negative (error) completion, without attempting a read or
// write, so the caller closes that direction.
func (b *pollBackend) Wait(timeout time.Duration) (Completion, error) {
	var tags []Tag
	var pfds []unix.PollFd
	for tag, fd := range b.fds {
		var events int16 = unix.POLLIN
		if isWriteTag(tag) {
			events = unix.POLLOUT
		}
		tags = append(tags, tag)
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	if len(pfds) == 0 {
		return Completion{}, ErrWaitTimeout
	}

	ms := -1
	if timeout > 0 {
		ms = int(timeout.Milliseconds())
	}

	n, err := unix.Poll(pfds, ms)
	if err != nil {
		if err == unix.EINTR {
			return Completion{}, ErrWaitTimeout
		}
		return Completion{}, err
	}
	if n == 0 {
		return Completion{}, ErrWaitTimeout
	}

	for i, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		tag := tags[i]
		fd := b.fds[tag]
		buf := b.bufs[tag]
		b.clear(tag)
		delete(b.fds, tag)
		delete(b.bufs, tag)

		if pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			return Completion{Tag: tag, N: -1}, nil
		}

		if isWriteTag(tag) {
			written, werr := unix.Write(int(fd), buf)
			if werr != nil {
				if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK || werr == unix.EINTR {
					// Transient; caller will resubmit next turn.
					return Completion{}, ErrWaitTimeout
				}
				return Completion{Tag: tag, N: -1}, nil
			}
			return Completion{Tag: tag, N: written}, nil
		}

		nread, rerr := unix.Read(int(fd), buf)
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK || rerr == unix.EINTR {
				return Completion{}, ErrWaitTimeout
			}
			return Completion{Tag: tag, N: -1}, nil
		}
		return Completion{Tag: tag, N: nread}, nil
	}

	return Completion{}, ErrWaitTimeout
}
