// Package execsession implements the bi-directional byte shuttle
// between a network endpoint and a spawned child process's standard
// streams: a single-threaded, non-blocking event loop with bounded
// buffers, flow control and timeouts, built on the platform-specific
// backends in internal/iobackend.
//
// Extracting the raw socket and pipe descriptors and driving them
// through iobackend means this package never calls net.Conn.Read,
// net.Conn.Write, or os.File.Read/Write while the event loop runs —
// all I/O in the loop goes through the backend's submit/wait contract,
// so there is exactly one owner of each descriptor's read/write state.
// The one exception is finalFlush, which writes leftover output with
// net.Conn.Write after the loop has exited.
package execsession

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"github.com/higebu/netfd"

	"github.com/stlalpha/zigcat/internal/flowstate"
	"github.com/stlalpha/zigcat/internal/iobackend"
	"github.com/stlalpha/zigcat/internal/metrics"
	"github.com/stlalpha/zigcat/internal/ringbuf"
	"github.com/stlalpha/zigcat/internal/timeouttracker"
)

// ErrFlowControlExceeded is the strict, documented-bug-shaped failure
// spec.md section 4.1 mandates when total buffered bytes exceed
// MaxTotalBufferBytes despite correct submission rules.
var ErrFlowControlExceeded = errors.New("execsession: total buffered bytes exceeded max_total_buffer_bytes")

// TimeoutError reports which of the three independent deadlines fired.
type TimeoutError struct {
	Kind timeouttracker.Kind
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execsession: %s timeout", e.Kind)
}

// Config holds the tunables described in spec.md sections 3 and 4.1.
type Config struct {
	StdinBufBytes  int
	StdoutBufBytes int
	StderrBufBytes int

	MaxTotalBufferBytes int
	PausePercent        float64 // 0 disables flow control
	ResumePercent       float64

	ExecutionTimeout time.Duration
	IdleTimeout      time.Duration
	ConnectTimeout   time.Duration

	// PollInterval bounds how long one backend Wait call blocks before
	// returning ErrWaitTimeout, so timeouts and shutdown signals are
	// re-checked promptly.
	PollInterval time.Duration

	// UsePTY attaches the child to a pseudo-terminal instead of plain
	// pipes, for programs that require a controlling tty (editors,
	// shells expecting job control). stdout and stderr are merged onto
	// the one PTY master, matching the teacher's RunCommandWithPTY.
	UsePTY bool

	// Metrics, if set, is notified of session starts via IncExecSessions.
	Metrics *metrics.Collector
}

func (c *Config) setDefaults() {
	if c.StdinBufBytes == 0 {
		c.StdinBufBytes = 64 * 1024
	}
	if c.StdoutBufBytes == 0 {
		c.StdoutBufBytes = 64 * 1024
	}
	if c.StderrBufBytes == 0 {
		c.StderrBufBytes = 64 * 1024
	}
	if c.MaxTotalBufferBytes == 0 {
		c.MaxTotalBufferBytes = c.StdinBufBytes + c.StdoutBufBytes + c.StderrBufBytes
	}
	if c.PollInterval == 0 {
		c.PollInterval = 200 * time.Millisecond
	}
}

type closedFlags struct {
	socketRead  bool
	socketWrite bool
	childStdin  bool
	childStdout bool
	childStderr bool
}

// writeSource identifies which buffer fed the in-flight SocketWrite,
// since stdout and stderr share the one socket-write slot.
type writeSource int

const (
	writeNone writeSource = iota
	writeStdout
	writeStderr
)

// Session is one exec-session instance: socket <-> child process.
type Session struct {
	cfg Config

	socket   net.Conn
	socketFd uintptr
	cmd      *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	stdinFd, stdoutFd, stderrFd uintptr

	stdinBuf, stdoutBuf, stderrBuf *ringbuf.Buffer

	closed       closedFlags
	timeouts     *timeouttracker.Tracker
	flow         *flowstate.State
	backend      iobackend.Backend
	pending      map[iobackend.Tag]bool
	socketWriteFrom writeSource
}

// fdHaver is implemented by the *os.File values os/exec's pipe
// accessors return.
type fdHaver interface {
	Fd() uintptr
}

// New spawns cmd with piped stdio and prepares a Session to shuttle
// bytes between it and socket. The child is started but no I/O is
// submitted until Run is called.
func New(socket net.Conn, cmd *exec.Cmd, cfg Config) (*Session, error) {
	cfg.setDefaults()

	if cfg.UsePTY {
		return newPTYSession(socket, cmd, cfg)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("execsession: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("execsession: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("execsession: stderr pipe: %w", err)
	}

	stdinFh, ok := stdin.(fdHaver)
	if !ok {
		return nil, fmt.Errorf("execsession: stdin pipe has no file descriptor")
	}
	stdoutFh, ok := stdout.(fdHaver)
	if !ok {
		return nil, fmt.Errorf("execsession: stdout pipe has no file descriptor")
	}
	stderrFh, ok := stderr.(fdHaver)
	if !ok {
		return nil, fmt.Errorf("execsession: stderr pipe has no file descriptor")
	}

	backend, err := iobackend.New()
	if err != nil {
		return nil, fmt.Errorf("execsession: no I/O backend available: %w", err)
	}

	if err := cmd.Start(); err != nil {
		backend.Close()
		return nil, fmt.Errorf("execsession: start child: %w", err)
	}

	flow := flowstate.New(cfg.MaxTotalBufferBytes, cfg.PausePercent, cfg.ResumePercent)
	if err := flow.Validate(cfg.MaxTotalBufferBytes); err != nil {
		cmd.Process.Kill()
		backend.Close()
		return nil, fmt.Errorf("execsession: %w", err)
	}

	if cfg.Metrics != nil {
		cfg.Metrics.IncExecSessions()
	}

	return &Session{
		cfg:      cfg,
		socket:   socket,
		socketFd: uintptr(netfd.GetFdFromConn(socket)),
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		stdinFd:  stdinFh.Fd(),
		stdoutFd: stdoutFh.Fd(),
		stderrFd: stderrFh.Fd(),

		stdinBuf:  ringbuf.New(cfg.StdinBufBytes),
		stdoutBuf: ringbuf.New(cfg.StdoutBufBytes),
		stderrBuf: ringbuf.New(cfg.StderrBufBytes),

		timeouts: timeouttracker.New(cfg.ExecutionTimeout, cfg.IdleTimeout, cfg.ConnectTimeout),
		flow:     flow,
		backend:  backend,
		pending:  make(map[iobackend.Tag]bool),
	}, nil
}

// newPTYSession is the UsePTY branch of New, grounded on the teacher's
// internal/transfer/pty.go RunCommandWithPTY: pty.Start merges the
// child's stdin/stdout/stderr onto one master file, which this session
// treats as both the "stdin" and "stdout" descriptor. The child never
// gets a separate stderr stream in PTY mode, matching the teacher's
// combined-stream behavior.
func newPTYSession(socket net.Conn, cmd *exec.Cmd, cfg Config) (*Session, error) {
	backend, err := iobackend.New()
	if err != nil {
		return nil, fmt.Errorf("execsession: no I/O backend available: %w", err)
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("execsession: start child under pty: %w", err)
	}

	flow := flowstate.New(cfg.MaxTotalBufferBytes, cfg.PausePercent, cfg.ResumePercent)
	if err := flow.Validate(cfg.MaxTotalBufferBytes); err != nil {
		cmd.Process.Kill()
		ptmx.Close()
		backend.Close()
		return nil, fmt.Errorf("execsession: %w", err)
	}

	deadStderr := io.NopCloser(bytes.NewReader(nil))

	if cfg.Metrics != nil {
		cfg.Metrics.IncExecSessions()
	}

	return &Session{
		cfg:      cfg,
		socket:   socket,
		socketFd: uintptr(netfd.GetFdFromConn(socket)),
		cmd:      cmd,
		stdin:    ptmx,
		stdout:   ptmx,
		stderr:   deadStderr,
		stdinFd:  ptmx.Fd(),
		stdoutFd: ptmx.Fd(),
		stderrFd: ^uintptr(0),

		stdinBuf:  ringbuf.New(cfg.StdinBufBytes),
		stdoutBuf: ringbuf.New(cfg.StdoutBufBytes),
		stderrBuf: ringbuf.New(cfg.StderrBufBytes),

		closed: closedFlags{childStderr: true},

		timeouts: timeouttracker.New(cfg.ExecutionTimeout, cfg.IdleTimeout, cfg.ConnectTimeout),
		flow:     flow,
		backend:  backend,
		pending:  make(map[iobackend.Tag]bool),
	}, nil
}

// shouldContinue implements the end condition from spec.md section
// 4.1: false iff every one of the four conditions holds.
func (s *Session) shouldContinue() bool {
	noOutboundBuffered := s.stdoutBuf.IsEmpty() && s.stderrBuf.IsEmpty()
	childOutClosed := s.closed.childStdout && s.closed.childStderr
	noInboundBuffered := s.stdinBuf.IsEmpty()
	inwardDone := s.closed.socketRead || s.closed.childStdin

	allHold := noOutboundBuffered && childOutClosed && noInboundBuffered && inwardDone
	return !allHold
}

// Run drives the event loop until the end condition is reached, a
// timeout fires, an unrecoverable error occurs, or ctx is cancelled.
// It always releases all session resources before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.release()

	for s.shouldContinue() {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.submit()

		comp, err := s.backend.Wait(s.cfg.PollInterval)
		if err == iobackend.ErrWaitTimeout {
			if kind := s.timeouts.Check(time.Now()); kind != timeouttracker.None {
				s.killChild()
				return &TimeoutError{Kind: kind}
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("execsession: backend wait: %w", err)
		}

		s.complete(comp)

		total := s.stdinBuf.Readable() + s.stdoutBuf.Readable() + s.stderrBuf.Readable()
		if total > s.cfg.MaxTotalBufferBytes {
			return ErrFlowControlExceeded
		}
		s.flow.Update(total)

		if kind := s.timeouts.Check(time.Now()); kind != timeouttracker.None {
			s.killChild()
			return &TimeoutError{Kind: kind}
		}
	}

	s.finalFlush()
	return nil
}

// submit requests every I/O operation the current state allows, per
// the submission rules of spec.md section 4.1.
func (s *Session) submit() {
	// Socket -> stdin_buf
	if !s.pending[iobackend.SocketRead] && !s.closed.socketRead && !s.closed.childStdin &&
		!s.flow.Paused && s.stdinBuf.Writable() > 0 {
		buf := s.stdinBuf.WritableSlice()
		if err := s.backend.SubmitRead(s.socketFd, buf, iobackend.SocketRead); err == nil {
			s.pending[iobackend.SocketRead] = true
		}
	}

	// stdout_buf / stderr_buf -> socket, stdout prioritized.
	if !s.pending[iobackend.SocketWrite] && !s.closed.socketWrite {
		switch {
		case s.stdoutBuf.Readable() > 0:
			buf := s.stdoutBuf.ReadableSlice()
			if err := s.backend.SubmitWrite(s.socketFd, buf, iobackend.SocketWrite); err == nil {
				s.pending[iobackend.SocketWrite] = true
				s.socketWriteFrom = writeStdout
			}
		case s.stderrBuf.Readable() > 0:
			buf := s.stderrBuf.ReadableSlice()
			if err := s.backend.SubmitWrite(s.socketFd, buf, iobackend.SocketWrite); err == nil {
				s.pending[iobackend.SocketWrite] = true
				s.socketWriteFrom = writeStderr
			}
		}
	}

	// Child stdout/stderr -> respective buf.
	if !s.pending[iobackend.StdoutRead] && !s.closed.childStdout &&
		!s.flow.Paused && s.stdoutBuf.Writable() > 0 {
		buf := s.stdoutBuf.WritableSlice()
		if err := s.backend.SubmitRead(s.stdoutFd, buf, iobackend.StdoutRead); err == nil {
			s.pending[iobackend.StdoutRead] = true
		}
	}
	if !s.pending[iobackend.StderrRead] && !s.closed.childStderr &&
		!s.flow.Paused && s.stderrBuf.Writable() > 0 {
		buf := s.stderrBuf.WritableSlice()
		if err := s.backend.SubmitRead(s.stderrFd, buf, iobackend.StderrRead); err == nil {
			s.pending[iobackend.StderrRead] = true
		}
	}

	// stdin_buf -> child stdin, or EOF propagation.
	if !s.closed.childStdin {
		if !s.pending[iobackend.StdinWrite] && s.stdinBuf.Readable() > 0 {
			buf := s.stdinBuf.ReadableSlice()
			if err := s.backend.SubmitWrite(s.stdinFd, buf, iobackend.StdinWrite); err == nil {
				s.pending[iobackend.StdinWrite] = true
			}
		} else if s.closed.socketRead && s.stdinBuf.IsEmpty() && !s.pending[iobackend.StdinWrite] {
			s.stdin.Close()
			s.closed.childStdin = true
		}
	}
}

// complete applies the completion rules of spec.md section 4.1 for
// one reported operation.
func (s *Session) complete(c iobackend.Completion) {
	s.pending[c.Tag] = false

	switch c.Tag {
	case iobackend.SocketRead:
		switch {
		case c.N < 0:
			s.closed.socketRead = true
		case c.N == 0:
			s.closed.socketRead = true
		default:
			s.stdinBuf.Commit(c.N)
			s.timeouts.MarkActivity(time.Now())
		}

	case iobackend.StdoutRead:
		switch {
		case c.N < 0:
			s.closed.childStdout = true
		case c.N == 0:
			s.closed.childStdout = true
		default:
			s.stdoutBuf.Commit(c.N)
			s.timeouts.MarkActivity(time.Now())
		}

	case iobackend.StderrRead:
		switch {
		case c.N < 0:
			s.closed.childStderr = true
		case c.N == 0:
			s.closed.childStderr = true
		default:
			s.stderrBuf.Commit(c.N)
			s.timeouts.MarkActivity(time.Now())
		}

	case iobackend.StdinWrite:
		if c.N < 0 {
			s.closed.childStdin = true
			return
		}
		s.stdinBuf.Consume(c.N)
		s.timeouts.MarkActivity(time.Now())

	case iobackend.SocketWrite:
		if c.N < 0 {
			s.closed.socketWrite = true
			return
		}
		switch s.socketWriteFrom {
		case writeStdout:
			s.stdoutBuf.Consume(c.N)
		case writeStderr:
			s.stderrBuf.Consume(c.N)
		}
		s.socketWriteFrom = writeNone
		s.timeouts.MarkActivity(time.Now())
	}
}

// finalFlush drains any remaining stdout/stderr bytes to the socket
// with direct blocking writes (the event loop has already exited, so
// there is no backend contention), then half-closes the socket's
// write side to signal EOF to the peer.
func (s *Session) finalFlush() {
	for !s.closed.socketWrite {
		var buf []byte
		switch {
		case s.stdoutBuf.Readable() > 0:
			buf = make([]byte, s.stdoutBuf.Readable())
			n := s.stdoutBuf.Read(buf)
			buf = buf[:n]
		case s.stderrBuf.Readable() > 0:
			buf = make([]byte, s.stderrBuf.Readable())
			n := s.stderrBuf.Read(buf)
			buf = buf[:n]
		default:
			goto shutdown
		}
		if _, err := s.socket.Write(buf); err != nil {
			s.closed.socketWrite = true
		}
	}

shutdown:
	if hc, ok := s.socket.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
	s.closed.socketWrite = true
}

func (s *Session) killChild() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// release closes every resource the session owns exactly once and
// reaps the child, guaranteeing no descriptor leak regardless of how
// Run exited.
func (s *Session) release() {
	if !s.closed.childStdin {
		_ = s.stdin.Close()
		s.closed.childStdin = true
	}
	// In PTY mode stdout is the same master file as stdin, already
	// closed above or during EOF propagation.
	if any(s.stdout) != any(s.stdin) {
		_ = s.stdout.Close()
	}
	_ = s.stderr.Close()
	s.closed.childStdout = true
	s.closed.childStderr = true

	_ = s.backend.Close()

	if s.cmd.Process != nil {
		_, _ = s.cmd.Process.Wait()
	}
}
