//go:build linux

package dvc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pollSlice bounds one poll call so a wait notices the file being closed.
const pollSlice = 100 * time.Millisecond

// unixFile is a non-blocking SOCK_SEQPACKET socket. Each datagram is one
// fragment, the way a virtual channel delivers one chunk per read.
// EAGAIN is the pending completion; readiness from poll completes it.
type unixFile struct {
	fd     int
	closed atomic.Bool

	// mu is held shared around every syscall on fd and exclusively by Close,
	// so the descriptor is never used after it has been released.
	mu sync.RWMutex
}

// DialUnix connects to the SOCK_SEQPACKET unix socket at path.
func DialUnix(path string) (AsyncFile, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "dvc: socket")
	}

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "dvc: connect %s", path)
	}

	return NewUnixFile(fd)
}

// NewUnixFile switches fd to non-blocking mode and takes ownership of it.
func NewUnixFile(fd int) (AsyncFile, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "dvc: set non-blocking")
	}
	return &unixFile{fd: fd}, nil
}

// Dial opens the channel served on the unix socket at path.
func Dial(path string, opt ...Option) (*Channel, error) {
	file, err := DialUnix(path)
	if err != nil {
		return nil, err
	}
	return NewChannel(file, opt...)
}

func (f *unixFile) NewOpContext(dir Direction) (*OpContext, error) {
	return NewOpContext(dir), nil
}

func (f *unixFile) Submit(oc *OpContext, p []byte) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed.Load() {
		return 0, ErrChannelClosed
	}

	n, err := f.transfer(oc.dir, p)
	if errors.Is(err, unix.EAGAIN) {
		oc.sys = p
		return 0, ErrPending
	}
	return n, err
}

func (f *unixFile) Wait(oc *OpContext, timeout time.Duration) (int, error) {
	p, _ := oc.sys.([]byte)
	defer func() { oc.sys = nil }()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		slice := pollSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, ErrTimeout
			}
			slice = min(slice, remaining)
		}

		n, done, err := f.poll(oc.dir, p, slice)
		if done {
			return n, err
		}
	}
}

// poll waits up to slice for fd to become ready and retries the transfer.
// done is false when the transfer is still pending.
func (f *unixFile) poll(dir Direction, p []byte, slice time.Duration) (n int, done bool, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed.Load() {
		return 0, true, ErrChannelClosed
	}

	events := int16(unix.POLLIN)
	if dir == DirWrite {
		events = unix.POLLOUT
	}

	fds := []unix.PollFd{{Fd: int32(f.fd), Events: events}}
	ready, err := unix.Poll(fds, int(slice/time.Millisecond))
	if errors.Is(err, unix.EINTR) || (err == nil && ready == 0) {
		return 0, false, nil
	}
	if err != nil {
		return 0, true, err
	}

	n, err = f.transfer(dir, p)
	if errors.Is(err, unix.EAGAIN) {
		return 0, false, nil
	}
	return n, true, err
}

func (f *unixFile) transfer(dir Direction, p []byte) (int, error) {
	for {
		var n int
		var err error
		if dir == DirWrite {
			n, err = unix.Write(f.fd, p)
		} else {
			n, err = unix.Read(f.fd, p)
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Close waits for an in-progress poll slice to end before releasing the
// descriptor.
func (f *unixFile) Close() error {
	if f.closed.Swap(true) {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return unix.Close(f.fd)
}
