package dvc

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Direction identifies the read or write side of a channel.
type Direction int

const (
	// DirRead is the inbound direction.
	DirRead Direction = iota
	// DirWrite is the outbound direction.
	DirWrite
)

func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// OpContext is the state of the single operation a direction may have in
// flight. One is created per direction and reused for every call; the mutex
// gives a call exclusive use of it until the operation has fully completed.
type OpContext struct {
	mu       sync.Mutex
	dir      Direction
	inFlight bool

	// sys holds the platform state of the pending operation, such as an
	// overlapped structure and its event.
	sys     any
	release func() error
}

// NewOpContext returns an OpContext without platform state.
func NewOpContext(dir Direction) *OpContext {
	return &OpContext{dir: dir}
}

// Direction returns the direction the context serves.
func (oc *OpContext) Direction() Direction {
	return oc.dir
}

// Close releases the platform state of the context.
func (oc *OpContext) Close() error {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	if oc.release == nil {
		return nil
	}
	release := oc.release
	oc.release = nil
	return release()
}

// AsyncFile is a channel handle whose reads and writes may complete later.
//
// Submit starts a transfer of p using oc. If the transfer finished at once it
// returns the byte count. If it is still in progress it returns ErrPending and
// the caller must call Wait with the same context before submitting again.
// For reads, every completed transfer is exactly one fragment.
type AsyncFile interface {
	// NewOpContext allocates the per-direction state Submit and Wait use.
	NewOpContext(dir Direction) (*OpContext, error)
	Submit(oc *OpContext, p []byte) (int, error)
	// Wait blocks until the pending operation on oc completes and returns the
	// byte count transferred. A positive timeout bounds the wait; on expiry the
	// operation is cancelled, drained and ErrTimeout returned.
	Wait(oc *OpContext, timeout time.Duration) (int, error)
	Close() error
}

// Adapter presents blocking Read and Write calls over an AsyncFile, hiding
// whether each operation completed immediately or had to be waited for.
type Adapter struct {
	file    AsyncFile
	read    *OpContext
	write   *OpContext
	timeout time.Duration
	logger  Logger
	metrics *Metrics
}

// NewAdapter creates an Adapter that uses one context per direction for
// every call. Only the timeout, logger and metrics options apply.
func NewAdapter(file AsyncFile, read, write *OpContext, opt ...Option) *Adapter {
	return newAdapter(file, read, write, newOptions(opt...))
}

func newAdapter(file AsyncFile, read, write *OpContext, opts options) *Adapter {
	return &Adapter{
		file:    file,
		read:    read,
		write:   write,
		timeout: opts.timeout,
		logger:  opts.logger,
		metrics: opts.metrics,
	}
}

// Read reads the next fragment into p.
func (a *Adapter) Read(p []byte) (int, error) {
	return a.transfer(a.read, p)
}

// Write writes p as one transfer. A short write is reported as is.
func (a *Adapter) Write(p []byte) (int, error) {
	return a.transfer(a.write, p)
}

func (a *Adapter) transfer(oc *OpContext, p []byte) (int, error) {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	if oc.inFlight {
		return 0, errors.Wrapf(ErrBusy, "%s context", oc.dir)
	}

	a.logger.Debug("submit", "direction", oc.dir, "size", len(p))
	n, err := a.file.Submit(oc, p)
	if err == nil {
		a.metrics.transferred(oc.dir, n, false)
		return n, nil
	}
	if !errors.Is(err, ErrPending) {
		return 0, a.fail(newTransportError("submit", oc.dir, err))
	}

	a.logger.Debug("operation pending", "direction", oc.dir, "timeout", a.timeout)
	oc.inFlight = true
	n, err = a.file.Wait(oc, a.timeout)
	if err != nil {
		// A context whose operation could not be drained stays busy.
		if drained(err) {
			oc.inFlight = false
		}
		return 0, a.fail(newTransportError("wait", oc.dir, err))
	}
	oc.inFlight = false

	a.logger.Debug("operation completed", "direction", oc.dir, "size", n)
	a.metrics.transferred(oc.dir, n, true)
	return n, nil
}

func (a *Adapter) fail(err *TransportError) error {
	a.logger.Debug("transport failure", "direction", err.Dir, "op", err.Op, "error", err.Err)
	a.metrics.failure(err)
	return err
}

// errNotDrained marks a wait failure after which the kernel may still own the
// operation's buffers.
var errNotDrained = errors.New("dvc: operation not drained")

// notDrainedError is a wait failure whose operation could not be cancelled.
type notDrainedError struct {
	cause  error
	cancel error
}

func (e *notDrainedError) Error() string {
	return fmt.Sprintf("%v (cancel: %v)", e.cause, e.cancel)
}

func (e *notDrainedError) Unwrap() []error {
	return []error{e.cause, errNotDrained}
}

func drained(err error) bool {
	return !errors.Is(err, errNotDrained)
}
