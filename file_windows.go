//go:build windows

package dvc

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const (
	wtsCurrentSession       = 0xFFFFFFFF
	wtsChannelOptionDynamic = 0x00000001
	wtsVirtualFileHandle    = 1
)

var (
	modwtsapi32 = windows.NewLazySystemDLL("wtsapi32.dll")

	procWTSVirtualChannelOpenEx = modwtsapi32.NewProc("WTSVirtualChannelOpenEx")
	procWTSVirtualChannelQuery  = modwtsapi32.NewProc("WTSVirtualChannelQuery")
	procWTSVirtualChannelClose  = modwtsapi32.NewProc("WTSVirtualChannelClose")
	procWTSFreeMemory           = modwtsapi32.NewProc("WTSFreeMemory")
)

// wtsFile is the file handle behind a dynamic virtual channel, driven with
// overlapped I/O.
type wtsFile struct {
	channel windows.Handle
	handle  windows.Handle
	closed  atomic.Bool
}

// overlapped is the platform state of an OpContext. Its event is manual reset
// and owned by the context.
type overlapped struct {
	ov windows.Overlapped
}

// OpenWTS opens the dynamic virtual channel name in the current session and
// queries its file handle.
func OpenWTS(name string) (AsyncFile, error) {
	if err := procWTSVirtualChannelOpenEx.Find(); err != nil {
		return nil, errors.Wrap(err, "dvc: wtsapi32 unavailable")
	}

	cname, err := windows.BytePtrFromString(name)
	if err != nil {
		return nil, errors.Wrapf(err, "dvc: channel name %q", name)
	}

	r1, _, e1 := procWTSVirtualChannelOpenEx.Call(
		uintptr(wtsCurrentSession),
		uintptr(unsafe.Pointer(cname)),
		uintptr(wtsChannelOptionDynamic))
	if r1 == 0 {
		return nil, errors.Wrapf(e1, "dvc: open channel %s", name)
	}
	channel := windows.Handle(r1)

	var fh *windows.Handle
	var length uint32
	r1, _, e1 = procWTSVirtualChannelQuery.Call(
		uintptr(channel),
		uintptr(wtsVirtualFileHandle),
		uintptr(unsafe.Pointer(&fh)),
		uintptr(unsafe.Pointer(&length)))
	if r1 == 0 || fh == nil {
		procWTSVirtualChannelClose.Call(uintptr(channel))
		return nil, errors.Wrapf(e1, "dvc: query file handle of %s", name)
	}
	defer procWTSFreeMemory.Call(uintptr(unsafe.Pointer(fh)))

	// The queried handle belongs to the channel; keep our own copy.
	var handle windows.Handle
	self := windows.CurrentProcess()
	err = windows.DuplicateHandle(self, *fh, self, &handle, 0, false, windows.DUPLICATE_SAME_ACCESS)
	if err != nil {
		procWTSVirtualChannelClose.Call(uintptr(channel))
		return nil, errors.Wrap(err, "dvc: duplicate file handle")
	}

	return &wtsFile{channel: channel, handle: handle}, nil
}

// Open opens the dynamic virtual channel name in the current session.
func Open(name string, opt ...Option) (*Channel, error) {
	file, err := OpenWTS(name)
	if err != nil {
		return nil, err
	}
	return NewChannel(file, opt...)
}

func (f *wtsFile) NewOpContext(dir Direction) (*OpContext, error) {
	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dvc: create %s event", dir)
	}

	st := &overlapped{}
	st.ov.HEvent = event

	oc := NewOpContext(dir)
	oc.sys = st
	oc.release = func() error {
		return windows.CloseHandle(event)
	}
	return oc, nil
}

func (f *wtsFile) Submit(oc *OpContext, p []byte) (int, error) {
	if f.closed.Load() {
		return 0, ErrChannelClosed
	}

	st := oc.sys.(*overlapped)
	st.ov = windows.Overlapped{HEvent: st.ov.HEvent}

	var done uint32
	var err error
	if oc.dir == DirWrite {
		err = windows.WriteFile(f.handle, p, &done, &st.ov)
	} else {
		err = windows.ReadFile(f.handle, p, &done, &st.ov)
	}

	if errors.Is(err, windows.ERROR_IO_PENDING) {
		return 0, ErrPending
	}
	if err != nil {
		return 0, err
	}
	return int(done), nil
}

func (f *wtsFile) Wait(oc *OpContext, timeout time.Duration) (int, error) {
	st := oc.sys.(*overlapped)

	if timeout > 0 {
		ms := uint64(timeout / time.Millisecond)
		if ms >= windows.INFINITE {
			ms = windows.INFINITE - 1
		}
		event, err := windows.WaitForSingleObject(st.ov.HEvent, uint32(ms))
		if err != nil {
			return 0, f.abandon(st, err)
		}
		if event == uint32(windows.WAIT_TIMEOUT) {
			return 0, f.abandon(st, ErrTimeout)
		}
	}

	var done uint32
	if err := windows.GetOverlappedResult(f.handle, &st.ov, &done, true); err != nil {
		return 0, err
	}
	return int(done), nil
}

// abandon cancels the pending operation and waits for the cancellation so the
// overlapped structure and buffer can be reused.
func (f *wtsFile) abandon(st *overlapped, cause error) error {
	err := windows.CancelIoEx(f.handle, &st.ov)
	if err != nil && !errors.Is(err, windows.ERROR_NOT_FOUND) {
		return &notDrainedError{cause: cause, cancel: err}
	}

	var done uint32
	_ = windows.GetOverlappedResult(f.handle, &st.ov, &done, true)
	return cause
}

func (f *wtsFile) Close() error {
	if f.closed.Swap(true) {
		return nil
	}

	var result error
	_ = windows.CancelIoEx(f.handle, nil)
	if err := windows.CloseHandle(f.handle); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close file handle"))
	}
	if r1, _, e1 := procWTSVirtualChannelClose.Call(uintptr(f.channel)); r1 == 0 {
		result = multierror.Append(result, errors.Wrap(e1, "close channel"))
	}
	return result
}
