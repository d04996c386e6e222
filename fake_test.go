package dvc

import (
	"errors"
	"sync"
	"time"
)

// fragment builds one wire fragment.
func fragment(flags Flags, declared uint32, payload string) []byte {
	return append(EncodeHeader(Header{Length: declared, Flags: flags}), payload...)
}

// result scripts the outcome of one submitted operation.
type result struct {
	data    []byte        // bytes delivered to a read
	n       int           // bytes reported for a write, len(p) when zero
	pending bool          // Submit reports ErrPending
	err     error         // Submit failure
	waitErr error         // Wait failure
	block   chan struct{} // Wait blocks until closed
}

func immediate(data []byte) result { return result{data: data} }

func pending(data []byte) result { return result{data: data, pending: true} }

func failing(err error) result { return result{err: err} }

var errNoScript = errors.New("fake: no scripted result")

// fakeFile is an AsyncFile driven by scripted results.
type fakeFile struct {
	mu       sync.Mutex
	reads    []result
	writes   []result
	written  [][]byte
	submits  map[Direction]int
	waits    map[Direction]int
	contexts int
	released int
	closed   bool
}

func newFakeFile() *fakeFile {
	return &fakeFile{
		submits: make(map[Direction]int),
		waits:   make(map[Direction]int),
	}
}

func (f *fakeFile) queueRead(rs ...result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, rs...)
}

func (f *fakeFile) queueWrite(rs ...result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, rs...)
}

func (f *fakeFile) NewOpContext(dir Direction) (*OpContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts++

	oc := NewOpContext(dir)
	oc.release = func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.released++
		return nil
	}
	return oc, nil
}

func (f *fakeFile) Submit(oc *OpContext, p []byte) (int, error) {
	f.mu.Lock()
	f.submits[oc.dir]++

	queue := &f.reads
	if oc.dir == DirWrite {
		queue = &f.writes
	}
	if len(*queue) == 0 {
		f.mu.Unlock()
		return 0, errNoScript
	}
	r := (*queue)[0]
	*queue = (*queue)[1:]

	if oc.dir == DirWrite && r.err == nil {
		f.written = append(f.written, append([]byte(nil), p...))
	}
	f.mu.Unlock()

	if r.err != nil {
		return 0, r.err
	}

	if oc.dir == DirRead {
		r.n = copy(p, r.data)
	} else if r.n == 0 {
		r.n = len(p)
	}

	if r.pending {
		oc.sys = r
		return 0, ErrPending
	}
	return r.n, nil
}

func (f *fakeFile) Wait(oc *OpContext, timeout time.Duration) (int, error) {
	f.mu.Lock()
	f.waits[oc.dir]++
	f.mu.Unlock()

	r := oc.sys.(result)
	oc.sys = nil

	if r.block != nil {
		if timeout > 0 {
			select {
			case <-r.block:
			case <-time.After(timeout):
				return 0, ErrTimeout
			}
		} else {
			<-r.block
		}
	}

	if r.waitErr != nil {
		return 0, r.waitErr
	}
	return r.n, nil
}

func (f *fakeFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFile) submitted(dir Direction) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[dir]
}

func (f *fakeFile) waited(dir Direction) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waits[dir]
}
