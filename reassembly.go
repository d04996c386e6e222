package dvc

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Mode selects the reassembly contract of an Assembler.
type Mode int

const (
	// ModeGeneral accumulates FIRST, MIDDLE..., LAST sequences of any total size.
	ModeGeneral Mode = iota
	// ModeSingleFragment accepts only ONLY fragments. Anything else fails with
	// ErrUnsupportedFlags.
	ModeSingleFragment
)

func (m Mode) String() string {
	switch m {
	case ModeGeneral:
		return "general"
	case ModeSingleFragment:
		return "single"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Assembler turns a stream of fragments into logical messages.
// It is fed one fragment at a time, which suits both a blocking read loop and
// a host callback that receives chunks as they arrive. It is not safe for
// concurrent use.
type Assembler struct {
	mode       Mode
	permissive bool
	limit      int

	buf      []byte
	fixed    bool   // buf is a caller buffer and must not grow
	received uint64 // payload bytes accumulated for the open message
	open     bool   // a FIRST fragment has been seen and no LAST yet
}

// NewAssembler creates an Assembler. Only the mode, ordering and message
// length options apply.
func NewAssembler(opt ...Option) *Assembler {
	opts := newOptions(opt...)
	return newAssembler(opts)
}

func newAssembler(opts options) *Assembler {
	return &Assembler{
		mode:       opts.mode,
		permissive: opts.permissive,
		limit:      opts.maxMessageLength,
	}
}

// Feed consumes one fragment, header included. It returns true once the
// fragment completed a message, which is then available from Message.
// Any error discards the partial message.
func (a *Assembler) Feed(fragment []byte) (bool, error) {
	h, err := DecodeHeader(fragment)
	if err != nil {
		a.Reset()
		return false, err
	}

	if !h.Flags.Valid() {
		a.Reset()
		return false, errors.Wrapf(ErrUnsupportedFlags, "flags 0x%x", uint32(h.Flags))
	}

	if a.mode == ModeSingleFragment && h.Flags != FlagOnly {
		a.Reset()
		return false, errors.Wrapf(ErrUnsupportedFlags, "%s fragment in single fragment mode", h.Flags)
	}

	opens := h.Flags&FlagFirst != 0
	if !a.permissive && opens == a.open {
		open := a.open
		a.Reset()
		if open {
			return false, errors.Wrapf(ErrUnexpectedFragment, "%s fragment inside an open message", h.Flags)
		}
		return false, errors.Wrapf(ErrUnexpectedFragment, "%s fragment without a preceding first", h.Flags)
	}

	payload := fragment[HeaderLength:]
	if err := a.checkRoom(len(payload)); err != nil {
		a.Reset()
		return false, err
	}
	a.buf = append(a.buf, payload...)
	a.received += uint64(len(payload))

	if !h.Flags.Terminal() {
		a.open = true
		return false, nil
	}

	if a.received != uint64(h.Length) {
		received := a.received
		a.Reset()
		return false, errors.Wrapf(ErrLengthMismatch, "declared %d, received %d", h.Length, received)
	}
	a.open = false
	return true, nil
}

func (a *Assembler) checkRoom(n int) error {
	size := len(a.buf) + n
	if a.fixed && size > cap(a.buf) {
		return errors.Wrapf(ErrMessageTooLarge, "%s does not fit a %s buffer",
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(cap(a.buf))))
	}
	if a.limit > 0 && size > a.limit {
		return errors.Wrapf(ErrMessageTooLarge, "%s exceeds %s",
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(a.limit)))
	}
	return nil
}

// Message returns the completed message and readies the Assembler for the
// next one.
func (a *Assembler) Message() []byte {
	msg := a.buf
	if msg == nil {
		msg = []byte{}
	}
	a.Reset()
	return msg
}

// InProgress reports whether a multi-fragment message is partially assembled.
func (a *Assembler) InProgress() bool {
	return a.open
}

// Reset discards any partial message.
func (a *Assembler) Reset() {
	a.buf = nil
	a.fixed = false
	a.received = 0
	a.open = false
}

// into makes the next message accumulate in p without growing it or
// writing past len(p).
func (a *Assembler) into(p []byte) {
	a.Reset()
	a.buf = p[:0:len(p)]
	a.fixed = true
}

// FragmentReader returns one fragment per Read call. *Adapter implements it.
type FragmentReader interface {
	Read(p []byte) (int, error)
}

// Reassembler reads fragments from a FragmentReader until one logical message
// is complete.
type Reassembler struct {
	src     FragmentReader
	asm     *Assembler
	chunk   []byte
	logger  Logger
	metrics *Metrics
}

// NewReassembler creates a Reassembler reading from src.
func NewReassembler(src FragmentReader, opt ...Option) *Reassembler {
	return newReassembler(src, newOptions(opt...))
}

func newReassembler(src FragmentReader, opts options) *Reassembler {
	return &Reassembler{
		src:     src,
		asm:     newAssembler(opts),
		chunk:   make([]byte, MaxFragmentLength(opts.chunkLength)),
		logger:  opts.logger,
		metrics: opts.metrics,
	}
}

// ReadMessage blocks until a full message has been read and returns its
// payload. Errors are not retried: the partial message is dropped and the
// next call starts afresh.
func (r *Reassembler) ReadMessage() ([]byte, error) {
	return r.read()
}

// ReadInto reads one full message into p and returns its length.
// A message that does not fit p fails with ErrMessageTooLarge.
func (r *Reassembler) ReadInto(p []byte) (int, error) {
	r.asm.into(p)
	msg, err := r.read()
	if err != nil {
		return 0, err
	}
	return len(msg), nil
}

func (r *Reassembler) read() ([]byte, error) {
	for {
		n, err := r.src.Read(r.chunk)
		if err != nil {
			r.asm.Reset()
			return nil, err
		}

		fragment := r.chunk[:n]
		done, err := r.asm.Feed(fragment)
		if err != nil {
			r.logger.Debug("fragment rejected", "size", n, "error", err)
			r.metrics.failure(err)
			return nil, err
		}

		h, _ := DecodeHeader(fragment)
		r.metrics.fragment(h.Flags)
		r.logger.Debug("fragment read", "flags", h.Flags, "payload", humanize.Bytes(uint64(n-HeaderLength)))

		if done {
			r.metrics.message()
			msg := r.asm.Message()
			r.logger.Debug("message reassembled", "size", humanize.Bytes(uint64(len(msg))))
			return msg, nil
		}
	}
}
