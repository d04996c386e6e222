package dvc

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Channel is an open dynamic virtual channel. It owns the channel handle and
// one operation context per direction for its whole lifetime.
//
// Writes carry raw application bytes; the transport below adds chunk headers.
// Reads return whole messages reassembled from one or more fragments.
// Each direction allows one call at a time; concurrent calls on the same
// direction are serialized.
type Channel struct {
	file        AsyncFile
	readCtx     *OpContext
	writeCtx    *OpContext
	adapter     *Adapter
	reassembler *Reassembler
	logger      Logger

	readMu sync.Mutex // one message read at a time

	opts   options
	closed atomic.Bool
}

// NewChannel takes ownership of file and prepares it for use.
// The file is closed if the operation contexts cannot be created.
func NewChannel(file AsyncFile, opt ...Option) (*Channel, error) {
	opts := newOptions(opt...)

	readCtx, err := file.NewOpContext(DirRead)
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "dvc: create read context")
	}

	writeCtx, err := file.NewOpContext(DirWrite)
	if err != nil {
		_ = readCtx.Close()
		_ = file.Close()
		return nil, errors.Wrap(err, "dvc: create write context")
	}

	adapter := newAdapter(file, readCtx, writeCtx, opts)
	c := &Channel{
		file:        file,
		readCtx:     readCtx,
		writeCtx:    writeCtx,
		adapter:     adapter,
		reassembler: newReassembler(adapter, opts),
		logger:      opts.logger,
		opts:        opts,
	}

	c.logger.Debug("channel ready",
		"chunk_length", opts.chunkLength,
		"max_write_length", opts.maxWriteLength,
		"max_message_length", opts.maxMessageLength,
		"timeout", opts.timeout,
		"mode", opts.mode,
		"strict_ordering", !opts.permissive)

	return c, nil
}

// Write sends p as raw application bytes in a single transfer and returns the
// number of bytes the transport accepted.
//
// Returns:
//   - ErrChannelClosed: the channel is closed
//   - ErrMessageTooLarge: p exceeds the maximum write length
//   - *TransportError: the submission or its wait failed
func (c *Channel) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}

	if len(p) > c.opts.maxWriteLength {
		err := errors.Wrapf(ErrMessageTooLarge, "write of %d bytes, limit %d", len(p), c.opts.maxWriteLength)
		c.opts.metrics.failure(err)
		return 0, err
	}

	n, err := c.adapter.Write(p)
	if err != nil {
		return n, err
	}

	c.logger.Debug("written", "bytes", n)
	c.logger.Debug("sent", "text", string(p), "raw", p)
	return n, nil
}

// ReadMessage blocks until a complete message has been received.
func (c *Channel) ReadMessage() ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.reassembler.ReadMessage()
}

// ReadInto reads a complete message into p and returns its length.
// Messages that do not fit p fail with ErrMessageTooLarge.
func (c *Channel) ReadInto(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.reassembler.ReadInto(p)
}

// Close releases the operation contexts and the channel handle.
// Safe to call multiple times.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	var result error
	if err := c.file.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close handle"))
	}
	if err := c.readCtx.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close read context"))
	}
	if err := c.writeCtx.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close write context"))
	}
	return result
}

// IsClosed returns true if the channel has been closed.
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}
