package dvc

import (
	"time"
)

// Default configuration values.
const (
	// DefaultMaxWriteLength caps a single raw channel write (64KB).
	DefaultMaxWriteLength = 64 * 1024
)

// options holds the configuration shared by channels, adapters and reassemblers.
type options struct {
	logger  Logger
	metrics *Metrics

	chunkLength      int           // payload bytes per chunk, sizes the read buffer
	maxWriteLength   int           // largest raw write accepted by a channel
	maxMessageLength int           // largest reassembled message, 0 for unbounded
	timeout          time.Duration // bound on a pending wait, 0 waits forever

	mode       Mode
	permissive bool // accept fragments out of FIRST, MIDDLE..., LAST order
}

// Option is a function that configures channel options.
type Option func(*options)

func newOptions(opt ...Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// checkOptions sets default values for unset options.
func checkOptions(opts *options) {
	if opts.chunkLength <= 0 {
		opts.chunkLength = DefaultChunkLength
	}

	if opts.maxWriteLength <= 0 {
		opts.maxWriteLength = DefaultMaxWriteLength
	}

	if opts.maxMessageLength < 0 {
		opts.maxMessageLength = 0
	}

	if opts.timeout < 0 {
		opts.timeout = 0
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// ChunkLengthOption sets the host chunk length. Reads use a buffer of
// MaxFragmentLength(size) bytes.
func ChunkLengthOption(size int) Option {
	return func(o *options) {
		o.chunkLength = size
	}
}

// MaxWriteLengthOption caps the size of a single raw write.
// Larger writes fail with ErrMessageTooLarge.
func MaxWriteLengthOption(size int) Option {
	return func(o *options) {
		o.maxWriteLength = size
	}
}

// MaxMessageLengthOption caps the size of a reassembled message.
// Zero, the default, leaves messages unbounded.
func MaxMessageLengthOption(size int) Option {
	return func(o *options) {
		o.maxMessageLength = size
	}
}

// TimeoutOption bounds how long a pending read or write is waited for.
// An expired wait fails with a *TransportError matching ErrTimeout.
// Zero, the default, waits indefinitely.
func TimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// ModeOption selects the reassembly contract.
func ModeOption(mode Mode) Option {
	return func(o *options) {
		o.mode = mode
	}
}

// StrictOrderingOption controls whether fragments must arrive as
// FIRST, MIDDLE..., LAST or ONLY. Strict ordering is the default.
func StrictOrderingOption(strict bool) Option {
	return func(o *options) {
		o.permissive = !strict
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption sets the collectors updated by reads and writes.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
