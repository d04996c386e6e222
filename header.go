// Package dvc implements the chunk framing layer of a dynamic virtual channel.
// It decodes per-chunk headers, reassembles multi-chunk messages and turns the
// asynchronous read/write primitives of the channel handle into blocking calls.
package dvc

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// HeaderLength is the size of the chunk header that precedes every fragment.
const HeaderLength = 8

// DefaultChunkLength is the payload size of one chunk imposed by the host
// transport (CHANNEL_CHUNK_LENGTH).
const DefaultChunkLength = 1600

// MaxFragmentLength returns the largest fragment, header included, that a read
// can return for the given chunk length.
func MaxFragmentLength(chunkLength int) int {
	return chunkLength + HeaderLength
}

// Flags is the fragment position bitmask carried by every chunk header.
type Flags uint32

const (
	// FlagMiddle marks a continuation fragment.
	FlagMiddle Flags = 0x0
	// FlagFirst opens a multi-fragment message.
	FlagFirst Flags = 0x1
	// FlagLast closes a multi-fragment message.
	FlagLast Flags = 0x2
	// FlagOnly marks a message carried by a single fragment.
	FlagOnly = FlagFirst | FlagLast
)

// Valid reports whether f is one of the four defined combinations.
func (f Flags) Valid() bool {
	return f <= FlagOnly
}

// Terminal reports whether a fragment with these flags ends a message.
func (f Flags) Terminal() bool {
	return f.Valid() && f&FlagLast != 0
}

func (f Flags) String() string {
	switch f {
	case FlagOnly:
		return "only"
	case FlagFirst:
		return "first"
	case FlagMiddle:
		return "middle"
	case FlagLast:
		return "last"
	default:
		return fmt.Sprintf("invalid(0x%x)", uint32(f))
	}
}

// Header is the fixed chunk header.
//
// Length is the total payload length of the logical message. It is only
// meaningful when the LAST bit is set.
type Header struct {
	Length uint32
	Flags  Flags
}

// DecodeHeader reads a header from the first HeaderLength bytes of b.
// It fails with ErrMalformedFragment when b is too short, which also covers
// empty and truncated reads.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength {
		return Header{}, errors.Wrapf(ErrMalformedFragment, "got %d bytes", len(b))
	}
	return Header{
		Length: binary.LittleEndian.Uint32(b[0:4]),
		Flags:  Flags(binary.LittleEndian.Uint32(b[4:8])),
	}, nil
}

// EncodeHeader serializes h into a new HeaderLength byte slice.
func EncodeHeader(h Header) []byte {
	return h.AppendTo(make([]byte, 0, HeaderLength))
}

// AppendTo appends the wire form of h to dst.
func (h Header) AppendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, h.Length)
	return binary.LittleEndian.AppendUint32(dst, uint32(h.Flags))
}
