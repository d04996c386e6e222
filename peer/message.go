package peer

import (
	"io"

	"github.com/pkg/errors"

	"github.com/Zereker/dvc"
)

// Message is one application message exchanged with a client.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message data.
	Body() []byte
}

// Bytes is a Message holding a plain byte slice.
type Bytes []byte

func (b Bytes) Length() int  { return len(b) }
func (b Bytes) Body() []byte { return b }

// Codec turns what a client sends into messages and messages into the
// datagrams written back to it.
//
// Decode is handed the connection itself. On a packet socket every Read
// returns exactly one datagram, so a codec reads once per message.
type Codec interface {
	Decode(r io.Reader) (Message, error)
	Encode(Message) ([][]byte, error)
}

// ChunkCodec is the codec of the server end of a dynamic virtual channel.
// Clients write raw application bytes, one message per datagram. Replies are
// split into header-prefixed chunks of at most ChunkLength payload bytes.
type ChunkCodec struct {
	ChunkLength int
	// MaxLength bounds a decoded message, dvc.DefaultMaxWriteLength when zero.
	MaxLength int
}

func (c ChunkCodec) maxLength() int {
	if c.MaxLength > 0 {
		return c.MaxLength
	}
	return dvc.DefaultMaxWriteLength
}

// Decode reads one datagram. A datagram larger than MaxLength is truncated by
// the socket and reported as dvc.ErrMessageTooLarge.
func (c ChunkCodec) Decode(r io.Reader) (Message, error) {
	limit := c.maxLength()
	buf := make([]byte, limit+1)

	n, err := r.Read(buf)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, errors.Wrapf(dvc.ErrMessageTooLarge, "datagram exceeds %d bytes", limit)
	}
	return Bytes(buf[:n]), nil
}

// Encode splits the message body into chunks.
func (c ChunkCodec) Encode(m Message) ([][]byte, error) {
	if m == nil {
		return nil, errors.New("peer: nil message")
	}
	return dvc.Split(m.Body(), c.ChunkLength), nil
}
