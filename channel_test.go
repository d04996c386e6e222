package dvc

import (
	"bytes"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelRoundTrip(t *testing.T) {
	file := newFakeFile()
	file.queueWrite(pending(nil))
	file.queueRead(pending(fragment(FlagOnly, 5, "hello")))

	ch, err := NewChannel(file)
	require.NoError(t, err)
	defer ch.Close()

	n, err := ch.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, [][]byte{[]byte("hello")}, file.written, "writes carry no header")

	msg, err := ch.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg))
}

func TestChannelMultiFragmentRead(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 5000)
	file := newFakeFile()
	file.queueRead(
		immediate(fragment(FlagFirst, 0, string(payload[:4096]))),
		pending(fragment(FlagLast, 5000, string(payload[4096:]))),
	)

	ch, err := NewChannel(file, ChunkLengthOption(4096))
	require.NoError(t, err)
	defer ch.Close()

	msg, err := ch.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, payload, msg)
}

func TestChannelReadInto(t *testing.T) {
	file := newFakeFile()
	file.queueRead(immediate(fragment(FlagOnly, 5, "hello")))

	ch, err := NewChannel(file, ModeOption(ModeSingleFragment))
	require.NoError(t, err)
	defer ch.Close()

	buf := make([]byte, MaxFragmentLength(DefaultChunkLength))
	n, err := ch.ReadInto(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestChannelWriteTooLarge(t *testing.T) {
	file := newFakeFile()
	ch, err := NewChannel(file, MaxWriteLengthOption(4))
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Write([]byte("hello"))
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.Equal(t, 0, file.submitted(DirWrite))
}

func TestChannelErrorsDoNotPoison(t *testing.T) {
	file := newFakeFile()
	file.queueRead(
		failing(syscall.Errno(1)),
		immediate([]byte{1, 2, 3}),
		immediate(fragment(FlagOnly, 2, "ok")),
	)

	ch, err := NewChannel(file)
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.ReadMessage()
	require.ErrorIs(t, err, ErrTransportFailure)

	_, err = ch.ReadMessage()
	require.ErrorIs(t, err, ErrMalformedFragment)

	msg, err := ch.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "ok", string(msg))
}

func TestChannelClose(t *testing.T) {
	file := newFakeFile()
	ch, err := NewChannel(file)
	require.NoError(t, err)
	require.Equal(t, 2, file.contexts)

	require.False(t, ch.IsClosed())
	require.NoError(t, ch.Close())
	require.True(t, ch.IsClosed())
	require.True(t, file.closed)
	require.Equal(t, 2, file.released)

	// Idempotent.
	require.NoError(t, ch.Close())
	require.Equal(t, 2, file.released)

	_, err = ch.Write([]byte("x"))
	require.ErrorIs(t, err, ErrChannelClosed)
	_, err = ch.ReadMessage()
	require.ErrorIs(t, err, ErrChannelClosed)
	_, err = ch.ReadInto(make([]byte, 8))
	require.ErrorIs(t, err, ErrChannelClosed)
}
