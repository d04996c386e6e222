package dvc

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// fragmentSource returns one queued fragment per Read.
type fragmentSource struct {
	fragments [][]byte
	reads     int
}

func (s *fragmentSource) Read(p []byte) (int, error) {
	if len(s.fragments) == 0 {
		return 0, io.EOF
	}
	f := s.fragments[0]
	s.fragments = s.fragments[1:]
	s.reads++
	return copy(p, f), nil
}

func source(fragments ...[]byte) *fragmentSource {
	return &fragmentSource{fragments: fragments}
}

func TestReassembleOnly(t *testing.T) {
	r := NewReassembler(source(fragment(FlagOnly, 5, "hello")))

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), msg)
}

func TestReassembleEmptyOnly(t *testing.T) {
	r := NewReassembler(source(fragment(FlagOnly, 0, "")))

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Empty(t, msg)
}

func TestReassembleFirstLast(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 500)

	first := fragment(FlagFirst, 0, string(payload[:4096]))
	last := fragment(FlagLast, 5000, string(payload[4096:]))
	src := source(first, last)

	r := NewReassembler(src, ChunkLengthOption(4096))
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Len(t, msg, 5000)
	require.Equal(t, payload, msg)
	require.Equal(t, 2, src.reads)
}

func TestReassembleSplit(t *testing.T) {
	for _, chunk := range []int{1, 7, 64, DefaultChunkLength} {
		for _, size := range []int{0, 1, chunk - 1, chunk, chunk + 1, 3 * chunk, 3*chunk + 2, 10000} {
			if size < 0 {
				continue
			}
			t.Run(fmt.Sprintf("chunk=%d/size=%d", chunk, size), func(t *testing.T) {
				msg := make([]byte, size)
				for i := range msg {
					msg[i] = byte(i * 31)
				}

				fragments := Split(msg, chunk)
				require.Len(t, fragments, max(1, (size+chunk-1)/chunk))

				r := NewReassembler(source(fragments...), ChunkLengthOption(chunk))
				got, err := r.ReadMessage()
				require.NoError(t, err)
				require.Equal(t, msg, got)
			})
		}
	}
}

func TestReassembleConsecutiveMessages(t *testing.T) {
	src := source(
		fragment(FlagOnly, 3, "one"),
		fragment(FlagFirst, 0, "tw"),
		fragment(FlagLast, 3, "o"),
	)
	r := NewReassembler(src)

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "one", string(msg))

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "two", string(msg))
}

func TestReassembleMalformed(t *testing.T) {
	for n := 0; n < HeaderLength; n++ {
		r := NewReassembler(source(make([]byte, n)))
		_, err := r.ReadMessage()
		require.ErrorIs(t, err, ErrMalformedFragment, "length %d", n)
	}
}

func TestReassembleUnsupportedFlags(t *testing.T) {
	for _, flags := range []Flags{0x4, 0x5, 0x7, 0x10, 0xFFFFFFFF} {
		r := NewReassembler(source(fragment(flags, 1, "x")))
		_, err := r.ReadMessage()
		require.ErrorIs(t, err, ErrUnsupportedFlags, "flags %s", flags)
	}
}

func TestReassembleLengthMismatch(t *testing.T) {
	r := NewReassembler(source(fragment(FlagOnly, 6, "hello")))
	_, err := r.ReadMessage()
	require.ErrorIs(t, err, ErrLengthMismatch)

	r = NewReassembler(source(
		fragment(FlagFirst, 0, "hel"),
		fragment(FlagLast, 4, "lo"),
	))
	_, err = r.ReadMessage()
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestReassembleRecoversAfterError(t *testing.T) {
	r := NewReassembler(source(
		fragment(FlagFirst, 0, "abc"),
		fragment(FlagLast, 99, "def"),
		fragment(FlagOnly, 2, "ok"),
	))

	_, err := r.ReadMessage()
	require.ErrorIs(t, err, ErrLengthMismatch)

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "ok", string(msg))
}

func TestReassembleSourceError(t *testing.T) {
	src := source(fragment(FlagFirst, 0, "partial"))
	r := NewReassembler(src)

	_, err := r.ReadMessage()
	require.ErrorIs(t, err, io.EOF)
	require.False(t, r.asm.InProgress())
}

func TestReassembleStrictOrdering(t *testing.T) {
	cases := map[string][][]byte{
		"middle first": {fragment(FlagMiddle, 0, "a")},
		"last first":   {fragment(FlagLast, 1, "a")},
		"first twice":  {fragment(FlagFirst, 0, "a"), fragment(FlagFirst, 0, "b")},
		"only inside":  {fragment(FlagFirst, 0, "a"), fragment(FlagOnly, 1, "b")},
	}
	for name, fragments := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewReassembler(source(fragments...))
			_, err := r.ReadMessage()
			require.ErrorIs(t, err, ErrUnexpectedFragment)
		})
	}
}

func TestReassemblePermissiveOrdering(t *testing.T) {
	r := NewReassembler(source(
		fragment(FlagMiddle, 0, "hel"),
		fragment(FlagLast, 5, "lo"),
	), StrictOrderingOption(false))

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg))

	r = NewReassembler(source(fragment(FlagLast, 2, "hi")), StrictOrderingOption(false))
	msg, err = r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hi", string(msg))
}

func TestReassembleSingleFragmentMode(t *testing.T) {
	r := NewReassembler(source(fragment(FlagOnly, 5, "hello")), ModeOption(ModeSingleFragment))
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg))

	for _, flags := range []Flags{FlagFirst, FlagMiddle, FlagLast} {
		r := NewReassembler(source(fragment(flags, 1, "x")), ModeOption(ModeSingleFragment))
		_, err := r.ReadMessage()
		require.ErrorIs(t, err, ErrUnsupportedFlags, "flags %s", flags)
	}
}

func TestReassembleMaxMessageLength(t *testing.T) {
	fragments := Split(bytes.Repeat([]byte("x"), 100), 40)
	r := NewReassembler(source(fragments...), MaxMessageLengthOption(64))

	_, err := r.ReadMessage()
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestReadInto(t *testing.T) {
	msg := bytes.Repeat([]byte("ab"), 50)
	r := NewReassembler(source(Split(msg, 30)...))

	buf := make([]byte, 128)
	n, err := r.ReadInto(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
}

func TestReadIntoTooSmall(t *testing.T) {
	r := NewReassembler(source(
		fragment(FlagOnly, 5, "hello"),
		fragment(FlagOnly, 2, "hi"),
	), ModeOption(ModeSingleFragment))

	buf := make([]byte, 4)
	_, err := r.ReadInto(buf)
	require.ErrorIs(t, err, ErrMessageTooLarge)

	n, err := r.ReadInto(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}

func TestReadIntoStaysWithinLength(t *testing.T) {
	r := NewReassembler(source(fragment(FlagOnly, 10, "0123456789")))

	backing := make([]byte, 16)
	_, err := r.ReadInto(backing[:4])
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.Equal(t, make([]byte, 16), backing)
}

func TestAssemblerFeed(t *testing.T) {
	a := NewAssembler()

	done, err := a.Feed(fragment(FlagFirst, 0, "ab"))
	require.NoError(t, err)
	require.False(t, done)
	require.True(t, a.InProgress())

	done, err = a.Feed(fragment(FlagMiddle, 0, "cd"))
	require.NoError(t, err)
	require.False(t, done)

	done, err = a.Feed(fragment(FlagLast, 5, "e"))
	require.NoError(t, err)
	require.True(t, done)
	require.False(t, a.InProgress())
	require.Equal(t, "abcde", string(a.Message()))

	a.Reset()
	require.False(t, a.InProgress())
}

func TestReassemblerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	r := NewReassembler(source(
		fragment(FlagFirst, 0, "a"),
		fragment(FlagLast, 2, "b"),
		fragment(Flags(0x9), 0, ""),
	), MetricsOption(m))

	_, err := r.ReadMessage()
	require.NoError(t, err)
	_, err = r.ReadMessage()
	require.ErrorIs(t, err, ErrUnsupportedFlags)

	require.Equal(t, 1.0, testutil.ToFloat64(m.messages))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fragments.WithLabelValues("first")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fragments.WithLabelValues("last")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("unsupported_flags")))
}
