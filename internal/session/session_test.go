package session

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Zereker/dvc"
)

// echoChannel answers every write with the bytes written, or with the next
// queued read error.
type echoChannel struct {
	writes   [][]byte
	last     []byte
	writeErr error
	readErrs []error
}

func (c *echoChannel) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	c.last = p
	return len(p), nil
}

func (c *echoChannel) ReadMessage() ([]byte, error) {
	if len(c.readErrs) > 0 {
		err := c.readErrs[0]
		c.readErrs = c.readErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return c.last, nil
}

func run(t *testing.T, ch Channel, input string, opts ...Option) string {
	t.Helper()

	var out bytes.Buffer
	require.NoError(t, New(ch, strings.NewReader(input), &out, opts...).Run())
	return out.String()
}

func TestWriteEchoes(t *testing.T) {
	ch := &echoChannel{}
	out := run(t, ch, "write hello\nPUT two words\nquit\nwrite ignored\n")

	require.Equal(t, [][]byte{[]byte("hello"), []byte("two words")}, ch.writes)
	require.Contains(t, out, "received: hello ([104 101 108 108 111])\n")
	require.Contains(t, out, "received: two words (")
	require.NotContains(t, out, "ignored")
}

func TestPromptAndUsage(t *testing.T) {
	out := run(t, &echoChannel{}, "\n  \nexit\n")
	require.True(t, strings.HasPrefix(out, Usage))
	require.Equal(t, 3, strings.Count(out, DefaultPrompt))

	out = run(t, &echoChannel{}, "help\n?\n", PromptOption(""))
	require.Equal(t, 3, strings.Count(out, "Usage:"))
	require.NotContains(t, out, DefaultPrompt)
}

func TestCommandSeparatedByTab(t *testing.T) {
	ch := &echoChannel{}
	out := run(t, ch, "write\thello\nput\t two\n")

	require.NotContains(t, out, "invalid command")
	require.Equal(t, [][]byte{[]byte("hello"), []byte(" two")}, ch.writes)
}

func TestSplitCommand(t *testing.T) {
	for _, tt := range []struct {
		line, command, arg string
	}{
		{"quit", "QUIT", ""},
		{"write hello world", "WRITE", "hello world"},
		{"Put\tx", "PUT", "x"},
		{"write  spaced", "WRITE", " spaced"},
	} {
		command, arg := splitCommand(tt.line)
		require.Equal(t, tt.command, command, tt.line)
		require.Equal(t, tt.arg, arg, tt.line)
	}
}

func TestInvalidCommand(t *testing.T) {
	ch := &echoChannel{}
	out := run(t, ch, "send x\nwrite\n")

	require.Contains(t, out, "invalid command\n")
	require.Contains(t, out, "error: nothing to write\n")
	require.Empty(t, ch.writes)
}

func TestErrorsDoNotEndSession(t *testing.T) {
	ch := &echoChannel{readErrs: []error{dvc.ErrLengthMismatch, nil}}
	out := run(t, ch, "write first\nwrite second\n")

	require.Contains(t, out, "error: reading from channel: "+dvc.ErrLengthMismatch.Error())
	require.Contains(t, out, "received: second (")
	require.Len(t, ch.writes, 2)

	broken := &echoChannel{writeErr: errors.New("pipe closed")}
	out = run(t, broken, "write a\nwrite b\n")
	require.Equal(t, 2, strings.Count(out, "error: writing to channel: pipe closed"))
}

func TestEndOfInput(t *testing.T) {
	out := run(t, &echoChannel{}, "write x")
	require.Contains(t, out, "received: x ([120])")
}
