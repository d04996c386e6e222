// Package session implements the interactive command loop of the echodvc
// client: each WRITE sends one message over the channel and prints the reply.
package session

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/Zereker/dvc"
)

// Usage is printed when the session starts and on HELP.
const Usage = `
Usage:
- "write XXXX" or "put XXXX" to write to the DVC
- "help" or "?" to show this message
- "quit" or "exit" to leave this interface
`

// DefaultPrompt is shown before each command on an interactive terminal.
const DefaultPrompt = "echo_dvc> "

// maxLineLength bounds one input line.
const maxLineLength = 1024 * 1024

// Channel is the part of *dvc.Channel the session drives.
type Channel interface {
	Write(p []byte) (int, error)
	ReadMessage() ([]byte, error)
}

// Session reads commands from in and writes results to out.
type Session struct {
	ch     Channel
	in     io.Reader
	out    io.Writer
	prompt string
	logger dvc.Logger
}

// Option configures a Session.
type Option func(*Session)

// PromptOption sets the prompt. An empty prompt disables it.
func PromptOption(prompt string) Option {
	return func(s *Session) {
		s.prompt = prompt
	}
}

// LoggerOption sets the logger. The default is slog.Default().
func LoggerOption(logger dvc.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// New returns a Session over ch.
func New(ch Channel, in io.Reader, out io.Writer, opts ...Option) *Session {
	s := &Session{
		ch:     ch,
		in:     in,
		out:    out,
		prompt: DefaultPrompt,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run processes commands until QUIT, EXIT or the end of the input. Channel
// errors are reported and the loop goes on; only a failure to read the input
// ends it with an error.
func (s *Session) Run() error {
	fmt.Fprint(s.out, Usage)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)

	for {
		fmt.Fprint(s.out, s.prompt)

		if !scanner.Scan() {
			if s.prompt != "" {
				fmt.Fprintln(s.out)
			}
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		command, arg := splitCommand(line)

		s.logger.Debug("command", "command", command, "arg", arg)

		switch command {
		case "":
		case "QUIT", "EXIT":
			return nil
		case "HELP", "?":
			fmt.Fprint(s.out, Usage)
		case "WRITE", "PUT":
			if err := s.echo([]byte(arg)); err != nil {
				s.logger.Error("echo failed", "error", err)
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
		default:
			fmt.Fprintln(s.out, "invalid command")
		}
	}
}

// splitCommand splits line at its first whitespace into an upper-cased
// command and the rest of the line.
func splitCommand(line string) (command, arg string) {
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return strings.ToUpper(line), ""
	}
	_, size := utf8.DecodeRuneInString(line[i:])
	return strings.ToUpper(line[:i]), line[i+size:]
}

// echo writes p and prints the message read back.
func (s *Session) echo(p []byte) error {
	if len(p) == 0 {
		return errors.New("nothing to write")
	}

	if _, err := s.ch.Write(p); err != nil {
		return errors.Wrap(err, "writing to channel")
	}

	msg, err := s.ch.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "reading from channel")
	}

	fmt.Fprintf(s.out, "received: %s (%v)\n", msg, msg)
	return nil
}
