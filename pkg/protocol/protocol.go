// Package protocol defines the HoSo line protocol: newline-delimited frames
// whose fields are joined with "::" and whose first field is a 3-digit code.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// Delimiter separates fields within a frame.
	Delimiter = "::"

	// MaxLineLength is the maximum frame size in bytes, excluding the newline.
	MaxLineLength = 65536

	// Ping is the keep-alive line a peer may send in any state.
	Ping = "ping"

	// Pong acknowledges Ping.
	Pong = "pong"
)

var (
	ErrNoCode      = errors.New("protocol: line does not start with a 3-digit command code")
	ErrLineTooLong = fmt.Errorf("protocol: line exceeds %d bytes", MaxLineLength)
)

// Code is a 3-digit command code.
type Code int

func (c Code) String() string {
	return fmt.Sprintf("%03d", int(c))
}

// Frame is a parsed protocol line.
type Frame struct {
	Code Code
	Args []string
}

// Parse splits a line into its code and arguments. The first field must be
// exactly three decimal digits.
func Parse(line string) (Frame, error) {
	fields := strings.Split(line, Delimiter)
	head := fields[0]
	if len(head) != 3 {
		return Frame{}, ErrNoCode
	}
	for i := 0; i < len(head); i++ {
		if head[i] < '0' || head[i] > '9' {
			return Frame{}, ErrNoCode
		}
	}
	n, _ := strconv.Atoi(head)
	return Frame{Code: Code(n), Args: fields[1:]}, nil
}

// String joins the frame back into a single line.
func (f Frame) String() string {
	return Line(f.Code, f.Args...)
}

// Line builds a frame line from a code and its fields.
func Line(code Code, args ...string) string {
	var b strings.Builder
	b.WriteString(code.String())
	for _, a := range args {
		b.WriteString(Delimiter)
		b.WriteString(a)
	}
	return b.String()
}

// Error builds a 901 rejection line. Newlines in the reason are collapsed so
// the reply stays a single frame.
func Error(reason string) string {
	reason = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, reason)
	return Line(CodeError, reason)
}

// Reader reads newline-delimited frames from a stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r with a buffered frame reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadLine returns the next line without its trailing "\n" or "\r\n".
// A final unterminated line is returned together with a nil error; the next
// call returns io.EOF.
func (r *Reader) ReadLine() (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.r.ReadLine()
		if err != nil {
			return "", err
		}
		buf = append(buf, chunk...)
		if len(buf) > MaxLineLength {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			return string(buf), nil
		}
	}
}

// WriteLine writes one frame followed by a newline.
func WriteLine(w io.Writer, line string) error {
	if len(line) > MaxLineLength {
		return ErrLineTooLong
	}
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("protocol: write line: %w", err)
	}
	return nil
}
