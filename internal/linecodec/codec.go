// Package linecodec reads and writes newline-delimited UTF-8 text frames
// over a byte stream.
//
// Lines are terminated by "\n". A "\r" immediately preceding the "\n" is
// stripped, so CRLF and bare LF input decode identically. A "\r" anywhere
// else is part of the line.
package linecodec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Transport errors. Every read failure is one of these two; reading past
// the end of the stream is ErrClosed, never an empty line.
var (
	ErrTimeout = errors.New("linecodec: read timeout")
	ErrClosed  = errors.New("linecodec: transport closed")
)

// ErrLineTooLong is wrapped together with ErrClosed when an incoming line
// exceeds the size limit. The stream cannot be resynchronized afterwards.
var ErrLineTooLong = errors.New("linecodec: line too long")

// ErrInvalidLine is returned by WriteLine when a word contains a line
// terminator. Nothing is written.
var ErrInvalidLine = errors.New("linecodec: word contains line terminator")

// Terminator is appended to every written line.
const Terminator = "\n"

// DefaultWriteTimeout bounds a single WriteLine call.
const DefaultWriteTimeout = 5 * time.Second

// DefaultMaxLineSize is the longest line ReadLine accepts, terminator
// excluded.
const DefaultMaxLineSize = 64 << 10

// Conn is the subset of net.Conn the codec needs.
type Conn interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Codec frames lines over a Conn.
//
// ReadLine must only be called from one goroutine at a time. WriteLine is
// safe for concurrent use; whole lines are never interleaved.
type Codec struct {
	conn         Conn
	r            *bufio.Reader
	partial      []byte
	maxLine      int
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// New creates a codec over conn.
func New(conn Conn) *Codec {
	return &Codec{
		conn:         conn,
		r:            bufio.NewReader(conn),
		maxLine:      DefaultMaxLineSize,
		writeTimeout: DefaultWriteTimeout,
	}
}

// SetMaxLineSize changes the read limit. Zero or less removes it. It must
// not be called concurrently with ReadLine.
func (c *Codec) SetMaxLineSize(n int) {
	c.maxLine = n
}

// SetWriteTimeout changes the per-call write deadline. Zero disables it.
func (c *Codec) SetWriteTimeout(d time.Duration) {
	c.writeMu.Lock()
	c.writeTimeout = d
	c.writeMu.Unlock()
}

// ReadLine blocks until a complete line is available or timeout elapses.
// A timeout of zero or less waits without a deadline.
//
// Bytes of a line that was only partially received when the timeout hit
// are kept and completed by the next call.
func (c *Codec) ReadLine(timeout time.Duration) (string, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("%w: set read deadline: %v", ErrClosed, err)
	}

	chunk, err := c.r.ReadSlice('\n')
	for errors.Is(err, bufio.ErrBufferFull) {
		c.partial = append(c.partial, chunk...)
		if c.exceeds(len(c.partial)) {
			return "", c.tooLong()
		}
		chunk, err = c.r.ReadSlice('\n')
	}
	c.partial = append(c.partial, chunk...)
	content := len(c.partial)
	if err == nil {
		content--
	}
	if c.exceeds(content) {
		return "", c.tooLong()
	}
	if err != nil {
		return "", classify(err)
	}

	line := c.partial
	c.partial = nil
	return decode(line), nil
}

func (c *Codec) exceeds(n int) bool {
	return c.maxLine > 0 && n > c.maxLine
}

func (c *Codec) tooLong() error {
	c.partial = nil
	return fmt.Errorf("%w: %w (limit %d bytes)", ErrClosed, ErrLineTooLong, c.maxLine)
}

// WriteLine joins args with a single space, appends the terminator and
// writes the result as one unit. A word containing CR or LF is refused
// with ErrInvalidLine.
func (c *Codec) WriteLine(args ...string) error {
	for _, a := range args {
		if strings.ContainsAny(a, "\r\n") {
			return fmt.Errorf("%w: %q", ErrInvalidLine, a)
		}
	}
	line := strings.Join(args, " ") + Terminator

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("%w: set write deadline: %v", ErrClosed, err)
		}
	}
	if _, err := io.WriteString(c.conn, line); err != nil {
		if isTimeout(err) {
			// A timed out write leaves the stream in an unknown state.
			return fmt.Errorf("%w: write timeout: %v", ErrClosed, err)
		}
		return fmt.Errorf("%w: write: %v", ErrClosed, err)
	}
	return nil
}

// decode strips the terminator and a single CR directly before it.
func decode(line []byte) string {
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line)
}

func classify(err error) error {
	if isTimeout(err) {
		return ErrTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
