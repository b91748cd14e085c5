package linecodec

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamConn adapts an in-memory stream to Conn; deadlines are ignored.
type streamConn struct {
	io.Reader
	bytes.Buffer
}

func (s *streamConn) Read(p []byte) (int, error)       { return s.Reader.Read(p) }
func (s *streamConn) Write(p []byte) (int, error)      { return s.Buffer.Write(p) }
func (s *streamConn) SetReadDeadline(time.Time) error  { return nil }
func (s *streamConn) SetWriteDeadline(time.Time) error { return nil }

func readAll(t *testing.T, input string) ([]string, error) {
	t.Helper()
	c := New(&streamConn{Reader: strings.NewReader(input)})
	var lines []string
	for {
		line, err := c.ReadLine(time.Second)
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
}

func TestReadLine_LFAndCRLFDecodeIdentically(t *testing.T) {
	want := []string{"CONFIRM", "READY", "volume 12", ""}

	lf, errLF := readAll(t, strings.Join(want, "\n")+"\n")
	crlf, errCRLF := readAll(t, strings.Join(want, "\r\n")+"\r\n")

	assert.Equal(t, want, lf)
	assert.Equal(t, want, crlf)
	assert.ErrorIs(t, errLF, ErrClosed)
	assert.ErrorIs(t, errCRLF, ErrClosed)
}

func TestReadLine_LoneCarriageReturnIsData(t *testing.T) {
	lines, err := readAll(t, "a\rb\n\rc\r\r\n")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []string{"a\rb", "\rc\r"}, lines)
}

func TestReadLine_PastEndFails(t *testing.T) {
	c := New(&streamConn{Reader: strings.NewReader("ONLY\n")})

	line, err := c.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ONLY", line)

	_, err = c.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadLine_UnterminatedTailFails(t *testing.T) {
	lines, err := readAll(t, "PING\nPAR")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []string{"PING"}, lines)
}

func TestReadLine_LongLine(t *testing.T) {
	long := strings.Repeat("x", 10*4096+7)
	lines, err := readAll(t, long+"\r\n")
	assert.ErrorIs(t, err, ErrClosed)
	require.Len(t, lines, 1)
	assert.Equal(t, long, lines[0])
}

func TestReadLine_LimitIsInclusive(t *testing.T) {
	c := New(&streamConn{Reader: strings.NewReader(strings.Repeat("a", 100) + "\r\n" + strings.Repeat("b", 102) + "\n")})
	c.SetMaxLineSize(101)

	line, err := c.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Len(t, line, 100)

	_, err = c.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadLine_UnterminatedStreamHitsLimit(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		chunk := []byte(strings.Repeat("x", 4096))
		for {
			if _, err := server.Write(chunk); err != nil {
				return
			}
		}
	}()

	c := New(client)
	c.SetMaxLineSize(16 << 10)

	var err error
	for i := 0; i < 100; i++ {
		_, err = c.ReadLine(50 * time.Millisecond)
		if !errors.Is(err, ErrTimeout) {
			break
		}
	}
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.Empty(t, c.partial)
}

func TestReadLine_DefaultLimit(t *testing.T) {
	c := New(&streamConn{Reader: strings.NewReader(strings.Repeat("y", DefaultMaxLineSize+1) + "\n")})
	_, err := c.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReadLine_TimeoutKeepsPartialLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(client)

	_, err := c.ReadLine(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	go func() {
		server.Write([]byte("REA"))
	}()
	_, err = c.ReadLine(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	go func() {
		server.Write([]byte("DY\r\n"))
	}()
	line, err := c.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "READY", line)
}

func TestReadLine_ClosedConn(t *testing.T) {
	client, server := net.Pipe()
	c := New(client)
	server.Close()

	_, err := c.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	client.Close()
}

func TestWriteLine_JoinsWithSpace(t *testing.T) {
	conn := &streamConn{Reader: strings.NewReader("")}
	c := New(conn)

	require.NoError(t, c.WriteLine("INIT_CONNECT", "abc123"))
	require.NoError(t, c.WriteLine("PING"))
	require.NoError(t, c.WriteLine("CURSOR_MOVE", "-3", "4"))

	assert.Equal(t, "INIT_CONNECT abc123\nPING\nCURSOR_MOVE -3 4\n", conn.String())
}

func TestWriteLine_RefusesEmbeddedTerminators(t *testing.T) {
	conn := &streamConn{Reader: strings.NewReader("")}
	c := New(conn)

	for _, words := range [][]string{
		{"STREAM_SUBSCRIBE", "volume\nDPAD_UP"},
		{"PING\r"},
		{"\n"},
	} {
		err := c.WriteLine(words...)
		assert.ErrorIs(t, err, ErrInvalidLine, "%q", words)
		assert.NotErrorIs(t, err, ErrClosed)
	}
	assert.Empty(t, conn.String())

	require.NoError(t, c.WriteLine("DPAD_UP"))
	assert.Equal(t, "DPAD_UP\n", conn.String())
}

func TestWriteLine_ConcurrentWritersDoNotInterleave(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	writer := New(client)
	reader := New(server)

	const writers = 8
	const perWriter = 50
	payload := strings.Repeat("z", 300)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				assert.NoError(t, writer.WriteLine("EVENT", payload))
			}
		}()
	}

	want := "EVENT " + payload
	for i := 0; i < writers*perWriter; i++ {
		line, err := reader.ReadLine(5 * time.Second)
		require.NoError(t, err)
		require.Equal(t, want, line)
	}
	wg.Wait()
}

func TestWriteLine_ClosedConn(t *testing.T) {
	client, server := net.Pipe()
	server.Close()
	client.Close()

	err := New(client).WriteLine("PING")
	assert.ErrorIs(t, err, ErrClosed)
}
