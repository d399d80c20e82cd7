// Package linecodec implements the framing shared by the stdio and TCP
// transports: delimiter-terminated UTF-8 JSON, or length-prefixed
// frames for binary mode.
package linecodec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge indicates an inbound frame exceeded the
	// configured bound.  The connection should be torn down, as the
	// stream can no longer be trusted to be in sync.
	ErrFrameTooLarge = errors.New("linecodec: frame exceeds maximum size")
)

// Framer reads and writes whole frames on a byte stream.  A Framer is
// not safe for concurrent use; sessions serialize reads and writes on
// separate goroutines with separate framers per direction handled by
// the owning connection.
type Framer struct {
	reader       *bufio.Reader
	writer       *bufio.Writer
	delimiter    byte
	lengthPrefix bool
	maxFrame     int
}

// Config controls a Framer.
type Config struct {
	// Delimiter terminates frames in delimiter mode; defaults to '\n'
	Delimiter byte

	// LengthPrefix switches to 4-byte big-endian length framing
	LengthPrefix bool

	// MaxFrame bounds a single frame; nonpositive means 1 MiB
	MaxFrame int

	// BufferSize is the bufio buffer capacity; nonpositive means 4096
	BufferSize int
}

func (c Config) delimiter() byte {
	if c.Delimiter != 0 {
		return c.Delimiter
	}

	return '\n'
}

func (c Config) maxFrame() int {
	if c.MaxFrame > 0 {
		return c.MaxFrame
	}

	return 1 << 20
}

func (c Config) bufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}

	return 4096
}

// New constructs a Framer over the given stream.
func New(rw io.ReadWriter, c Config) *Framer {
	return &Framer{
		reader:       bufio.NewReaderSize(rw, c.bufferSize()),
		writer:       bufio.NewWriterSize(rw, c.bufferSize()),
		delimiter:    c.delimiter(),
		lengthPrefix: c.LengthPrefix,
		maxFrame:     c.maxFrame(),
	}
}

// ReadFrame blocks for the next whole frame.  The returned slice is
// freshly allocated and safe to retain.
func (f *Framer) ReadFrame() ([]byte, error) {
	if f.lengthPrefix {
		return f.readLengthPrefixed()
	}

	return f.readDelimited()
}

func (f *Framer) readDelimited() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := f.reader.ReadSlice(f.delimiter)
		frame = append(frame, chunk...)
		if len(frame) > f.maxFrame {
			return nil, ErrFrameTooLarge
		}

		switch {
		case err == nil:
			// strip the delimiter; tolerate a preceding CR for
			// crlf-terminating peers
			frame = frame[:len(frame)-1]
			if f.delimiter == '\n' && len(frame) > 0 && frame[len(frame)-1] == '\r' {
				frame = frame[:len(frame)-1]
			}

			return frame, nil

		case errors.Is(err, bufio.ErrBufferFull):
			continue

		default:
			return nil, err
		}
	}
}

func (f *Framer) readLengthPrefixed() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(f.reader, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if int(length) > f.maxFrame {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(f.reader, frame); err != nil {
		return nil, err
	}

	return frame, nil
}

// WriteFrame writes one frame and flushes it.
func (f *Framer) WriteFrame(frame []byte) error {
	if len(frame) > f.maxFrame {
		return ErrFrameTooLarge
	}

	if f.lengthPrefix {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
		if _, err := f.writer.Write(header[:]); err != nil {
			return err
		}
	}

	if _, err := f.writer.Write(frame); err != nil {
		return err
	}

	if !f.lengthPrefix {
		if err := f.writer.WriteByte(f.delimiter); err != nil {
			return err
		}
	}

	return f.writer.Flush()
}

// String describes the framing mode for logs.
func (f *Framer) String() string {
	if f.lengthPrefix {
		return "lengthPrefix"
	}

	return fmt.Sprintf("delimiter(%q)", f.delimiter)
}
