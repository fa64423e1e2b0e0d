package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds a single frame body.
const DefaultMaxFrameSize = 8 << 20

// Frame is one message on a multiplexed connection.
type Frame struct {
	Channel uint64
	Kind    Kind
	Payload []byte
}

// Message decodes the frame payload.
func (f Frame) Message() (Message, error) {
	return Decode(f.Kind, f.Payload)
}

// AppendFrame appends the framed encoding of msg on channel to b:
// varint(body length), varint(channel<<4 | kind), payload.
func AppendFrame(b []byte, channel uint64, msg Message) []byte {
	payload := msg.AppendTo(nil)
	header := channel<<4 | uint64(msg.Kind())
	b = protowire.AppendVarint(b, uint64(protowire.SizeVarint(header)+len(payload)))
	b = protowire.AppendVarint(b, header)
	return append(b, payload...)
}

// WriteFrame writes one framed message to w.
func WriteFrame(w io.Writer, channel uint64, msg Message) error {
	if _, err := w.Write(AppendFrame(nil, channel, msg)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// FrameReader reads frames from a stream.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

// NewFrameReader returns a reader that rejects frames larger than maxSize.
// A non-positive maxSize selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: bufio.NewReader(r), maxSize: maxSize}
}

// ReadFrame reads the next frame. It returns io.EOF only on a clean end of
// stream between frames.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	size, err := fr.readVarint()
	if err != nil {
		return Frame{}, err
	}
	if size > uint64(fr.maxSize) {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return Frame{}, fmt.Errorf("failed to read frame body: %w", unexpected(err))
	}
	header, n := protowire.ConsumeVarint(body)
	if n < 0 {
		return Frame{}, fmt.Errorf("%w: bad frame header", ErrMalformed)
	}
	return Frame{
		Channel: header >> 4,
		Kind:    Kind(header & 0x0f),
		Payload: body[n:],
	}, nil
}

// readVarint reads byte by byte so a short frame never waits on bytes the
// peer has not sent yet.
func (fr *FrameReader) readVarint() (uint64, error) {
	var buf [10]byte
	for i := range buf {
		c, err := fr.r.ReadByte()
		if err != nil {
			if i > 0 {
				return 0, unexpected(err)
			}
			return 0, err
		}
		buf[i] = c
		if c < 0x80 {
			v, n := protowire.ConsumeVarint(buf[:i+1])
			if n < 0 {
				return 0, fmt.Errorf("%w: bad frame length", ErrMalformed)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: frame length overflows", ErrMalformed)
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
