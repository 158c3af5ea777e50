package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds each half of a frame read from a byte stream.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned for frames over MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Frame is one transport unit: an encoded envelope plus the raw side channel.
type Frame struct {
	Envelope []byte
	Raw      []byte
}

// Marshal packs a frame as two uvarint-length-prefixed sections.
func (f Frame) Marshal() []byte {
	b := make([]byte, 0, len(f.Envelope)+len(f.Raw)+2*binary.MaxVarintLen64)
	b = binary.AppendUvarint(b, uint64(len(f.Envelope)))
	b = append(b, f.Envelope...)
	b = binary.AppendUvarint(b, uint64(len(f.Raw)))
	b = append(b, f.Raw...)
	return b
}

// UnmarshalFrame is the inverse of Frame.Marshal for message-oriented
// transports that deliver one frame per message.
func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	n, size := binary.Uvarint(b)
	if size <= 0 || uint64(len(b)-size) < n {
		return f, fmt.Errorf("frame envelope: %w", io.ErrUnexpectedEOF)
	}
	b = b[size:]
	f.Envelope, b = b[:n], b[n:]

	n, size = binary.Uvarint(b)
	if size <= 0 || uint64(len(b)-size) < n {
		return f, fmt.Errorf("frame raw: %w", io.ErrUnexpectedEOF)
	}
	b = b[size:]
	if n > 0 {
		f.Raw = b[:n]
	}
	return f, nil
}

// WriteFrame writes a frame to a byte stream.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(f.Marshal())
	return err
}

// ReadFrame reads one frame from a byte stream.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var f Frame
	env, err := readSection(r)
	if err != nil {
		return f, err
	}
	raw, err := readSection(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return f, err
	}
	f.Envelope, f.Raw = env, raw
	return f, nil
}

func readSection(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// NewFrame encodes env and pairs it with raw.
func NewFrame(env *Envelope, raw []byte) Frame {
	return Frame{Envelope: Encode(env), Raw: raw}
}

// Open decodes the envelope half of a frame.
func (f Frame) Open() (*Envelope, error) {
	return Decode(f.Envelope)
}
