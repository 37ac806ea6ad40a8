package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen           = 8
	Magic        uint16 = 0xFE01
	DefaultChunk        = 20
	DefaultMax          = 4096
	// MaxTotalLen is the largest value the 16-bit length field can carry.
	MaxTotalLen = 0xFFFF
)

var (
	ErrShortHeader    = errors.New("frame: short fixed header")
	ErrInvalidMagic   = errors.New("frame: invalid magic")
	ErrLengthTooSmall = errors.New("frame: total_len smaller than fixed header")
	ErrFrameTooLarge  = errors.New("frame: frame exceeds max size")
	ErrLengthMismatch = errors.New("frame: total_len does not match received bytes")
	ErrInvalidLimits  = errors.New("frame: invalid limits")
)

// Header is the fixed 8-byte wire header. TotalLen includes the header.
type Header struct {
	Magic    uint16
	TotalLen uint16
	Command  uint16
	SeqID    uint16
}

// Frame is one complete wire unit.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains chunking and frame sizes.
type Limits struct {
	ChunkSize    int
	MaxFrameSize int
}

func DefaultLimits() Limits {
	return Limits{
		ChunkSize:    DefaultChunk,
		MaxFrameSize: DefaultMax,
	}
}

func (l Limits) Validate() error {
	if l.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size=%d", ErrInvalidLimits, l.ChunkSize)
	}
	if l.MaxFrameSize < HeaderLen || l.MaxFrameSize > MaxTotalLen {
		return fmt.Errorf("%w: max_frame_size=%d", ErrInvalidLimits, l.MaxFrameSize)
	}
	return nil
}

// DecodeError reports a malformed inbound frame. SeqID and Command come from
// the header when one was available.
type DecodeError struct {
	SeqID   uint16
	Command uint16
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v (seq=%d cmd=0x%04x)", e.Err, e.SeqID, e.Command)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint16(buf[0:2], h.Magic)
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], h.Command)
	binary.BigEndian.PutUint16(buf[6:8], h.SeqID)
}

// DecodeHeader reads the header from the first HeaderLen bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{
		Magic:    binary.BigEndian.Uint16(b[0:2]),
		TotalLen: binary.BigEndian.Uint16(b[2:4]),
		Command:  binary.BigEndian.Uint16(b[4:6]),
		SeqID:    binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// Encode prefixes payload with a header and enforces maxSize.
func Encode(command, seq uint16, payload []byte, maxSize int) ([]byte, error) {
	total := HeaderLen + len(payload)
	if total > maxSize || total > MaxTotalLen {
		return nil, fmt.Errorf("%w: total=%d max=%d", ErrFrameTooLarge, total, maxSize)
	}
	buf := make([]byte, total)
	putHeader(buf, Header{Magic: Magic, TotalLen: uint16(total), Command: command, SeqID: seq})
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Decode parses one exact frame.
func Decode(b []byte, maxSize int) (Frame, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if err := checkHeader(h, maxSize); err != nil {
		return Frame{}, &DecodeError{SeqID: h.SeqID, Command: h.Command, Err: err}
	}
	if int(h.TotalLen) != len(b) {
		return Frame{}, &DecodeError{SeqID: h.SeqID, Command: h.Command, Err: ErrLengthMismatch}
	}
	payload := make([]byte, len(b)-HeaderLen)
	copy(payload, b[HeaderLen:])
	return Frame{Header: h, Payload: payload}, nil
}

func checkHeader(h Header, maxSize int) error {
	if h.Magic != Magic {
		return ErrInvalidMagic
	}
	if h.TotalLen < HeaderLen {
		return ErrLengthTooSmall
	}
	if int(h.TotalLen) > maxSize {
		return fmt.Errorf("%w: total=%d max=%d", ErrFrameTooLarge, h.TotalLen, maxSize)
	}
	return nil
}
