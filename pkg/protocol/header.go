package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidMagic   = errors.New("invalid protocol magic")
	ErrInvalidVersion = errors.New("unsupported protocol version")
	ErrInvalidHeader  = errors.New("invalid header")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

// Header is the fixed frame header preceding every payload on the socket.
//
//	0      2   3   4   5       8
//	+------+---+---+---+-------+
//	| 'WA' | V | T | F |  len  |
//	+------+---+---+---+-------+
type Header struct {
	Magic   uint16    // Magic number (0x5741)
	Version uint8     // Protocol version
	Type    FrameType // Frame type
	Flags   uint8     // Feature flags
	Length  uint32    // Payload length, 24 bits on the wire
}

// NewHeader returns a header for a payload of the given type and length
func NewHeader(t FrameType, flags uint8, length int) *Header {
	return &Header{
		Magic:   ProtocolMagic,
		Version: ProtocolVersion,
		Type:    t,
		Flags:   flags,
		Length:  uint32(length),
	}
}

// Encode encodes the header to bytes
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)

	binary.BigEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = h.Version
	buf[3] = byte(h.Type)
	buf[4] = h.Flags
	buf[5] = byte(h.Length >> 16)
	buf[6] = byte(h.Length >> 8)
	buf[7] = byte(h.Length)

	return buf
}

// Decode decodes the header from bytes
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrInvalidHeader
	}

	h.Magic = binary.BigEndian.Uint16(buf[0:2])
	h.Version = buf[2]
	h.Type = FrameType(buf[3])
	h.Flags = buf[4]
	h.Length = uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])

	return nil
}

// Validate validates the header
func (h *Header) Validate() error {
	if h.Magic != ProtocolMagic {
		return ErrInvalidMagic
	}

	if h.Version != ProtocolVersion {
		return ErrInvalidVersion
	}

	if !h.Type.Valid() {
		return fmt.Errorf("%w: unknown frame type %d", ErrInvalidHeader, h.Type)
	}

	if h.Length > MaxPayloadSize {
		return ErrFrameTooLarge
	}

	return nil
}

// HasFlag checks if a flag is set
func (h *Header) HasFlag(flag uint8) bool {
	return (h.Flags & flag) != 0
}

// ReadHeader reads a header from an io.Reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	header := &Header{}
	if err := header.Decode(buf); err != nil {
		return nil, err
	}

	if err := header.Validate(); err != nil {
		return nil, err
	}

	return header, nil
}

// WriteHeader writes a header to an io.Writer
func WriteHeader(w io.Writer, h *Header) error {
	buf := h.Encode()
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one header and its payload
func ReadFrame(r io.Reader) (*Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, fmt.Errorf("read payload: %w", err)
	}

	return h, payload, nil
}

// WriteFrame writes header and payload in a single Write call so that
// concurrent writers serialized by the caller never interleave partial frames.
func WriteFrame(w io.Writer, t FrameType, flags uint8, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrFrameTooLarge
	}

	h := NewHeader(t, flags, len(payload))
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, h.Encode()...)
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}
