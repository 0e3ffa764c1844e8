// Package protocol implements the binary frame protocol of async-network.
//
// Every message is a fixed-size 12-byte header followed by a variable-length
// body. The receiver reads the header first to learn the body length, then
// reads exactly that many bytes. There is no magic number, no padding and no
// checksum.
//
// Frame format (all fields big-endian, network byte order):
//
//	0         4         8         12
//	┌─────────┬─────────┬─────────┬────────────────┐
//	│ command │blockTag │ bodyLen │    body ...    │
//	│ uint32  │ uint32  │ uint32  │ bodyLen bytes  │
//	└─────────┴─────────┴─────────┴────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderSize = 12 // 4 (command) + 4 (blockTag) + 4 (bodyLen)

	// DefaultMaxBodyLength bounds the body length a receiver accepts from a header.
	DefaultMaxBodyLength uint32 = 64 << 20
)

// ByteOrder is the byte order of every header field on the wire.
var ByteOrder = binary.BigEndian

// ErrBodyTooLarge is returned when a header declares a body above the accepted limit.
var ErrBodyTooLarge = errors.New("protocol: body length exceeds limit")

// Header is the fixed 12-byte frame header.
type Header struct {
	Command    uint32 // Application-defined opcode
	BlockTag   uint32 // Correlation tag, 0 = no response expected
	BodyLength uint32 // Exact number of body bytes that follow
}

// Marshal returns the 12-byte wire form of the header.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	h.Put(buf)
	return buf
}

// Put writes the header into buf, which must hold at least HeaderSize bytes.
func (h Header) Put(buf []byte) {
	ByteOrder.PutUint32(buf[0:4], h.Command)
	ByteOrder.PutUint32(buf[4:8], h.BlockTag)
	ByteOrder.PutUint32(buf[8:12], h.BodyLength)
}

// ParseHeader decodes a header from exactly HeaderSize bytes.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("protocol: header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	return Header{
		Command:    ByteOrder.Uint32(buf[0:4]),
		BlockTag:   ByteOrder.Uint32(buf[4:8]),
		BodyLength: ByteOrder.Uint32(buf[8:12]),
	}, nil
}

// Frame returns header and body as one contiguous buffer with BodyLength set from body.
func Frame(command, blockTag uint32, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	Header{Command: command, BlockTag: blockTag, BodyLength: uint32(len(body))}.Put(buf)
	copy(buf[HeaderSize:], body)
	return buf
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialize writers sharing w, otherwise frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if int(h.BodyLength) != len(body) {
		return fmt.Errorf("protocol: header declares %d body bytes, got %d", h.BodyLength, len(body))
	}
	if _, err := w.Write(h.Marshal()); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame (header + body) from r.
// A stream that ends inside the body returns io.ErrUnexpectedEOF and no body.
func Decode(r io.Reader) (*Header, []byte, error) {
	return DecodeLimit(r, DefaultMaxBodyLength)
}

// DecodeLimit is Decode with an explicit body length limit (0 disables the check).
func DecodeLimit(r io.Reader, maxBody uint32) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}
	h, err := ParseHeader(headerBuf)
	if err != nil {
		return nil, nil, err
	}
	if err := h.Check(maxBody); err != nil {
		return nil, nil, err
	}

	body := make([]byte, h.BodyLength)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}
	return &h, body, nil
}

// Check validates the declared body length against maxBody (0 = unlimited).
func (h Header) Check(maxBody uint32) error {
	if maxBody > 0 && h.BodyLength > maxBody {
		return fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, h.BodyLength, maxBody)
	}
	return nil
}
