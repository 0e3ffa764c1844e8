// Package codec implements the serialization adapter: it turns an arbitrary
// value into a frame body and a frame body back into a value.
//
// Every codec maps nil to an empty body and an empty body back to nil, so a
// frame with BodyLength 0 always means "no object".
package codec

import (
	"errors"
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeGob  CodecType = 1
	CodecTypeRaw  CodecType = 2
)

var (
	// ErrDecode wraps every body decoding failure.
	ErrDecode = errors.New("codec: decode failed")
	// ErrUnsupported is returned when a codec cannot represent a value.
	ErrUnsupported = errors.New("codec: unsupported value")
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
	Type() CodecType
	Name() string
}

// GetCodec returns the codec for the given type, JSON for unknown types.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeGob:
		return &GobCodec{}
	case CodecTypeRaw:
		return &RawCodec{}
	default:
		return &JSONCodec{}
	}
}

// ParseCodec looks a codec up by name (json, gob, raw).
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return &JSONCodec{}, nil
	case "gob":
		return &GobCodec{}, nil
	case "raw", "binary":
		return &RawCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q (expected json, gob or raw)", name)
	}
}

func decodeError(c Codec, err error) error {
	return fmt.Errorf("%w (%s): %v", ErrDecode, c.Name(), err)
}
