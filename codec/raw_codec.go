package codec

import "fmt"

// RawCodec passes bytes through untouched. It accepts []byte and string
// values and always decodes to []byte.
type RawCodec struct{}

func (c *RawCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("%w: raw codec needs []byte or string, got %T", ErrUnsupported, v)
	}
}

func (c *RawCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (c *RawCodec) Type() CodecType {
	return CodecTypeRaw
}

func (c *RawCodec) Name() string {
	return "raw"
}
