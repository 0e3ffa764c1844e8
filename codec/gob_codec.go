package codec

import (
	"bytes"
	"encoding/gob"
)

// gobEnvelope lets gob carry a value of any registered concrete type.
type gobEnvelope struct {
	Value any
}

func init() {
	Register(map[string]any{})
	Register([]any{})
	Register(map[string]string{})
	Register(map[string]int{})
	Register(map[string]float64{})
}

// Register makes a concrete type transportable by the gob codec.
// Basic types and slices of basic types are known to gob already.
func Register(v any) {
	gob.Register(v)
}

// GobCodec uses encoding/gob. Unlike JSON it preserves concrete Go types,
// as long as every type nested in an interface value has been registered.
type GobCodec struct{}

func (c *GobCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&gobEnvelope{Value: v}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, decodeError(c, err)
	}
	return env.Value, nil
}

func (c *GobCodec) Type() CodecType {
	return CodecTypeGob
}

func (c *GobCodec) Name() string {
	return "gob"
}
