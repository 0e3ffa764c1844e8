package codec

import (
	"errors"
	"reflect"
	"testing"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	cases := []any{
		"ping",
		float64(42),
		true,
		[]any{"a", float64(1), false},
		map[string]any{
			"name":  "node-1",
			"port":  float64(8080),
			"tags":  []any{"a", "b"},
			"inner": map[string]any{"ok": true},
		},
	}

	for _, original := range cases {
		data, err := jsonCodec.Encode(original)
		if err != nil {
			t.Fatalf("JSONCodec Encode(%v) failed: %v", original, err)
		}
		decoded, err := jsonCodec.Decode(data)
		if err != nil {
			t.Fatalf("JSONCodec Decode(%s) failed: %v", data, err)
		}
		if !reflect.DeepEqual(decoded, original) {
			t.Errorf("round trip mismatch: got %#v, want %#v", decoded, original)
		}
	}
}

func TestGobCodec(t *testing.T) {
	gobCodec := &GobCodec{}

	cases := []any{
		"pong",
		42,
		uint32(7),
		3.5,
		[]byte("raw bytes"),
		[]string{"x", "y"},
		map[string]any{
			"count": 3,
			"name":  "svc",
			"list":  []any{1, "two", 3.0},
		},
	}

	for _, original := range cases {
		data, err := gobCodec.Encode(original)
		if err != nil {
			t.Fatalf("GobCodec Encode(%v) failed: %v", original, err)
		}
		decoded, err := gobCodec.Decode(data)
		if err != nil {
			t.Fatalf("GobCodec Decode failed: %v", err)
		}
		if !reflect.DeepEqual(decoded, original) {
			t.Errorf("round trip mismatch: got %#v, want %#v", decoded, original)
		}
	}
}

func TestRawCodec(t *testing.T) {
	rawCodec := &RawCodec{}

	data, err := rawCodec.Encode("hello")
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := rawCodec.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded.([]byte)) != "hello" {
		t.Fatalf("expect hello, got %v", decoded)
	}

	if _, err := rawCodec.Encode(12); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expect ErrUnsupported, got %v", err)
	}
}

func TestNilAndEmptyBody(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &GobCodec{}, &RawCodec{}} {
		data, err := c.Encode(nil)
		if err != nil {
			t.Fatalf("%s: Encode(nil) failed: %v", c.Name(), err)
		}
		if len(data) != 0 {
			t.Fatalf("%s: expect empty body for nil, got %d bytes", c.Name(), len(data))
		}
		v, err := c.Decode(nil)
		if err != nil || v != nil {
			t.Fatalf("%s: expect nil value for empty body, got %v, %v", c.Name(), v, err)
		}
	}
}

func TestDecodeFailure(t *testing.T) {
	garbage := []byte("not a valid body")
	for _, c := range []Codec{&JSONCodec{}, &GobCodec{}} {
		_, err := c.Decode(garbage)
		if !errors.Is(err, ErrDecode) {
			t.Fatalf("%s: expect ErrDecode, got %v", c.Name(), err)
		}
	}
}

func TestParseCodec(t *testing.T) {
	cases := map[string]CodecType{
		"json":   CodecTypeJSON,
		"":       CodecTypeJSON,
		"GOB":    CodecTypeGob,
		"raw":    CodecTypeRaw,
		"binary": CodecTypeRaw,
	}
	for name, want := range cases {
		c, err := ParseCodec(name)
		if err != nil {
			t.Fatalf("ParseCodec(%q): %v", name, err)
		}
		if c.Type() != want {
			t.Errorf("ParseCodec(%q): expect %d, got %d", name, want, c.Type())
		}
		if GetCodec(want).Type() != want {
			t.Errorf("GetCodec(%d) mismatch", want)
		}
	}
	if _, err := ParseCodec("xml"); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}
