package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/bluesync/internal/testutil/testlog"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFieldsRoundTrip(t *testing.T) {
	testlog.Start(t)
	var b []byte
	b = AppendString(b, 2, "model-x")
	b = AppendBytes(b, 4, []byte{0xAA, 0xBB})
	b = AppendBool(b, 5, true)
	b = AppendInt32(b, 1, -3)
	b = AppendMessage(b, 7, nil)

	fields, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(fields) != 5 {
		t.Fatalf("field count got=%d want=5", len(fields))
	}
	if f, ok := GetField(fields, 2); !ok || f.String() != "model-x" {
		t.Fatalf("string field mismatch: %+v", f)
	}
	if f, ok := GetField(fields, 4); !ok || !bytes.Equal(f.Bytes(), []byte{0xAA, 0xBB}) {
		t.Fatalf("bytes field mismatch: %+v", f)
	}
	if f, ok := GetField(fields, 5); !ok || !f.Bool() {
		t.Fatalf("bool field mismatch: %+v", f)
	}
	if f, ok := GetField(fields, 1); !ok || f.Int32() != -3 {
		t.Fatalf("int32 field mismatch: %+v", f)
	}
	if f, ok := GetField(fields, 7); !ok || f.Type != protowire.BytesType || len(f.Value) != 0 {
		t.Fatalf("empty message field mismatch: %+v", f)
	}
}

func TestZeroScalarsAreOmitted(t *testing.T) {
	testlog.Start(t)
	var b []byte
	b = AppendString(b, 1, "")
	b = AppendBytes(b, 2, nil)
	b = AppendBool(b, 3, false)
	b = AppendInt32(b, 4, 0)
	if len(b) != 0 {
		t.Fatalf("expected empty encoding, got %x", b)
	}
}

func TestDecodeFieldsTruncated(t *testing.T) {
	testlog.Start(t)
	b := AppendBytes(nil, 3, []byte("serial"))
	_, err := DecodeFields(b[:len(b)-2])
	if !errors.Is(err, ErrTruncatedValue) {
		t.Fatalf("expected ErrTruncatedValue, got %v", err)
	}
	if _, err := DecodeFields([]byte{0x00}); !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("expected ErrInvalidTag, got %v", err)
	}
}

func TestMustType(t *testing.T) {
	testlog.Start(t)
	f := Field{Num: 3, Type: protowire.VarintType}
	if err := MustType(f, protowire.BytesType); err == nil {
		t.Fatalf("expected type mismatch")
	}
	if err := MustType(f, protowire.VarintType); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
