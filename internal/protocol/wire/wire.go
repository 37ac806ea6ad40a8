// Package wire encodes and decodes payload fields in protobuf wire format.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrInvalidTag      = errors.New("wire: invalid field tag")
	ErrTruncatedValue  = errors.New("wire: truncated field value")
	ErrUnsupportedType = errors.New("wire: unsupported wire type")
)

// Field is one decoded field. Length-delimited values land in Value; varint
// and fixed-width values land in Scalar.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Value  []byte
	Scalar uint64
}

func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendRequired always emits a length-delimited field, even when v is
// empty, so required fields survive a round trip.
func AppendRequired(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendMessage always emits the field so an empty embedded message still
// satisfies presence checks.
func AppendMessage(b []byte, num protowire.Number, m []byte) []byte {
	return AppendRequired(b, num, m)
}

func AppendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTag, protowire.ParseError(n))
		}
		payload = payload[n:]
		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(payload)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrTruncatedValue, num, protowire.ParseError(m))
			}
			f.Scalar = v
			n = m
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(payload)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrTruncatedValue, num, protowire.ParseError(m))
			}
			f.Scalar = uint64(v)
			n = m
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(payload)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrTruncatedValue, num, protowire.ParseError(m))
			}
			f.Scalar = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(payload)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrTruncatedValue, num, protowire.ParseError(m))
			}
			f.Value = append([]byte(nil), v...)
			n = m
		default:
			return nil, fmt.Errorf("%w: field %d type %d", ErrUnsupportedType, num, typ)
		}
		payload = payload[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// GetField returns the last occurrence of num, matching protobuf merge rules
// for scalar fields.
func GetField(fields []Field, num protowire.Number) (Field, bool) {
	for i := len(fields) - 1; i >= 0; i-- {
		if fields[i].Num == num {
			return fields[i], true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected protowire.Type) error {
	if f.Type != expected {
		return fmt.Errorf("wire: field %d type mismatch: got %d want %d", f.Num, f.Type, expected)
	}
	return nil
}

func (f Field) String() string {
	return string(f.Value)
}

func (f Field) Bytes() []byte {
	return f.Value
}

func (f Field) Int32() int32 {
	return int32(int64(f.Scalar))
}

func (f Field) Bool() bool {
	return protowire.DecodeBool(f.Scalar)
}
