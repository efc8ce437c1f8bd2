// Package protobuf holds the hand-built protobuf messages exchanged with the
// language server. Only the handful of ad hoc messages without a published
// schema live here; field numbers are a fixed external contract.
package protobuf

import (
	"fmt"

	"github.com/bnema/ag-wakeup/internal/domain"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field is one decoded top-level field. Varint holds wire types 0, 1 and 5;
// Bytes holds wire type 2.
type Field struct {
	Number protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// AppendString appends a length-delimited string field, skipping empty values.
func AppendString(b []byte, num protowire.Number, value string) []byte {
	if value == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, value)
}

// AppendMessage appends an embedded message, even when it is empty.
func AppendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func AppendVarint(b []byte, num protowire.Number, value uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, value)
}

func AppendBool(b []byte, num protowire.Number, value bool) []byte {
	return AppendVarint(b, num, protowire.EncodeBool(value))
}

// Fields decodes the top-level fields of msg. Wire types 0, 1, 2 and 5 are
// understood; groups are rejected.
func Fields(msg []byte) ([]Field, error) {
	var fields []Field
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return nil, protocolError("consume tag", protowire.ParseError(n))
		}
		msg = msg[n:]

		field := Field{Number: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(msg)
			if m < 0 {
				return nil, protocolError(fmt.Sprintf("field %d varint", num), protowire.ParseError(m))
			}
			field.Varint, n = v, m
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(msg)
			if m < 0 {
				return nil, protocolError(fmt.Sprintf("field %d fixed64", num), protowire.ParseError(m))
			}
			field.Varint, n = v, m
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(msg)
			if m < 0 {
				return nil, protocolError(fmt.Sprintf("field %d fixed32", num), protowire.ParseError(m))
			}
			field.Varint, n = uint64(v), m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(msg)
			if m < 0 {
				return nil, protocolError(fmt.Sprintf("field %d bytes", num), protowire.ParseError(m))
			}
			field.Bytes, n = v, m
		default:
			return nil, &domain.ProtocolError{Op: "decode protobuf", Reason: fmt.Sprintf("unsupported wire type %d on field %d", typ, num)}
		}

		msg = msg[n:]
		fields = append(fields, field)
	}
	return fields, nil
}

func protocolError(op string, err error) error {
	return &domain.ProtocolError{Op: "decode protobuf " + op, Reason: err.Error()}
}
