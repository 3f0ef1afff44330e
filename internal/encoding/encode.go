package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/amqpworks/amqp10/internal/buffer"
)

// Marshaler is implemented by every described type and enum in this
// package and in the frames package; Marshal falls back to it for any
// value it doesn't have a primitive case for.
type Marshaler interface {
	Marshal(wr *buffer.Buffer) error
}

// EncodedSizer is implemented by types that can report their exact
// encoded length without actually encoding, so frame headers can be
// sized up front.
type EncodedSizer interface {
	EncodedSize() int
}

// Marshal encodes i onto wr, choosing the most compact format code that
// round-trips the value (§4.1: "smaller integer encodings MUST be
// emitted when the value fits"). Lists and maps are the exception: they
// are always written in their 32-bit compound forms.
func Marshal(wr *buffer.Buffer, i any) error {
	switch t := i.(type) {
	case nil:
		wr.AppendByte(byte(TypeCodeNull))
	case bool:
		if t {
			wr.AppendByte(byte(TypeCodeBoolTrue))
		} else {
			wr.AppendByte(byte(TypeCodeBoolFalse))
		}
	case *bool:
		return Marshal(wr, *t)
	case uint:
		writeUint64(wr, uint64(t))
	case *uint:
		writeUint64(wr, uint64(*t))
	case uint64:
		writeUint64(wr, t)
	case *uint64:
		writeUint64(wr, *t)
	case uint32:
		writeUint32(wr, t)
	case *uint32:
		writeUint32(wr, *t)
	case uint16:
		wr.AppendByte(byte(TypeCodeUshort))
		wr.AppendUint16(t)
	case *uint16:
		return Marshal(wr, *t)
	case uint8:
		wr.AppendByte(byte(TypeCodeUbyte))
		wr.AppendByte(t)
	case *uint8:
		return Marshal(wr, *t)
	case int:
		writeInt64(wr, int64(t))
	case *int:
		writeInt64(wr, int64(*t))
	case int8:
		wr.AppendByte(byte(TypeCodeByte))
		wr.AppendByte(uint8(t))
	case *int8:
		return Marshal(wr, *t)
	case int16:
		wr.AppendByte(byte(TypeCodeShort))
		wr.AppendUint16(uint16(t))
	case *int16:
		return Marshal(wr, *t)
	case int32:
		writeInt32(wr, t)
	case *int32:
		writeInt32(wr, *t)
	case int64:
		writeInt64(wr, t)
	case *int64:
		writeInt64(wr, *t)
	case float32:
		wr.AppendByte(byte(TypeCodeFloat))
		wr.AppendUint32(math.Float32bits(t))
	case *float32:
		return Marshal(wr, *t)
	case float64:
		wr.AppendByte(byte(TypeCodeDouble))
		wr.WriteUint64(math.Float64bits(t))
	case *float64:
		return Marshal(wr, *t)
	case string:
		return WriteString(wr, t)
	case *string:
		return WriteString(wr, *t)
	case Symbol:
		return writeSymbol(wr, t)
	case *Symbol:
		return writeSymbol(wr, *t)
	case []byte:
		return WriteBinary(wr, t)
	case *[]byte:
		return WriteBinary(wr, *t)
	case time.Time:
		writeTimestamp(wr, t)
	case *time.Time:
		writeTimestamp(wr, *t)
	case UUID:
		wr.AppendByte(byte(TypeCodeUUID))
		wr.Write(t[:])
	case *UUID:
		return Marshal(wr, *t)
	case MultiSymbol:
		return writeSymbolArray(wr, t)
	case *MultiSymbol:
		return writeSymbolArray(wr, *t)
	case []Symbol:
		return writeSymbolArray(wr, MultiSymbol(t))
	case map[Symbol]any:
		return writeMap(wr, t)
	case map[string]any:
		return writeMap(wr, t)
	case Annotations:
		return writeMap(wr, t)
	case UnsettledMap:
		return writeMap(wr, t)
	case []any:
		return writeList(wr, t)
	case Marshaler:
		return t.Marshal(wr)
	default:
		return fmt.Errorf("encoding: marshal not implemented for %T", i)
	}
	return nil
}

func writeInt32(wr *buffer.Buffer, n int32) {
	if n >= -128 && n < 128 {
		wr.AppendByte(byte(TypeCodeSmallint))
		wr.AppendByte(byte(n))
		return
	}
	wr.AppendByte(byte(TypeCodeInt))
	wr.AppendUint32(uint32(n))
}

func writeInt64(wr *buffer.Buffer, n int64) {
	if n >= -128 && n < 128 {
		wr.AppendByte(byte(TypeCodeSmalllong))
		wr.AppendByte(byte(n))
		return
	}
	wr.AppendByte(byte(TypeCodeLong))
	wr.WriteUint64(uint64(n))
}

func writeUint32(wr *buffer.Buffer, n uint32) {
	switch {
	case n == 0:
		wr.AppendByte(byte(TypeCodeUint0))
	case n < 256:
		wr.AppendByte(byte(TypeCodeSmallUint))
		wr.AppendByte(byte(n))
	default:
		wr.AppendByte(byte(TypeCodeUint))
		wr.AppendUint32(n)
	}
}

func writeUint64(wr *buffer.Buffer, n uint64) {
	switch {
	case n == 0:
		wr.AppendByte(byte(TypeCodeUlong0))
	case n < 256:
		wr.AppendByte(byte(TypeCodeSmallUlong))
		wr.AppendByte(byte(n))
	default:
		wr.AppendByte(byte(TypeCodeUlong))
		wr.WriteUint64(n)
	}
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) {
	wr.AppendByte(byte(TypeCodeTimestamp))
	ms := t.UnixNano() / int64(time.Millisecond)
	wr.WriteUint64(uint64(ms))
}

// WriteString encodes an UTF-8 string, choosing str8 or str32 by length.
func WriteString(wr *buffer.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return errors.New("encoding: not a valid UTF-8 string")
	}
	l := len(s)
	switch {
	case l < 256:
		wr.AppendByte(byte(TypeCodeStr8))
		wr.AppendByte(byte(l))
	case uint(l) <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeStr32))
		wr.AppendUint32(uint32(l))
	default:
		return errors.New("encoding: string too long")
	}
	wr.WriteString(s)
	return nil
}

func writeSymbol(wr *buffer.Buffer, s Symbol) error {
	l := len(s)
	switch {
	case l < 256:
		wr.AppendByte(byte(TypeCodeSym8))
		wr.AppendByte(byte(l))
	case uint(l) <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeSym32))
		wr.AppendUint32(uint32(l))
	default:
		return errors.New("encoding: symbol too long")
	}
	wr.WriteString(string(s))
	return nil
}

// WriteBinary encodes bin as vbin8 or vbin32 depending on length.
func WriteBinary(wr *buffer.Buffer, bin []byte) error {
	l := len(bin)
	switch {
	case l < 256:
		wr.AppendByte(byte(TypeCodeVbin8))
		wr.AppendByte(byte(l))
	case uint(l) <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeVbin32))
		wr.AppendUint32(uint32(l))
	default:
		return errors.New("encoding: binary too long")
	}
	wr.Write(bin)
	return nil
}

func writeSymbolArray(wr *buffer.Buffer, syms MultiSymbol) error {
	if len(syms) == 1 {
		return writeSymbol(wr, syms[0])
	}
	// encode each symbol into a scratch buffer first so the array header
	// can carry the exact payload size.
	var elems buffer.Buffer
	for _, s := range syms {
		elems.WriteString(string(s))
	}
	writeVariableArrayHeader(wr, len(syms), elems.Len(), TypeCodeSym32)
	for _, s := range syms {
		wr.AppendUint32(uint32(len(s)))
		wr.WriteString(string(s))
	}
	return nil
}

func writeList(wr *buffer.Buffer, l []any) error {
	startIdx := wr.Len()
	wr.AppendByte(byte(TypeCodeList32))
	wr.Write([]byte{0, 0, 0, 0})
	wr.Write([]byte{0, 0, 0, 0})
	preLen := wr.Len()
	for _, v := range l {
		if err := Marshal(wr, v); err != nil {
			return err
		}
	}
	size := uint32(wr.Len() - preLen + 4)
	buf := wr.Bytes()
	binary.BigEndian.PutUint32(buf[startIdx+1:], size)
	binary.BigEndian.PutUint32(buf[startIdx+5:], uint32(len(l)))
	return nil
}

func writeMap(wr *buffer.Buffer, m any) error {
	startIdx := wr.Len()
	wr.Write([]byte{byte(TypeCodeMap32), 0, 0, 0, 0, 0, 0, 0, 0})

	var pairs int
	writeKV := func(k, v any) error {
		if err := Marshal(wr, k); err != nil {
			return err
		}
		return Marshal(wr, v)
	}

	switch mm := m.(type) {
	case map[Symbol]any:
		pairs = len(mm) * 2
		for k, v := range mm {
			if err := writeKV(k, v); err != nil {
				return err
			}
		}
	case map[string]any:
		pairs = len(mm) * 2
		for k, v := range mm {
			if err := writeKV(k, v); err != nil {
				return err
			}
		}
	case Annotations:
		pairs = len(mm) * 2
		for k, v := range mm {
			if err := writeKV(k, v); err != nil {
				return err
			}
		}
	case UnsettledMap:
		pairs = len(mm) * 2
		for k, v := range mm {
			if err := writeKV(k, v); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("encoding: unsupported map type %T", m)
	}

	if uint(pairs) > math.MaxUint32-4 {
		return errors.New("encoding: map has too many elements")
	}
	bytes := wr.Bytes()[startIdx+1 : startIdx+9]
	length := wr.Len() - startIdx - 1 - 4
	binary.BigEndian.PutUint32(bytes[:4], uint32(length))
	binary.BigEndian.PutUint32(bytes[4:8], uint32(pairs))
	return nil
}

const (
	array8HeaderLen  = 2
	array32HeaderLen = 5
)

func writeVariableArrayHeader(wr *buffer.Buffer, length, elementsSize int, elemType TypeCode) {
	size := elementsSize + length*4 // 32-bit size-prefixed elements (symbols)
	if size+array8HeaderLen <= math.MaxUint8 {
		wr.AppendByte(byte(TypeCodeArray8))
		wr.AppendByte(byte(size + array8HeaderLen))
		wr.AppendByte(byte(length))
		wr.AppendByte(byte(elemType))
		return
	}
	wr.AppendByte(byte(TypeCodeArray32))
	wr.AppendUint32(uint32(size + array32HeaderLen))
	wr.AppendUint32(uint32(length))
	wr.AppendByte(byte(elemType))
}

// WriteDescriptor writes the `0x00 <smallulong|ulong> code` descriptor
// prefix shared by every described type.
func WriteDescriptor(wr *buffer.Buffer, code TypeCode) {
	wr.AppendByte(0x00)
	if uint8(code) == uint8(code) { // always true; descriptor codes here fit in a ubyte
		wr.AppendByte(byte(TypeCodeSmallUlong))
		wr.AppendByte(byte(code))
	}
}

// MarshalField is one positional field of a described-list composite.
type MarshalField struct {
	Value any  // value to encode; nil/omit encodes as null
	Omit  bool // true to encode this field (and any all-omitted suffix) as absent
}

// MarshalComposite writes a described-list composite: the descriptor,
// then a list whose trailing omitted fields are dropped entirely (not
// even encoded as null), matching the AMQP "trailing omission" rule.
func MarshalComposite(wr *buffer.Buffer, code TypeCode, fields []MarshalField) error {
	lastSet := -1
	for i, f := range fields {
		if !f.Omit {
			lastSet = i
		}
	}

	if lastSet == -1 {
		wr.Write([]byte{0x00, byte(TypeCodeSmallUlong), byte(code), byte(TypeCodeList0)})
		return nil
	}

	WriteDescriptor(wr, code)
	wr.AppendByte(byte(TypeCodeList32))
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	preFieldLen := wr.Len()
	wr.AppendUint32(uint32(lastSet + 1))

	for _, f := range fields[:lastSet+1] {
		if f.Omit {
			wr.AppendByte(byte(TypeCodeNull))
			continue
		}
		if err := Marshal(wr, f.Value); err != nil {
			return err
		}
	}

	size := uint32(wr.Len() - preFieldLen)
	buf := wr.Bytes()
	binary.BigEndian.PutUint32(buf[sizeIdx:], size)
	return nil
}
