package encoding

import (
	"fmt"
	"math"
	"time"

	"github.com/amqpworks/amqp10/internal/buffer"
)

// Unmarshaler is implemented by types that know how to decode
// themselves from a format-code-prefixed value.
type Unmarshaler interface {
	Unmarshal(r *buffer.Buffer) error
}

// IsNull peeks the next format code and reports whether it is the null
// encoding, without consuming it.
func IsNull(r *buffer.Buffer) bool {
	c, ok := r.PeekByte()
	return ok && TypeCode(c) == TypeCodeNull
}

// TryReadNull consumes a null format code if present and reports
// whether it did.
func TryReadNull(r *buffer.Buffer) bool {
	if !IsNull(r) {
		return false
	}
	_, _ = r.ReadByte()
	return true
}

// ReadType reads and returns the next format code without consuming the
// value it describes.
func ReadType(r *buffer.Buffer) (TypeCode, error) {
	c, ok := r.PeekByte()
	if !ok {
		return 0, buffer.ErrInsufficientData
	}
	return TypeCode(c), nil
}

// Unmarshal decodes the next value from r into i, which must be a
// pointer (or implement Unmarshaler). A null encoding leaves *i
// untouched and returns (false-handled by caller via a prior IsNull
// check); callers that need defaults should check IsNull/TryReadNull
// first, as the frame-field decoder in the frames package does.
func Unmarshal(r *buffer.Buffer, i any) error {
	if u, ok := i.(Unmarshaler); ok {
		return u.Unmarshal(r)
	}
	if p, ok := i.(*DeliveryState); ok {
		ds, err := DecodeDeliveryState(r)
		if err != nil {
			return err
		}
		*p = ds
		return nil
	}

	fc, err := readFormatCode(r)
	if err != nil {
		return err
	}
	if fc == TypeCodeNull {
		return nil
	}

	switch p := i.(type) {
	case *bool:
		return unmarshalBool(r, fc, p)
	case *uint8:
		v, err := readUint(r, fc)
		if err != nil {
			return err
		}
		*p = uint8(v)
	case *uint16:
		v, err := readUint(r, fc)
		if err != nil {
			return err
		}
		*p = uint16(v)
	case *uint32:
		v, err := readUint(r, fc)
		if err != nil {
			return err
		}
		*p = uint32(v)
	case *uint64:
		v, err := readUint(r, fc)
		if err != nil {
			return err
		}
		*p = v
	case *int8:
		v, err := readInt(r, fc)
		if err != nil {
			return err
		}
		*p = int8(v)
	case *int16:
		v, err := readInt(r, fc)
		if err != nil {
			return err
		}
		*p = int16(v)
	case *int32:
		v, err := readInt(r, fc)
		if err != nil {
			return err
		}
		*p = int32(v)
	case *int64:
		v, err := readInt(r, fc)
		if err != nil {
			return err
		}
		*p = v
	case *float32:
		v, err := r.ReadUint32()
		if err != nil {
			return err
		}
		*p = math.Float32frombits(v)
	case *float64:
		v, err := r.ReadUint64()
		if err != nil {
			return err
		}
		*p = math.Float64frombits(v)
	case *string:
		v, err := readStringBody(r, fc)
		if err != nil {
			return err
		}
		*p = v
	case *Symbol:
		v, err := readStringBody(r, fc)
		if err != nil {
			return err
		}
		*p = Symbol(v)
	case *[]byte:
		v, err := readBinaryBody(r, fc)
		if err != nil {
			return err
		}
		*p = v
	case *time.Time:
		v, err := readInt(r, fc)
		if err != nil {
			return err
		}
		*p = unixMillis(v)
	case *UUID:
		buf, ok := r.Next(16)
		if !ok {
			return buffer.ErrInsufficientData
		}
		copy(p[:], buf)
	case *MultiSymbol:
		v, err := readSymbolArray(r, fc)
		if err != nil {
			return err
		}
		*p = v
	case *map[Symbol]any:
		v, err := readMap(r, fc)
		if err != nil {
			return err
		}
		m := make(map[Symbol]any, len(v))
		for k, val := range v {
			if s, ok := k.(Symbol); ok {
				m[s] = val
			} else {
				m[Symbol(fmt.Sprint(k))] = val
			}
		}
		*p = m
	case *map[string]any:
		v, err := readMap(r, fc)
		if err != nil {
			return err
		}
		m := make(map[string]any, len(v))
		for k, val := range v {
			if s, ok := k.(string); ok {
				m[s] = val
			} else {
				m[fmt.Sprint(k)] = val
			}
		}
		*p = m
	case *Annotations:
		v, err := readMap(r, fc)
		if err != nil {
			return err
		}
		*p = Annotations(v)
	case *UnsettledMap:
		v, err := readMap(r, fc)
		if err != nil {
			return err
		}
		m := make(UnsettledMap, len(v))
		for k, val := range v {
			ds, _ := val.(DeliveryState)
			m[fmt.Sprint(k)] = ds
		}
		*p = m
	case *any:
		v, err := readValueBody(r, fc)
		if err != nil {
			return err
		}
		*p = v
	default:
		return unmarshalOptionalPointer(r, fc, i)
	}
	return nil
}

// unmarshalOptionalPointer handles fields declared as a pointer to an
// otherwise-primitive type (Begin.RemoteChannel *uint16, Flow.Handle
// *uint32, Attach.SenderSettleMode *SenderSettleMode, ...): these are
// "present or absent" fields rather than nullable values, so by the
// time Unmarshal is reached (past UnmarshalComposite's null check) the
// value is known to be present and the pointer just needs allocating.
func unmarshalOptionalPointer(r *buffer.Buffer, fc TypeCode, i any) error {
	switch p := i.(type) {
	case **uint16:
		v, err := readUint(r, fc)
		if err != nil {
			return err
		}
		n := uint16(v)
		*p = &n
	case **uint32:
		v, err := readUint(r, fc)
		if err != nil {
			return err
		}
		n := uint32(v)
		*p = &n
	case **SenderSettleMode:
		v, err := readUint(r, fc)
		if err != nil {
			return err
		}
		m := SenderSettleMode(v)
		*p = &m
	case **ReceiverSettleMode:
		v, err := readUint(r, fc)
		if err != nil {
			return err
		}
		m := ReceiverSettleMode(v)
		*p = &m
	default:
		return fmt.Errorf("encoding: unmarshal not implemented for %T", i)
	}
	return nil
}

func readFormatCode(r *buffer.Buffer) (TypeCode, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return TypeCode(b), nil
}

func unmarshalBool(r *buffer.Buffer, fc TypeCode, p *bool) error {
	switch fc {
	case TypeCodeBoolTrue:
		*p = true
	case TypeCodeBoolFalse:
		*p = false
	case TypeCodeBool:
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		*p = b != 0
	default:
		return fmt.Errorf("encoding: invalid format code %#02x for bool", byte(fc))
	}
	return nil
}

func readUint(r *buffer.Buffer, fc TypeCode) (uint64, error) {
	switch fc {
	case TypeCodeUint0, TypeCodeUlong0:
		return 0, nil
	case TypeCodeUbyte, TypeCodeSmallUint, TypeCodeSmallUlong:
		b, err := r.ReadByte()
		return uint64(b), err
	case TypeCodeUshort:
		v, err := r.ReadUint16()
		return uint64(v), err
	case TypeCodeUint:
		v, err := r.ReadUint32()
		return uint64(v), err
	case TypeCodeUlong:
		return r.ReadUint64()
	default:
		return 0, fmt.Errorf("encoding: invalid format code %#02x for unsigned integer", byte(fc))
	}
}

func readInt(r *buffer.Buffer, fc TypeCode) (int64, error) {
	switch fc {
	case TypeCodeByte, TypeCodeSmallint, TypeCodeSmalllong:
		b, err := r.ReadByte()
		return int64(int8(b)), err
	case TypeCodeShort:
		v, err := r.ReadUint16()
		return int64(int16(v)), err
	case TypeCodeInt:
		v, err := r.ReadUint32()
		return int64(int32(v)), err
	case TypeCodeLong, TypeCodeTimestamp:
		v, err := r.ReadUint64()
		return int64(v), err
	default:
		// fall back to treating it as unsigned for widths shared with readUint
		v, err := readUint(r, fc)
		return int64(v), err
	}
}

// unixMillis converts the wire timestamp (ms since epoch, possibly
// negative for pre-epoch instants) to a time.Time, borrowing a second
// the way the spec's §4.1 borrow-arithmetic describes so the nanosecond
// component stays in [0, 1e9).
func unixMillis(ms int64) time.Time {
	sec := ms / 1000
	nsec := (ms % 1000) * int64(time.Millisecond)
	if nsec < 0 {
		sec--
		nsec += int64(time.Second)
	}
	return time.Unix(sec, nsec).UTC()
}

func readStringBody(r *buffer.Buffer, fc TypeCode) (string, error) {
	var n int64
	switch fc {
	case TypeCodeStr8, TypeCodeSym8:
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		n = int64(b)
	case TypeCodeStr32, TypeCodeSym32:
		v, err := r.ReadUint32()
		if err != nil {
			return "", err
		}
		n = int64(v)
	default:
		return "", fmt.Errorf("encoding: invalid format code %#02x for string/symbol", byte(fc))
	}
	buf, ok := r.Next(n)
	if !ok {
		return "", buffer.ErrInsufficientData
	}
	return string(buf), nil
}

func readBinaryBody(r *buffer.Buffer, fc TypeCode) ([]byte, error) {
	var n int64
	switch fc {
	case TypeCodeVbin8:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		n = int64(b)
	case TypeCodeVbin32:
		v, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		n = int64(v)
	default:
		return nil, fmt.Errorf("encoding: invalid format code %#02x for binary", byte(fc))
	}
	buf, ok := r.Next(n)
	if !ok {
		return nil, buffer.ErrInsufficientData
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func readCompoundHeader(r *buffer.Buffer, fc TypeCode, code8, code32 TypeCode) (size, count int64, err error) {
	switch fc {
	case code8:
		szB, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		cntB, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		return int64(szB), int64(cntB), nil
	case code32:
		sz, err := r.ReadUint32()
		if err != nil {
			return 0, 0, err
		}
		cnt, err := r.ReadUint32()
		if err != nil {
			return 0, 0, err
		}
		return int64(sz), int64(cnt), nil
	default:
		return 0, 0, fmt.Errorf("encoding: invalid format code %#02x for compound", byte(fc))
	}
}

// ReadListHeader reads a list/list0/list8/list32 header and returns the
// element count. It is exported for frames.UnmarshalComposite.
func ReadListHeader(r *buffer.Buffer) (count int64, err error) {
	fc, err := readFormatCode(r)
	if err != nil {
		return 0, err
	}
	return readListHeaderWithCode(r, fc)
}

func readListHeaderWithCode(r *buffer.Buffer, fc TypeCode) (int64, error) {
	if fc == TypeCodeList0 {
		return 0, nil
	}
	_, count, err := readCompoundHeader(r, fc, TypeCodeList8, TypeCodeList32)
	return count, err
}

func readList(r *buffer.Buffer, fc TypeCode) ([]any, error) {
	count, err := readListHeaderWithCode(r, fc)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, count)
	for i := int64(0); i < count; i++ {
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readMap(r *buffer.Buffer, fc TypeCode) (map[any]any, error) {
	_, count, err := readCompoundHeader(r, fc, TypeCodeMap8, TypeCodeMap32)
	if err != nil {
		return nil, err
	}
	if count%2 != 0 {
		return nil, fmt.Errorf("encoding: odd map element count %d", count)
	}
	out := make(map[any]any, count/2)
	for i := int64(0); i < count; i += 2 {
		k, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func readArray(r *buffer.Buffer, fc TypeCode) ([]any, error) {
	_, count, err := readCompoundHeader(r, fc, TypeCodeArray8, TypeCodeArray32)
	if err != nil {
		return nil, err
	}
	elemFC, err := readFormatCode(r)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, count)
	for i := int64(0); i < count; i++ {
		v, err := readValueBody(r, elemFC)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readSymbolArray(r *buffer.Buffer, fc TypeCode) (MultiSymbol, error) {
	switch fc {
	case TypeCodeSym8, TypeCodeSym32:
		s, err := readStringBody(r, fc)
		if err != nil {
			return nil, err
		}
		return MultiSymbol{Symbol(s)}, nil
	case TypeCodeArray8, TypeCodeArray32:
		vals, err := readArray(r, fc)
		if err != nil {
			return nil, err
		}
		out := make(MultiSymbol, len(vals))
		for i, v := range vals {
			out[i], _ = v.(Symbol)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("encoding: invalid format code %#02x for symbol array", byte(fc))
	}
}

// ReadAny decodes the next value generically, returning a native Go
// value (or a described composite's raw descriptor/body pair when no
// more specific decoder applies). It is the dynamic counterpart to
// Marshal and backs application-properties values, annotation values,
// and generic list/array elements.
func ReadAny(r *buffer.Buffer) (any, error) {
	fc, err := readFormatCode(r)
	if err != nil {
		return nil, err
	}
	return readValueBody(r, fc)
}

func readValueBody(r *buffer.Buffer, fc TypeCode) (any, error) {
	switch fc {
	case TypeCodeNull:
		return nil, nil
	case TypeCodeBoolTrue:
		return true, nil
	case TypeCodeBoolFalse:
		return false, nil
	case TypeCodeBool:
		b, err := r.ReadByte()
		return b != 0, err
	case TypeCodeUbyte:
		b, err := r.ReadByte()
		return b, err
	case TypeCodeByte:
		b, err := r.ReadByte()
		return int8(b), err
	case TypeCodeUshort:
		return r.ReadUint16()
	case TypeCodeShort:
		v, err := r.ReadUint16()
		return int16(v), err
	case TypeCodeUint, TypeCodeSmallUint, TypeCodeUint0:
		v, err := readUint(r, fc)
		return uint32(v), err
	case TypeCodeInt, TypeCodeSmallint:
		v, err := readInt(r, fc)
		return int32(v), err
	case TypeCodeUlong, TypeCodeSmallUlong, TypeCodeUlong0:
		return readUint(r, fc)
	case TypeCodeLong, TypeCodeSmalllong:
		return readInt(r, fc)
	case TypeCodeFloat:
		v, err := r.ReadUint32()
		return math.Float32frombits(v), err
	case TypeCodeDouble:
		v, err := r.ReadUint64()
		return math.Float64frombits(v), err
	case TypeCodeTimestamp:
		v, err := r.ReadUint64()
		return unixMillis(int64(v)), err
	case TypeCodeChar:
		v, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		if v > 0x10FFFF {
			return nil, InvalidChar(v)
		}
		return rune(v), nil
	case TypeCodeUUID:
		buf, ok := r.Next(16)
		if !ok {
			return nil, buffer.ErrInsufficientData
		}
		var u UUID
		copy(u[:], buf)
		return u, nil
	case TypeCodeVbin8, TypeCodeVbin32:
		return readBinaryBody(r, fc)
	case TypeCodeStr8, TypeCodeStr32:
		return readStringBody(r, fc)
	case TypeCodeSym8, TypeCodeSym32:
		s, err := readStringBody(r, fc)
		return Symbol(s), err
	case TypeCodeList0, TypeCodeList8, TypeCodeList32:
		return readList(r, fc)
	case TypeCodeMap8, TypeCodeMap32:
		return readMap(r, fc)
	case TypeCodeArray8, TypeCodeArray32:
		return readArray(r, fc)
	case 0x00:
		// described type: descriptor value followed by the body.
		descriptor, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		value, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		return resolveDescribed(descriptor, value), nil
	default:
		return nil, InvalidFormatCode(fc)
	}
}

// resolveDescribed turns a generic described (descriptor, body) pair
// into one of the concrete delivery-state/outcome types this codec
// understands, falling back to DescribedType for anything else (e.g.
// transaction or custom extension types, out of scope per §1).
func resolveDescribed(descriptor, value any) any {
	code, ok := descriptorCode(descriptor)
	if !ok {
		return &DescribedType{Descriptor: descriptor, Value: value}
	}
	switch TypeCode(code) {
	case TypeCodeStateAccepted:
		return &StateAccepted{}
	case TypeCodeStateReleased:
		return &StateReleased{}
	case TypeCodeStateReceived:
		return &StateReceived{}
	case TypeCodeStateRejected:
		return &StateRejected{}
	case TypeCodeStateModified:
		return &StateModified{}
	case TypeCodeError:
		return &Error{}
	default:
		return &DescribedType{Descriptor: descriptor, Value: value}
	}
}

func descriptorCode(descriptor any) (uint64, bool) {
	switch d := descriptor.(type) {
	case uint8:
		return uint64(d), true
	case uint32:
		return uint64(d), true
	case uint64:
		return d, true
	default:
		return 0, false
	}
}

// PeekDescriptorCode looks at the next described value without
// consuming it from r, returning the numeric form of its descriptor
// (resolving a symbolic descriptor back to its code). Frame and
// section dispatch use this to pick which concrete type to decode
// into before calling its Unmarshal.
func PeekDescriptorCode(r *buffer.Buffer) (uint64, error) {
	tmp := buffer.New(r.Bytes())
	fc, err := readFormatCode(tmp)
	if err != nil {
		return 0, err
	}
	if fc != 0x00 {
		return 0, fmt.Errorf("encoding: expected described type, got format code %#02x", byte(fc))
	}
	descriptor, err := ReadAny(tmp)
	if err != nil {
		return 0, err
	}
	if code, ok := descriptorCode(descriptor); ok {
		return code, nil
	}
	if sym, ok := descriptor.(Symbol); ok {
		for code, s := range descriptorSymbols {
			if s == sym {
				return uint64(code), nil
			}
		}
	}
	return 0, fmt.Errorf("encoding: non-resolvable descriptor %v", descriptor)
}

// ReadDescriptor consumes the descriptor prefix of a described value
// (written by WriteDescriptor) and errors if it doesn't match code; used
// by callers decoding a bare described value (message sections) rather
// than a described-list composite.
func ReadDescriptor(r *buffer.Buffer, code TypeCode) (uint64, error) {
	got, err := PeekDescriptorCode(r)
	if err != nil {
		return 0, err
	}
	if got != uint64(code) {
		return 0, fmt.Errorf("encoding: expected descriptor %#x, got %#x", uint8(code), got)
	}
	fc, err := readFormatCode(r)
	if err != nil {
		return 0, err
	}
	if fc != 0x00 {
		return 0, fmt.Errorf("encoding: expected described type, got format code %#02x", byte(fc))
	}
	if _, err := ReadAny(r); err != nil {
		return 0, err
	}
	return got, nil
}

// UnmarshalField is one positional field of a described-list composite
// being decoded; HandleNull supplies the documented default (or a
// RequiredFieldOmitted error) when the wire form omits the field.
type UnmarshalField struct {
	Field      any
	HandleNull func() error
}

// UnmarshalComposite reads a described-list composite whose descriptor
// must match one of wantCodes (the ulong form and its symbol alias),
// then decodes up to the list's field count into fields in order.
// Missing trailing fields invoke HandleNull for defaulting; a null
// encountered mid-list also invokes HandleNull. Extra trailing bytes in
// the list beyond len(fields) are ignored (§4.2).
func UnmarshalComposite(r *buffer.Buffer, wantCode TypeCode, fields []UnmarshalField) error {
	fc, err := readFormatCode(r)
	if err != nil {
		return err
	}
	if fc != 0x00 {
		return fmt.Errorf("encoding: expected described type, got format code %#02x", byte(fc))
	}

	descriptor, err := ReadAny(r)
	if err != nil {
		return err
	}
	if !matchesDescriptor(descriptor, wantCode) {
		return fmt.Errorf("encoding: unexpected descriptor %v, want code %#x", descriptor, byte(wantCode))
	}

	listFC, err := readFormatCode(r)
	if err != nil {
		return err
	}
	count, err := readListHeaderWithCode(r, listFC)
	if err != nil {
		return err
	}

	for i, f := range fields {
		if int64(i) >= count {
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}
		if TryReadNull(r) {
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}
		if err := Unmarshal(r, f.Field); err != nil {
			return err
		}
	}

	// drain any fields present on the wire beyond what we modeled
	for i := int64(len(fields)); i < count; i++ {
		if _, err := ReadAny(r); err != nil {
			return err
		}
	}
	return nil
}

func matchesDescriptor(descriptor any, wantCode TypeCode) bool {
	if code, ok := descriptorCode(descriptor); ok {
		return TypeCode(code) == wantCode
	}
	if sym, ok := descriptor.(Symbol); ok {
		return sym == DescriptorSymbol(wantCode)
	}
	return false
}

// DescriptorSymbol returns the symbolic alias for a descriptor code,
// e.g. TypeCodeOpen -> "amqp:open:list". Performatives and sections may
// legally be encoded with either the numeric or symbolic descriptor.
func DescriptorSymbol(code TypeCode) Symbol {
	if s, ok := descriptorSymbols[code]; ok {
		return s
	}
	return ""
}

var descriptorSymbols = map[TypeCode]Symbol{
	TypeCodeOpen:                  "amqp:open:list",
	TypeCodeBegin:                 "amqp:begin:list",
	TypeCodeAttach:                "amqp:attach:list",
	TypeCodeFlow:                  "amqp:flow:list",
	TypeCodeTransfer:              "amqp:transfer:list",
	TypeCodeDisposition:           "amqp:disposition:list",
	TypeCodeDetach:                "amqp:detach:list",
	TypeCodeEnd:                   "amqp:end:list",
	TypeCodeClose:                 "amqp:close:list",
	TypeCodeSource:                "amqp:source:list",
	TypeCodeTarget:                "amqp:target:list",
	TypeCodeError:                 "amqp:error:list",
	TypeCodeMessageHeader:         "amqp:header:list",
	TypeCodeDeliveryAnnotations:   "amqp:delivery-annotations:map",
	TypeCodeMessageAnnotations:    "amqp:message-annotations:map",
	TypeCodeMessageProperties:     "amqp:properties:list",
	TypeCodeApplicationProperties: "amqp:application-properties:map",
	TypeCodeApplicationData:       "amqp:data:binary",
	TypeCodeAMQPSequence:          "amqp:amqp-sequence:list",
	TypeCodeAMQPValue:             "amqp:amqp-value:*",
	TypeCodeFooter:                "amqp:footer:map",
	TypeCodeStateReceived:         "amqp:received:list",
	TypeCodeStateAccepted:         "amqp:accepted:list",
	TypeCodeStateRejected:         "amqp:rejected:list",
	TypeCodeStateReleased:         "amqp:released:list",
	TypeCodeStateModified:         "amqp:modified:list",
	TypeCodeSASLMechanisms:        "amqp:sasl-mechanisms:list",
	TypeCodeSASLInit:              "amqp:sasl-init:list",
	TypeCodeSASLChallenge:         "amqp:sasl-challenge:list",
	TypeCodeSASLResponse:          "amqp:sasl-response:list",
	TypeCodeSASLOutcome:           "amqp:sasl-outcome:list",
}

// RequiredFieldOmitted reports a missing mandatory field during decode.
type RequiredFieldOmitted string

func (e RequiredFieldOmitted) Error() string {
	return fmt.Sprintf("encoding: required field %q omitted", string(e))
}
