package encoding

import "fmt"

// InvalidFormatCode is returned when a byte that doesn't correspond to
// any known AMQP format code is encountered where a value was expected.
type InvalidFormatCode uint8

func (e InvalidFormatCode) Error() string {
	return fmt.Sprintf("encoding: invalid format code %#02x", uint8(e))
}

// InvalidDescriptor is returned when a described type's descriptor
// doesn't match any performative, section, or state this codec knows.
type InvalidDescriptor struct {
	Descriptor any
}

func (e InvalidDescriptor) Error() string {
	return fmt.Sprintf("encoding: invalid descriptor %v", e.Descriptor)
}

// UnknownEnumOption describes a ubyte-encoded enumeration (settle mode,
// SASL outcome code, ...) carrying a value outside its defined range.
// No decoder in this package range-checks enum values, so none returns
// it: out-of-range settle modes and SASL codes are decoded unchecked.
type UnknownEnumOption struct {
	Enum  string
	Value uint8
}

func (e UnknownEnumOption) Error() string {
	return fmt.Sprintf("encoding: unknown option %d for enum %s", e.Value, e.Enum)
}

// InvalidChar is returned when a decoded `char` value's codepoint
// exceeds the valid Unicode range.
type InvalidChar uint32

func (e InvalidChar) Error() string {
	return fmt.Sprintf("encoding: invalid char codepoint %#x", uint32(e))
}
