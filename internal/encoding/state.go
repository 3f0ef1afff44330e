package encoding

import (
	"time"

	"github.com/amqpworks/amqp10/internal/buffer"
)

// DecodeDeliveryState peeks the descriptor of the next described value
// and dispatches to the matching concrete DeliveryState's Unmarshal.
// Callers (Transfer.State, Disposition.State, ...) use this instead of
// a fixed type because the wire doesn't tell them which outcome to
// expect ahead of time.
func DecodeDeliveryState(r *buffer.Buffer) (DeliveryState, error) {
	peek, err := PeekDescriptorCode(r)
	if err != nil {
		return nil, err
	}
	var ds DeliveryState
	switch TypeCode(peek) {
	case TypeCodeStateReceived:
		ds = &StateReceived{}
	case TypeCodeStateAccepted:
		ds = &StateAccepted{}
	case TypeCodeStateRejected:
		ds = &StateRejected{}
	case TypeCodeStateReleased:
		ds = &StateReleased{}
	case TypeCodeStateModified:
		ds = &StateModified{}
	default:
		return nil, InvalidDescriptor{Descriptor: peek}
	}
	if err := ds.(Unmarshaler).Unmarshal(r); err != nil {
		return nil, err
	}
	return ds, nil
}

func (sr *StateReceived) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReceived, []MarshalField{
		{Value: sr.SectionNumber},
		{Value: sr.SectionOffset},
	})
}

func (sr *StateReceived) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReceived, []UnmarshalField{
		{Field: &sr.SectionNumber, HandleNull: func() error { return RequiredFieldOmitted("section-number") }},
		{Field: &sr.SectionOffset, HandleNull: func() error { return RequiredFieldOmitted("section-offset") }},
	})
}

func (sa *StateAccepted) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateAccepted, nil)
}

func (sa *StateAccepted) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateAccepted, nil)
}

func (sr *StateRejected) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateRejected, []MarshalField{
		{Value: sr.Error, Omit: sr.Error == nil},
	})
}

func (sr *StateRejected) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateRejected, []UnmarshalField{
		{Field: &sr.Error},
	})
}

func (sr *StateReleased) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReleased, nil)
}

func (sr *StateReleased) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReleased, nil)
}

func (sm *StateModified) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateModified, []MarshalField{
		{Value: sm.DeliveryFailed, Omit: !sm.DeliveryFailed},
		{Value: sm.UndeliverableHere, Omit: !sm.UndeliverableHere},
		{Value: sm.MessageAnnotations, Omit: len(sm.MessageAnnotations) == 0},
	})
}

func (sm *StateModified) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateModified, []UnmarshalField{
		{Field: &sm.DeliveryFailed},
		{Field: &sm.UndeliverableHere},
		{Field: &sm.MessageAnnotations},
	})
}

func (e *Error) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeError, []MarshalField{
		{Value: Symbol(e.Condition)},
		{Value: e.Description, Omit: e.Description == ""},
		{Value: e.Info, Omit: len(e.Info) == 0},
	})
}

func (e *Error) Unmarshal(r *buffer.Buffer) error {
	var cond Symbol
	err := UnmarshalComposite(r, TypeCodeError, []UnmarshalField{
		{Field: &cond, HandleNull: func() error { return RequiredFieldOmitted("condition") }},
		{Field: &e.Description},
		{Field: &e.Info},
	})
	e.Condition = ErrCond(cond)
	return err
}

// Marshal/Unmarshal on Durability and ExpiryPolicy let them ride
// directly in a MarshalField/UnmarshalField without the caller having
// to convert to/from their underlying primitive type.

func (d Durability) Marshal(wr *buffer.Buffer) error {
	return Marshal(wr, uint32(d))
}

func (d *Durability) Unmarshal(r *buffer.Buffer) error {
	var v uint32
	if err := Unmarshal(r, &v); err != nil {
		return err
	}
	*d = Durability(v)
	return nil
}

func (e ExpiryPolicy) Marshal(wr *buffer.Buffer) error {
	return Marshal(wr, Symbol(e))
}

func (e *ExpiryPolicy) Unmarshal(r *buffer.Buffer) error {
	var s Symbol
	if err := Unmarshal(r, &s); err != nil {
		return err
	}
	*e = ExpiryPolicy(s)
	return nil
}

func (m Milliseconds) Marshal(wr *buffer.Buffer) error {
	return Marshal(wr, uint32(m/Milliseconds(time.Millisecond)))
}

func (m *Milliseconds) Unmarshal(r *buffer.Buffer) error {
	var v uint32
	if err := Unmarshal(r, &v); err != nil {
		return err
	}
	*m = Milliseconds(v) * Milliseconds(time.Millisecond)
	return nil
}

func (r Role) Marshal(wr *buffer.Buffer) error {
	return Marshal(wr, bool(r))
}

func (r *Role) Unmarshal(rd *buffer.Buffer) error {
	var b bool
	if err := Unmarshal(rd, &b); err != nil {
		return err
	}
	*r = Role(b)
	return nil
}

func (m SenderSettleMode) Marshal(wr *buffer.Buffer) error {
	return Marshal(wr, uint8(m))
}

func (m *SenderSettleMode) Unmarshal(r *buffer.Buffer) error {
	var v uint8
	if err := Unmarshal(r, &v); err != nil {
		return err
	}
	*m = SenderSettleMode(v)
	return nil
}

func (m ReceiverSettleMode) Marshal(wr *buffer.Buffer) error {
	return Marshal(wr, uint8(m))
}

func (m *ReceiverSettleMode) Unmarshal(r *buffer.Buffer) error {
	var v uint8
	if err := Unmarshal(r, &v); err != nil {
		return err
	}
	*m = ReceiverSettleMode(v)
	return nil
}
