package frames

import (
	"github.com/amqpworks/amqp10/internal/buffer"
	"github.com/amqpworks/amqp10/internal/encoding"
)

// Source describes the originating node of a link, carried on Attach.
type Source struct {
	Address               string
	Durable               encoding.Durability
	ExpiryPolicy          encoding.ExpiryPolicy
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[encoding.Symbol]any
	DistributionMode      encoding.Symbol
	Filter                map[encoding.Symbol]*encoding.DescribedType
	DefaultOutcome        encoding.DeliveryState
	Outcomes              encoding.MultiSymbol
	Capabilities          encoding.MultiSymbol
}

func (s *Source) frameBody() {}

func (s *Source) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSource, []encoding.MarshalField{
		{Value: s.Address, Omit: s.Address == ""},
		{Value: s.Durable, Omit: s.Durable == encoding.DurabilityNone},
		{Value: s.ExpiryPolicy, Omit: s.ExpiryPolicy == "" || s.ExpiryPolicy == encoding.ExpirySessionEnd},
		{Value: s.Timeout, Omit: s.Timeout == 0},
		{Value: s.Dynamic, Omit: !s.Dynamic},
		{Value: s.DynamicNodeProperties, Omit: len(s.DynamicNodeProperties) == 0},
		{Value: s.DistributionMode, Omit: s.DistributionMode == ""},
		{Value: filterValues(s.Filter), Omit: len(s.Filter) == 0},
		{Value: s.DefaultOutcome, Omit: s.DefaultOutcome == nil},
		{Value: s.Outcomes, Omit: len(s.Outcomes) == 0},
		{Value: s.Capabilities, Omit: len(s.Capabilities) == 0},
	})
}

func (s *Source) Unmarshal(r *buffer.Buffer) error {
	var filter map[encoding.Symbol]any
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeSource, []encoding.UnmarshalField{
		{Field: &s.Address},
		{Field: &s.Durable},
		{Field: &s.ExpiryPolicy},
		{Field: &s.Timeout},
		{Field: &s.Dynamic},
		{Field: &s.DynamicNodeProperties},
		{Field: &s.DistributionMode},
		{Field: &filter},
		{Field: &s.DefaultOutcome},
		{Field: &s.Outcomes},
		{Field: &s.Capabilities},
	})
	if len(filter) > 0 {
		s.Filter = make(map[encoding.Symbol]*encoding.DescribedType, len(filter))
		for k, v := range filter {
			if dt, ok := v.(*encoding.DescribedType); ok {
				s.Filter[k] = dt
			}
		}
	}
	return err
}

func filterValues(m map[encoding.Symbol]*encoding.DescribedType) map[encoding.Symbol]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[encoding.Symbol]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Target describes the destination node of a link, carried on Attach.
type Target struct {
	Address               string
	Durable               encoding.Durability
	ExpiryPolicy          encoding.ExpiryPolicy
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[encoding.Symbol]any
	Capabilities          encoding.MultiSymbol
}

func (t *Target) frameBody() {}

func (t *Target) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeTarget, []encoding.MarshalField{
		{Value: t.Address, Omit: t.Address == ""},
		{Value: t.Durable, Omit: t.Durable == encoding.DurabilityNone},
		{Value: t.ExpiryPolicy, Omit: t.ExpiryPolicy == "" || t.ExpiryPolicy == encoding.ExpirySessionEnd},
		{Value: t.Timeout, Omit: t.Timeout == 0},
		{Value: t.Dynamic, Omit: !t.Dynamic},
		{Value: t.DynamicNodeProperties, Omit: len(t.DynamicNodeProperties) == 0},
		{Value: t.Capabilities, Omit: len(t.Capabilities) == 0},
	})
}

func (t *Target) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeTarget, []encoding.UnmarshalField{
		{Field: &t.Address},
		{Field: &t.Durable},
		{Field: &t.ExpiryPolicy},
		{Field: &t.Timeout},
		{Field: &t.Dynamic},
		{Field: &t.DynamicNodeProperties},
		{Field: &t.Capabilities},
	})
}
