package amqp

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amqpworks/amqp10/internal/buffer"
	"github.com/amqpworks/amqp10/internal/encoding"
)

// Settlement modes, re-exported from internal/encoding so callers never
// need to import it directly.
const (
	ModeUnsettled = encoding.SenderSettleModeUnsettled
	ModeSettled   = encoding.SenderSettleModeSettled
	ModeMixed     = encoding.SenderSettleModeMixed

	ModeFirst  = encoding.ReceiverSettleModeFirst
	ModeSecond = encoding.ReceiverSettleModeSecond
)

// Durability levels for a link's Source/Target node, per §3.5.3.
const (
	DurabilityNone           = encoding.DurabilityNone
	DurabilityConfiguration  = encoding.DurabilityConfiguation
	DurabilityUnsettledState = encoding.DurabilityUnsettled
)

// ExpiryPolicy values for a link's Source/Target node.
const (
	ExpiryLinkDetach      = encoding.ExpiryLinkDetach
	ExpirySessionEnd      = encoding.ExpirySessionEnd
	ExpiryConnectionClose = encoding.ExpiryConnectionClose
	ExpiryNever           = encoding.ExpiryNever
)

func senderSettleModeValue(m *encoding.SenderSettleMode) encoding.SenderSettleMode {
	if m == nil {
		return ModeMixed
	}
	return *m
}

func receiverSettleModeValue(m *encoding.ReceiverSettleMode) encoding.ReceiverSettleMode {
	if m == nil {
		return ModeFirst
	}
	return *m
}

// UUID is a 16-byte RFC 4122 identifier, usable as a Message-ID/
// Correlation-ID.
type UUID = encoding.UUID

// NewUUID generates a random (version 4) UUID for use as a MessageID
// or CorrelationID on an outgoing Message.
func NewUUID() UUID {
	var id UUID
	copy(id[:], uuid.New()[:])
	return id
}

// deliveryStateName maps a settlement outcome to the label used on the
// deliveries_settled_total metric.
func deliveryStateName(state encoding.DeliveryState) string {
	switch state.(type) {
	case *encoding.StateAccepted:
		return "accepted"
	case *encoding.StateRejected:
		return "rejected"
	case *encoding.StateReleased:
		return "released"
	case *encoding.StateModified:
		return "modified"
	default:
		return "unknown"
	}
}

// Message is a received or to-be-sent AMQP message: a bag of optional
// sections per §3.2 of the core spec. Only the sections that are set
// are encoded on the wire; a Message with no sections set is encoded as
// a single empty Data section.
type Message struct {
	// Format is the message-format field carried on the first Transfer
	// frame of the message; 0 is the only format this client interprets.
	Format uint32

	// DeliveryTag uniquely identifies the delivery within the scope of
	// a link, letting the peer reference it by disposition. If unset
	// when sent, Sender.Send assigns one.
	DeliveryTag []byte

	// DeliveryID is populated on receipt from the Transfer frame that
	// carried the message; it has no meaning when sending.
	DeliveryID uint32

	// SendSettled, if true, marks this delivery settled when the
	// sender's settlement mode is Mixed.
	SendSettled bool

	Header                *MessageHeader
	DeliveryAnnotations   Annotations
	Annotations           Annotations
	Properties            *MessageProperties
	ApplicationProperties map[string]interface{}
	Data                  [][]byte
	Value                 interface{}
	Sequence              [][]interface{}
	Footer                Annotations
}

// Annotations is the key/value metadata type used by message, delivery,
// and footer annotations. Keys are typically Symbol but int64 is valid.
type Annotations = encoding.Annotations

// MessageHeader carries the AMQP header section (durability, priority,
// TTL, delivery-count), §3.2.1.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) marshal(wr *buffer.Buffer) error {
	if h == nil {
		return nil
	}
	var ttl *encoding.Milliseconds
	if h.TTL != 0 {
		ms := encoding.Milliseconds(h.TTL)
		ttl = &ms
	}
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageHeader, []encoding.MarshalField{
		{Value: h.Durable, Omit: !h.Durable},
		{Value: h.Priority, Omit: h.Priority == 4},
		{Value: ttl, Omit: ttl == nil},
		{Value: h.FirstAcquirer, Omit: !h.FirstAcquirer},
		{Value: h.DeliveryCount, Omit: h.DeliveryCount == 0},
	})
}

func (h *MessageHeader) unmarshal(r *buffer.Buffer) error {
	var ttl *encoding.Milliseconds
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeMessageHeader, []encoding.UnmarshalField{
		{Field: &h.Durable},
		{Field: &h.Priority, HandleNull: func() error { h.Priority = 4; return nil }},
		{Field: &ttl},
		{Field: &h.FirstAcquirer},
		{Field: &h.DeliveryCount},
	})
	if ttl != nil {
		h.TTL = time.Duration(*ttl)
	}
	return err
}

// MessageProperties carries the AMQP properties section, §3.2.4.
type MessageProperties struct {
	MessageID          interface{}
	UserID             []byte
	To                 string
	Subject             string
	ReplyTo            string
	CorrelationID      interface{}
	ContentType        encoding.Symbol
	ContentEncoding    encoding.Symbol
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

func (p *MessageProperties) marshal(wr *buffer.Buffer) error {
	if p == nil {
		return nil
	}
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageProperties, []encoding.MarshalField{
		{Value: p.MessageID, Omit: p.MessageID == nil},
		{Value: p.UserID, Omit: len(p.UserID) == 0},
		{Value: p.To, Omit: p.To == ""},
		{Value: p.Subject, Omit: p.Subject == ""},
		{Value: p.ReplyTo, Omit: p.ReplyTo == ""},
		{Value: p.CorrelationID, Omit: p.CorrelationID == nil},
		{Value: p.ContentType, Omit: p.ContentType == ""},
		{Value: p.ContentEncoding, Omit: p.ContentEncoding == ""},
		{Value: p.AbsoluteExpiryTime, Omit: p.AbsoluteExpiryTime.IsZero()},
		{Value: p.CreationTime, Omit: p.CreationTime.IsZero()},
		{Value: p.GroupID, Omit: p.GroupID == ""},
		{Value: p.GroupSequence, Omit: p.GroupSequence == 0},
		{Value: p.ReplyToGroupID, Omit: p.ReplyToGroupID == ""},
	})
}

func (p *MessageProperties) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageProperties, []encoding.UnmarshalField{
		{Field: &p.MessageID},
		{Field: &p.UserID},
		{Field: &p.To},
		{Field: &p.Subject},
		{Field: &p.ReplyTo},
		{Field: &p.CorrelationID},
		{Field: &p.ContentType},
		{Field: &p.ContentEncoding},
		{Field: &p.AbsoluteExpiryTime},
		{Field: &p.CreationTime},
		{Field: &p.GroupID},
		{Field: &p.GroupSequence},
		{Field: &p.ReplyToGroupID},
	})
}

// Marshal encodes m's set sections, in section order, into wr.
func (m *Message) Marshal(wr *buffer.Buffer) error {
	if m.Header != nil {
		if err := m.Header.marshal(wr); err != nil {
			return err
		}
	}
	if len(m.DeliveryAnnotations) > 0 {
		encoding.WriteDescriptor(wr, encoding.TypeCodeDeliveryAnnotations)
		if err := encoding.Marshal(wr, m.DeliveryAnnotations); err != nil {
			return err
		}
	}
	if len(m.Annotations) > 0 {
		encoding.WriteDescriptor(wr, encoding.TypeCodeMessageAnnotations)
		if err := encoding.Marshal(wr, m.Annotations); err != nil {
			return err
		}
	}
	if m.Properties != nil {
		if err := m.Properties.marshal(wr); err != nil {
			return err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		encoding.WriteDescriptor(wr, encoding.TypeCodeApplicationProperties)
		if err := encoding.Marshal(wr, m.ApplicationProperties); err != nil {
			return err
		}
	}
	for _, data := range m.Data {
		encoding.WriteDescriptor(wr, encoding.TypeCodeApplicationData)
		if err := encoding.WriteBinary(wr, data); err != nil {
			return err
		}
	}
	if m.Value != nil {
		encoding.WriteDescriptor(wr, encoding.TypeCodeAMQPValue)
		if err := encoding.Marshal(wr, m.Value); err != nil {
			return err
		}
	}
	for _, seq := range m.Sequence {
		encoding.WriteDescriptor(wr, encoding.TypeCodeAMQPSequence)
		if err := encoding.Marshal(wr, seq); err != nil {
			return err
		}
	}
	if len(m.Footer) > 0 {
		encoding.WriteDescriptor(wr, encoding.TypeCodeFooter)
		if err := encoding.Marshal(wr, m.Footer); err != nil {
			return err
		}
	}
	// A message with no sections at all still has to put something on
	// the wire: an empty Data section carrying zero application bytes.
	if wr.Len() == 0 {
		encoding.WriteDescriptor(wr, encoding.TypeCodeApplicationData)
		if err := encoding.WriteBinary(wr, nil); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal decodes a full message (as reassembled from one or more
// Transfer frames' payloads) from r, populating whichever sections are
// present on the wire.
func (m *Message) Unmarshal(r *buffer.Buffer) error {
	for r.Len() > 0 {
		peek, err := encoding.PeekDescriptorCode(r)
		if err != nil {
			return err
		}
		switch encoding.TypeCode(peek) {
		case encoding.TypeCodeMessageHeader:
			m.Header = new(MessageHeader)
			if err := m.Header.unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeDeliveryAnnotations:
			var ann encoding.Annotations
			if err := decodeDescribedInto(r, encoding.TypeCodeDeliveryAnnotations, &ann); err != nil {
				return err
			}
			m.DeliveryAnnotations = ann
		case encoding.TypeCodeMessageAnnotations:
			var ann encoding.Annotations
			if err := decodeDescribedInto(r, encoding.TypeCodeMessageAnnotations, &ann); err != nil {
				return err
			}
			m.Annotations = ann
		case encoding.TypeCodeMessageProperties:
			m.Properties = new(MessageProperties)
			if err := m.Properties.unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeApplicationProperties:
			var props map[string]interface{}
			if err := decodeDescribedInto(r, encoding.TypeCodeApplicationProperties, &props); err != nil {
				return err
			}
			m.ApplicationProperties = props
		case encoding.TypeCodeApplicationData:
			var data []byte
			if err := decodeDescribedInto(r, encoding.TypeCodeApplicationData, &data); err != nil {
				return err
			}
			m.Data = append(m.Data, data)
		case encoding.TypeCodeAMQPValue:
			v, err := decodeDescribedValue(r, encoding.TypeCodeAMQPValue)
			if err != nil {
				return err
			}
			m.Value = v
		case encoding.TypeCodeAMQPSequence:
			v, err := decodeDescribedValue(r, encoding.TypeCodeAMQPSequence)
			if err != nil {
				return err
			}
			if seq, ok := v.([]interface{}); ok {
				m.Sequence = append(m.Sequence, seq)
			}
		case encoding.TypeCodeFooter:
			var f encoding.Annotations
			if err := decodeDescribedInto(r, encoding.TypeCodeFooter, &f); err != nil {
				return err
			}
			m.Footer = f
		default:
			return fmt.Errorf("amqp: unknown message section descriptor %#x", peek)
		}
	}
	return nil
}

// decodeDescribedInto consumes the descriptor for code and unmarshals
// the following value into dst, used for sections that are just a bare
// described value rather than a described-list composite.
func decodeDescribedInto(r *buffer.Buffer, code encoding.TypeCode, dst interface{}) error {
	if _, err := encoding.ReadDescriptor(r, code); err != nil {
		return err
	}
	return encoding.Unmarshal(r, dst)
}

func decodeDescribedValue(r *buffer.Buffer, code encoding.TypeCode) (interface{}, error) {
	if _, err := encoding.ReadDescriptor(r, code); err != nil {
		return nil, err
	}
	return encoding.ReadAny(r)
}
