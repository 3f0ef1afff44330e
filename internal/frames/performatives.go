package frames

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/amqpworks/amqp10/internal/buffer"
	"github.com/amqpworks/amqp10/internal/encoding"
)

func formatUint16Ptr(p *uint16) string {
	if p == nil {
		return "<nil>"
	}
	return strconv.FormatUint(uint64(*p), 10)
}

func formatUint32Ptr(p *uint32) string {
	if p == nil {
		return "<nil>"
	}
	return strconv.FormatUint(uint64(*p), 10)
}

// PerformOpen is the first performative sent on a connection.
type PerformOpen struct {
	ContainerID         string // required
	Hostname            string
	MaxFrameSize        uint32 // default: 4294967295
	ChannelMax          uint16 // default: 65535
	IdleTimeout         time.Duration
	OutgoingLocales     encoding.MultiSymbol
	IncomingLocales     encoding.MultiSymbol
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          map[encoding.Symbol]any
}

func (o *PerformOpen) frameBody() {}

func (o *PerformOpen) String() string {
	return fmt.Sprintf("Open{ContainerID: %s, Hostname: %s, MaxFrameSize: %d, ChannelMax: %d, "+
		"IdleTimeout: %v, OfferedCapabilities: %v, DesiredCapabilities: %v, Properties: %v}",
		o.ContainerID, o.Hostname, o.MaxFrameSize, o.ChannelMax, o.IdleTimeout,
		o.OfferedCapabilities, o.DesiredCapabilities, o.Properties)
}

func (o *PerformOpen) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeOpen, []encoding.MarshalField{
		{Value: o.ContainerID},
		{Value: o.Hostname, Omit: o.Hostname == ""},
		{Value: o.MaxFrameSize, Omit: o.MaxFrameSize == 4294967295},
		{Value: o.ChannelMax, Omit: o.ChannelMax == 65535},
		{Value: encoding.Milliseconds(o.IdleTimeout), Omit: o.IdleTimeout == 0},
		{Value: o.OutgoingLocales, Omit: len(o.OutgoingLocales) == 0},
		{Value: o.IncomingLocales, Omit: len(o.IncomingLocales) == 0},
		{Value: o.OfferedCapabilities, Omit: len(o.OfferedCapabilities) == 0},
		{Value: o.DesiredCapabilities, Omit: len(o.DesiredCapabilities) == 0},
		{Value: o.Properties, Omit: len(o.Properties) == 0},
	})
}

func (o *PerformOpen) Unmarshal(r *buffer.Buffer) error {
	var idle encoding.Milliseconds
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeOpen, []encoding.UnmarshalField{
		{Field: &o.ContainerID, HandleNull: func() error { return errors.New("Open.ContainerID is required") }},
		{Field: &o.Hostname},
		{Field: &o.MaxFrameSize, HandleNull: func() error { o.MaxFrameSize = 4294967295; return nil }},
		{Field: &o.ChannelMax, HandleNull: func() error { o.ChannelMax = 65535; return nil }},
		{Field: &idle},
		{Field: &o.OutgoingLocales},
		{Field: &o.IncomingLocales},
		{Field: &o.OfferedCapabilities},
		{Field: &o.DesiredCapabilities},
		{Field: &o.Properties},
	})
	o.IdleTimeout = time.Duration(idle)
	return err
}

// PerformBegin starts a session on a channel.
type PerformBegin struct {
	RemoteChannel       *uint16
	NextOutgoingID      uint32 // required
	IncomingWindow      uint32 // required
	OutgoingWindow      uint32 // required
	HandleMax           uint32 // default 4294967295
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          map[encoding.Symbol]any
}

func (b *PerformBegin) frameBody() {}

func (b *PerformBegin) String() string {
	return fmt.Sprintf("Begin{RemoteChannel: %s, NextOutgoingID: %d, IncomingWindow: %d, "+
		"OutgoingWindow: %d, HandleMax: %d, Properties: %v}",
		formatUint16Ptr(b.RemoteChannel), b.NextOutgoingID, b.IncomingWindow, b.OutgoingWindow,
		b.HandleMax, b.Properties)
}

func (b *PerformBegin) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeBegin, []encoding.MarshalField{
		{Value: b.RemoteChannel, Omit: b.RemoteChannel == nil},
		{Value: b.NextOutgoingID},
		{Value: b.IncomingWindow},
		{Value: b.OutgoingWindow},
		{Value: b.HandleMax, Omit: b.HandleMax == 4294967295},
		{Value: b.OfferedCapabilities, Omit: len(b.OfferedCapabilities) == 0},
		{Value: b.DesiredCapabilities, Omit: len(b.DesiredCapabilities) == 0},
		{Value: b.Properties, Omit: len(b.Properties) == 0},
	})
}

func (b *PerformBegin) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeBegin, []encoding.UnmarshalField{
		{Field: &b.RemoteChannel},
		{Field: &b.NextOutgoingID, HandleNull: func() error { return errors.New("Begin.NextOutgoingID is required") }},
		{Field: &b.IncomingWindow, HandleNull: func() error { return errors.New("Begin.IncomingWindow is required") }},
		{Field: &b.OutgoingWindow, HandleNull: func() error { return errors.New("Begin.OutgoingWindow is required") }},
		{Field: &b.HandleMax, HandleNull: func() error { b.HandleMax = 4294967295; return nil }},
		{Field: &b.OfferedCapabilities},
		{Field: &b.DesiredCapabilities},
		{Field: &b.Properties},
	})
}

// PerformAttach creates or resumes a link on a session.
type PerformAttach struct {
	Name                 string // required
	Handle               uint32 // required
	Role                 encoding.Role
	SenderSettleMode     *encoding.SenderSettleMode
	ReceiverSettleMode   *encoding.ReceiverSettleMode
	Source               *Source
	Target               *Target
	Unsettled            encoding.UnsettledMap
	IncompleteUnsettled  bool
	InitialDeliveryCount uint32
	MaxMessageSize       uint64
	OfferedCapabilities  encoding.MultiSymbol
	DesiredCapabilities  encoding.MultiSymbol
	Properties           map[encoding.Symbol]any
}

func (a *PerformAttach) frameBody() {}

func (a *PerformAttach) String() string {
	return fmt.Sprintf("Attach{Name: %s, Handle: %d, Role: %s, Source: %v, Target: %v, "+
		"InitialDeliveryCount: %d, MaxMessageSize: %d}",
		a.Name, a.Handle, a.Role, a.Source, a.Target, a.InitialDeliveryCount, a.MaxMessageSize)
}

func (a *PerformAttach) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeAttach, []encoding.MarshalField{
		{Value: a.Name},
		{Value: a.Handle},
		{Value: a.Role},
		{Value: a.SenderSettleMode, Omit: a.SenderSettleMode == nil},
		{Value: a.ReceiverSettleMode, Omit: a.ReceiverSettleMode == nil},
		{Value: a.Source, Omit: a.Source == nil},
		{Value: a.Target, Omit: a.Target == nil},
		{Value: a.Unsettled, Omit: len(a.Unsettled) == 0},
		{Value: a.IncompleteUnsettled, Omit: !a.IncompleteUnsettled},
		{Value: a.InitialDeliveryCount, Omit: a.Role == encoding.RoleReceiver},
		{Value: a.MaxMessageSize, Omit: a.MaxMessageSize == 0},
		{Value: a.OfferedCapabilities, Omit: len(a.OfferedCapabilities) == 0},
		{Value: a.DesiredCapabilities, Omit: len(a.DesiredCapabilities) == 0},
		{Value: a.Properties, Omit: len(a.Properties) == 0},
	})
}

func (a *PerformAttach) Unmarshal(r *buffer.Buffer) error {
	a.Source = &Source{}
	a.Target = &Target{}
	return encoding.UnmarshalComposite(r, encoding.TypeCodeAttach, []encoding.UnmarshalField{
		{Field: &a.Name, HandleNull: func() error { return errors.New("Attach.Name is required") }},
		{Field: &a.Handle, HandleNull: func() error { return errors.New("Attach.Handle is required") }},
		{Field: &a.Role, HandleNull: func() error { return errors.New("Attach.Role is required") }},
		{Field: &a.SenderSettleMode},
		{Field: &a.ReceiverSettleMode},
		{Field: a.Source, HandleNull: func() error { a.Source = nil; return nil }},
		{Field: a.Target, HandleNull: func() error { a.Target = nil; return nil }},
		{Field: &a.Unsettled},
		{Field: &a.IncompleteUnsettled},
		{Field: &a.InitialDeliveryCount},
		{Field: &a.MaxMessageSize},
		{Field: &a.OfferedCapabilities},
		{Field: &a.DesiredCapabilities},
		{Field: &a.Properties},
	})
}

// PerformFlow updates link credit and session window state.
type PerformFlow struct {
	NextIncomingID *uint32
	IncomingWindow uint32 // required
	NextOutgoingID uint32 // required
	OutgoingWindow uint32 // required
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[encoding.Symbol]any
}

func (f *PerformFlow) frameBody() {}

func (f *PerformFlow) String() string {
	return fmt.Sprintf("Flow{NextIncomingID: %s, IncomingWindow: %d, NextOutgoingID: %d, "+
		"OutgoingWindow: %d, Handle: %s, DeliveryCount: %s, LinkCredit: %s, Available: %s, "+
		"Drain: %t, Echo: %t}",
		formatUint32Ptr(f.NextIncomingID), f.IncomingWindow, f.NextOutgoingID, f.OutgoingWindow,
		formatUint32Ptr(f.Handle), formatUint32Ptr(f.DeliveryCount), formatUint32Ptr(f.LinkCredit),
		formatUint32Ptr(f.Available), f.Drain, f.Echo)
}

func (f *PerformFlow) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeFlow, []encoding.MarshalField{
		{Value: f.NextIncomingID, Omit: f.NextIncomingID == nil},
		{Value: f.IncomingWindow},
		{Value: f.NextOutgoingID},
		{Value: f.OutgoingWindow},
		{Value: f.Handle, Omit: f.Handle == nil},
		{Value: f.DeliveryCount, Omit: f.DeliveryCount == nil},
		{Value: f.LinkCredit, Omit: f.LinkCredit == nil},
		{Value: f.Available, Omit: f.Available == nil},
		{Value: f.Drain, Omit: !f.Drain},
		{Value: f.Echo, Omit: !f.Echo},
		{Value: f.Properties, Omit: len(f.Properties) == 0},
	})
}

func (f *PerformFlow) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeFlow, []encoding.UnmarshalField{
		{Field: &f.NextIncomingID},
		{Field: &f.IncomingWindow, HandleNull: func() error { return errors.New("Flow.IncomingWindow is required") }},
		{Field: &f.NextOutgoingID, HandleNull: func() error { return errors.New("Flow.NextOutgoingID is required") }},
		{Field: &f.OutgoingWindow, HandleNull: func() error { return errors.New("Flow.OutgoingWindow is required") }},
		{Field: &f.Handle},
		{Field: &f.DeliveryCount},
		{Field: &f.LinkCredit},
		{Field: &f.Available},
		{Field: &f.Drain},
		{Field: &f.Echo},
		{Field: &f.Properties},
	})
}

// PerformTransfer carries a (possibly partial) message on a link.
type PerformTransfer struct {
	Handle             uint32 // required
	DeliveryID         *uint32
	DeliveryTag        []byte
	MessageFormat      *uint32
	Settled            bool
	More               bool
	ReceiverSettleMode *encoding.ReceiverSettleMode
	State              encoding.DeliveryState
	Resume             bool
	Aborted            bool
	Batchable          bool
	Payload            []byte

	// Done, when set on the last frame of a delivery, carries its outcome
	// back to Sender.Send: the session's outgoing loop sends nil on it
	// once a pre-settled transfer is written, the peer's disposition state
	// is sent on it for an unsettled one, and the session closes it
	// without a value if it ends first.
	Done chan encoding.DeliveryState
}

func (t *PerformTransfer) frameBody() {}

func (t *PerformTransfer) String() string {
	tag := "<nil>"
	if t.DeliveryTag != nil {
		tag = fmt.Sprintf("%q", t.DeliveryTag)
	}
	return fmt.Sprintf("Transfer{Handle: %d, DeliveryID: %s, DeliveryTag: %s, Settled: %t, "+
		"More: %t, State: %v, Aborted: %t, Payload[size]: %d}",
		t.Handle, formatUint32Ptr(t.DeliveryID), tag, t.Settled, t.More, t.State, t.Aborted, len(t.Payload))
}

func (t *PerformTransfer) Marshal(wr *buffer.Buffer) error {
	err := encoding.MarshalComposite(wr, encoding.TypeCodeTransfer, []encoding.MarshalField{
		{Value: t.Handle},
		{Value: t.DeliveryID, Omit: t.DeliveryID == nil},
		{Value: t.DeliveryTag, Omit: len(t.DeliveryTag) == 0},
		{Value: t.MessageFormat, Omit: t.MessageFormat == nil},
		{Value: t.Settled, Omit: !t.Settled},
		{Value: t.More, Omit: !t.More},
		{Value: t.ReceiverSettleMode, Omit: t.ReceiverSettleMode == nil},
		{Value: t.State, Omit: t.State == nil},
		{Value: t.Resume, Omit: !t.Resume},
		{Value: t.Aborted, Omit: !t.Aborted},
		{Value: t.Batchable, Omit: !t.Batchable},
	})
	if err != nil {
		return err
	}
	wr.Write(t.Payload)
	return nil
}

func (t *PerformTransfer) Unmarshal(r *buffer.Buffer) error {
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeTransfer, []encoding.UnmarshalField{
		{Field: &t.Handle, HandleNull: func() error { return errors.New("Transfer.Handle is required") }},
		{Field: &t.DeliveryID},
		{Field: &t.DeliveryTag},
		{Field: &t.MessageFormat},
		{Field: &t.Settled},
		{Field: &t.More},
		{Field: &t.ReceiverSettleMode},
		{Field: &t.State},
		{Field: &t.Resume},
		{Field: &t.Aborted},
		{Field: &t.Batchable},
	})
	// Payload, if any, is appended by ParseBody after the described list
	// is consumed; Unmarshal alone only decodes the field list.
	return err
}

// PerformDisposition communicates delivery outcome for a contiguous
// range of deliveries on a link.
type PerformDisposition struct {
	Role      encoding.Role
	First     uint32 // required
	Last      *uint32
	Settled   bool
	State     encoding.DeliveryState
	Batchable bool
}

func (d *PerformDisposition) frameBody() {}

func (d *PerformDisposition) String() string {
	return fmt.Sprintf("Disposition{Role: %s, First: %d, Last: %s, Settled: %t, State: %v, Batchable: %t}",
		d.Role, d.First, formatUint32Ptr(d.Last), d.Settled, d.State, d.Batchable)
}

func (d *PerformDisposition) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDisposition, []encoding.MarshalField{
		{Value: d.Role},
		{Value: d.First},
		{Value: d.Last, Omit: d.Last == nil},
		{Value: d.Settled, Omit: !d.Settled},
		{Value: d.State, Omit: d.State == nil},
		{Value: d.Batchable, Omit: !d.Batchable},
	})
}

func (d *PerformDisposition) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDisposition, []encoding.UnmarshalField{
		{Field: &d.Role, HandleNull: func() error { return errors.New("Disposition.Role is required") }},
		{Field: &d.First, HandleNull: func() error { return errors.New("Disposition.First is required") }},
		{Field: &d.Last},
		{Field: &d.Settled},
		{Field: &d.State},
		{Field: &d.Batchable},
	})
}

// PerformDetach removes a link from its session, optionally carrying
// the error that caused it.
type PerformDetach struct {
	Handle uint32 // required
	Closed bool
	Error  *encoding.Error
}

func (d *PerformDetach) frameBody() {}

func (d *PerformDetach) String() string {
	return fmt.Sprintf("Detach{Handle: %d, Closed: %t, Error: %v}", d.Handle, d.Closed, d.Error)
}

func (d *PerformDetach) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDetach, []encoding.MarshalField{
		{Value: d.Handle},
		{Value: d.Closed, Omit: !d.Closed},
		{Value: d.Error, Omit: d.Error == nil},
	})
}

func (d *PerformDetach) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDetach, []encoding.UnmarshalField{
		{Field: &d.Handle, HandleNull: func() error { return errors.New("Detach.Handle is required") }},
		{Field: &d.Closed},
		{Field: &d.Error},
	})
}

// PerformEnd terminates a session, optionally carrying the error that
// caused it.
type PerformEnd struct {
	Error *encoding.Error
}

func (e *PerformEnd) frameBody() {}

func (e *PerformEnd) String() string { return fmt.Sprintf("End{Error: %v}", e.Error) }

func (e *PerformEnd) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeEnd, []encoding.MarshalField{
		{Value: e.Error, Omit: e.Error == nil},
	})
}

func (e *PerformEnd) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeEnd, []encoding.UnmarshalField{
		{Field: &e.Error},
	})
}

// PerformClose terminates a connection, optionally carrying the error
// that caused it.
type PerformClose struct {
	Error *encoding.Error
}

func (c *PerformClose) frameBody() {}

func (c *PerformClose) String() string { return fmt.Sprintf("Close{Error: %v}", c.Error) }

func (c *PerformClose) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeClose, []encoding.MarshalField{
		{Value: c.Error, Omit: c.Error == nil},
	})
}

func (c *PerformClose) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeClose, []encoding.UnmarshalField{
		{Field: &c.Error},
	})
}
