package amqp

import (
	"context"
	"errors"
	"fmt"

	"github.com/amqpworks/amqp10/internal/buffer"
	"github.com/amqpworks/amqp10/internal/encoding"
	"github.com/amqpworks/amqp10/internal/frames"
	"github.com/amqpworks/amqp10/internal/shared"
)

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	link

	messages     chan Message
	flowRequests chan struct{}

	autoCredit     bool
	credit         uint32
	manualCreditor *manualCreditor

	// msgBuf accumulates the payload of a multi-frame Transfer
	// (More=true on all but the last frame) before it's handed to
	// Message.Unmarshal as one contiguous buffer.
	msgBuf      *buffer.Buffer
	msgDelivery uint32
	msgTag      []byte
}

// LinkName is the name of the link used for this Receiver.
func (r *Receiver) LinkName() string {
	return r.key.name
}

// Address returns the link's source address.
func (r *Receiver) Address() string {
	if r.source == nil {
		return ""
	}
	return r.source.Address
}

// Receive blocks until a message arrives, ctx completes, or the link
// detaches.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-r.messages:
		if !ok {
			return nil, r.err
		}
		if r.autoCredit {
			_ = r.IssueCredit(1)
		}
		return &msg, nil
	case <-r.detached:
		return nil, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IssueCredit adds credits to the link, to be requested on the next
// Flow frame the mux sends. In manual credit mode it returns
// ErrCreditLimitExceeded if doing so would overrun the receive buffer,
// or an error while a drain is in progress; in automatic credit mode it
// always returns nil.
func (r *Receiver) IssueCredit(credit uint32) error {
	if r.manualCreditor != nil {
		return r.manualCreditor.IssueCredit(credit, &r.link, len(r.messages), cap(r.messages))
	}
	r.credit += credit
	select {
	case r.flowRequests <- struct{}{}:
	default:
	}
	return nil
}

// DrainCredit drains any outstanding link-credit back to the sender,
// blocking until the corresponding Flow confirms the drain. Requires
// manual credit mode.
func (r *Receiver) DrainCredit(ctx context.Context) error {
	if r.manualCreditor == nil {
		return errors.New("amqp: DrainCredit requires manual credit mode")
	}
	return r.manualCreditor.Drain(ctx, &r.link)
}

// AcceptMessage settles msg with an Accepted outcome.
func (r *Receiver) AcceptMessage(ctx context.Context, msg *Message) error {
	return r.settle(ctx, msg, &encoding.StateAccepted{})
}

// RejectMessage settles msg with a Rejected outcome.
func (r *Receiver) RejectMessage(ctx context.Context, msg *Message, e *Error) error {
	return r.settle(ctx, msg, &encoding.StateRejected{Error: e})
}

// ReleaseMessage settles msg with a Released outcome, letting the
// sender redeliver it.
func (r *Receiver) ReleaseMessage(ctx context.Context, msg *Message) error {
	return r.settle(ctx, msg, &encoding.StateReleased{})
}

// ModifyMessage settles msg with a Modified outcome.
func (r *Receiver) ModifyMessage(ctx context.Context, msg *Message, deliveryFailed, undeliverableHere bool, annotations Annotations) error {
	return r.settle(ctx, msg, &encoding.StateModified{
		DeliveryFailed:      deliveryFailed,
		UndeliverableHere:   undeliverableHere,
		MessageAnnotations:  annotations,
	})
}

func (r *Receiver) settle(ctx context.Context, msg *Message, state encoding.DeliveryState) error {
	if receiverSettleModeValue(r.receiverSettleMode) == ModeFirst {
		// the sender already considers first-mode deliveries settled
		// on our receipt; sending a disposition is a courtesy ack
		// some brokers still expect.
	}
	disp := &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   msg.DeliveryID,
		Settled: true,
		State:   state,
	}
	if err := r.session.txFrame(disp, nil); err != nil {
		return err
	}
	r.session.conn.metrics.deliverySettled(deliveryStateName(state))
	return nil
}

// Close closes the Receiver and AMQP link.
func (r *Receiver) Close(ctx context.Context) error {
	return r.closeLink(ctx)
}

func newReceiver(source string, s *Session, opts *ReceiverOptions) (*Receiver, error) {
	r := &Receiver{
		link: link{
			key:      linkKey{shared.RandString(40), encoding.RoleReceiver},
			session:  s,
			close:    make(chan struct{}),
			detached: make(chan struct{}),
			source:   &frames.Source{Address: source},
			target:   new(frames.Target),
		},
		messages:   make(chan Message, 128),
		autoCredit: true,
		credit:     1,
	}

	if opts == nil {
		return r, nil
	}

	for _, v := range opts.Capabilities {
		r.target.Capabilities = append(r.target.Capabilities, encoding.Symbol(v))
	}
	if opts.Credit > 0 {
		r.credit = opts.Credit
	}
	if opts.ManualCredits {
		r.autoCredit = false
		r.manualCreditor = &manualCreditor{}
	}
	if opts.Name != "" {
		r.key.name = opts.Name
	}
	if opts.Properties != nil {
		r.properties = symbolProperties(opts.Properties)
	}
	if opts.RequestedSenderSettleMode != nil {
		if ssm := *opts.RequestedSenderSettleMode; ssm > ModeMixed {
			return nil, fmt.Errorf("invalid RequestedSenderSettleMode %d", ssm)
		}
		r.senderSettleMode = opts.RequestedSenderSettleMode
	}
	if opts.SettlementMode != nil {
		if rsm := *opts.SettlementMode; rsm > ModeSecond {
			return nil, fmt.Errorf("invalid SettlementMode %d", rsm)
		}
		r.receiverSettleMode = opts.SettlementMode
	}
	r.target.Address = opts.TargetAddress
	return r, nil
}

func (r *Receiver) attach(ctx context.Context, session *Session) error {
	r.flowRequests = make(chan struct{}, 1)

	if err := r.attachLink(ctx, session, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleReceiver
	}, nil); err != nil {
		return err
	}

	go r.mux()

	return r.IssueCredit(0) // request a Flow; the mux already sent the initial credit
}

func (r *Receiver) mux() {
	defer r.muxDetach(nil, nil)

	// prime the initial credit grant.
	initial := r.credit
	r.credit = 0
	r.sendFlow(initial, false)

	for {
		select {
		case fr := <-r.rx:
			if err := r.muxHandleFrame(fr); err != nil {
				r.err = err
				return
			}
		case <-r.flowRequests:
			drain, extra := false, uint32(0)
			if r.manualCreditor != nil {
				drain, extra = r.manualCreditor.FlowBits()
			} else {
				extra, r.credit = r.credit, 0
			}
			r.sendFlow(extra, drain)
		case <-r.close:
			r.err = ErrLinkClosed
			return
		case <-r.session.done:
			r.err = r.session.err
			return
		}
	}
}

func (r *Receiver) sendFlow(extraCredit uint32, drain bool) {
	r.linkCredit += extraCredit
	fr := r.session.flowFrame(r.handle, r.deliveryCount, r.linkCredit, false, drain)
	_ = r.session.txFrame(fr, nil)
}

func (r *Receiver) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformTransfer:
		if r.linkCredit == 0 {
			// the peer sent a Transfer with nothing left to spend; this
			// is a protocol violation, not a backlog to absorb.
			detach := &frames.PerformDetach{
				Handle: r.handle,
				Closed: true,
				Error:  &encoding.Error{Condition: ErrCondTransferLimitExceeded},
			}
			_ = r.session.txFrame(detach, nil)
			return &DetachError{RemoteError: detach.Error}
		}

		if r.msgBuf == nil {
			r.msgBuf = buffer.New(nil)
			r.msgDelivery = 0
			if fr.DeliveryID != nil {
				r.msgDelivery = *fr.DeliveryID
			}
			r.msgTag = fr.DeliveryTag
		}
		r.msgBuf.Write(fr.Payload)

		if fr.More {
			return nil
		}

		msg := Message{DeliveryID: r.msgDelivery, DeliveryTag: r.msgTag}
		if err := msg.Unmarshal(r.msgBuf); err != nil {
			r.msgBuf = nil
			return err
		}
		r.msgBuf = nil
		r.deliveryCount++
		r.linkCredit--

		select {
		case r.messages <- msg:
		case <-r.close:
		case <-r.session.done:
		}

		if fr.State != nil && !fr.Settled {
			disp := &frames.PerformDisposition{
				Role:    encoding.RoleReceiver,
				First:   msg.DeliveryID,
				Settled: true,
				State:   &encoding.StateAccepted{},
			}
			_ = r.session.txFrame(disp, nil)
		}
		return nil

	case *frames.PerformFlow:
		if fr.Echo {
			r.sendFlow(0, false)
		}
		return nil

	default:
		return r.link.muxHandleFrame(fr)
	}
}
