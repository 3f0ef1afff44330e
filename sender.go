package amqp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/amqpworks/amqp10/internal/buffer"
	"github.com/amqpworks/amqp10/internal/debug"
	"github.com/amqpworks/amqp10/internal/encoding"
	"github.com/amqpworks/amqp10/internal/frames"
	"github.com/amqpworks/amqp10/internal/shared"
)

// Sender transmits messages outbound on a single AMQP link.
type Sender struct {
	link
	transfers chan frames.PerformTransfer

	// detachOnDispositionError controls whether a Rejected disposition
	// tears the link down. Some peers throttle rather than reject
	// outright, so callers that expect transient rejects can opt out
	// via SenderOptions.IgnoreDispositionErrors.
	detachOnDispositionError bool

	mu              sync.Mutex // guards buf and nextDeliveryTag, shared across concurrent Send calls
	buf             buffer.Buffer
	nextDeliveryTag uint64
}

// LinkName is the name of the link used for this Sender.
func (s *Sender) LinkName() string {
	return s.key.name
}

// MaxMessageSize is the largest single message this link will carry, or
// zero if the peer placed no limit on it.
func (s *Sender) MaxMessageSize() uint64 {
	return s.maxMessageSize
}

// Send encodes msg and transfers it across the link, blocking until the
// corresponding disposition arrives (for a pre-settled delivery, until
// its last frame has been written), ctx is done, or the link detaches.
//
// Concurrent callers may all be blocked in Send at once: only one
// message is in flight on the wire at a time, but while waiting for a
// settlement (receiver settle mode Second) another goroutine can queue
// its own transfer.
func (s *Sender) Send(ctx context.Context, msg *Message) error {
	select {
	case <-s.detached:
		// bail out before doing any encoding work on a dead link.
		return s.err
	default:
	}

	done, err := s.encodeAndQueue(ctx, msg)
	if err != nil {
		return err
	}

	select {
	case state, ok := <-done:
		if !ok {
			// done was closed, not sent to: the session ended before any
			// disposition arrived, so this delivery will never settle.
			if s.session.err != nil {
				return s.session.err
			}
			return ErrSessionClosed
		}
		if rej, ok := state.(*encoding.StateRejected); ok {
			if s.detachOnRejectDisp() {
				return &DetachError{rej.Error}
			}
			return rej.Error
		}
		return nil
	case <-s.detached:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// encodeAndQueue marshals msg, splits it across as many Transfer frames
// as the negotiated max-frame-size requires, and hands each one to mux
// over s.transfers. It's split out from Send so the buffer lock isn't
// held while Send waits on the eventual disposition.
func (s *Sender) encodeAndQueue(ctx context.Context, msg *Message) (chan encoding.DeliveryState, error) {
	const maxDeliveryTagLength = 32
	if len(msg.DeliveryTag) > maxDeliveryTagLength {
		return nil, fmt.Errorf("delivery tag is over the allowed %v bytes, len: %v", maxDeliveryTagLength, len(msg.DeliveryTag))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	if err := msg.Marshal(&s.buf); err != nil {
		return nil, err
	}
	if s.maxMessageSize != 0 && uint64(s.buf.Len()) > s.maxMessageSize {
		return nil, fmt.Errorf("encoded message size exceeds max of %d", s.maxMessageSize)
	}

	var (
		maxPayloadSize = int64(s.session.conn.PeerMaxFrameSize) - maxTransferFrameHeader
		ssm            = s.senderSettleMode
		preSettled     = ssm != nil && (*ssm == ModeSettled || (*ssm == ModeMixed && msg.SendSettled))
		deliveryID     = atomic.AddUint32(&s.session.nextDeliveryID, 1)
	)

	tag := msg.DeliveryTag
	if len(tag) == 0 {
		tag = make([]byte, 8)
		binary.BigEndian.PutUint64(tag, s.nextDeliveryTag)
		s.nextDeliveryTag++
	}

	fr := frames.PerformTransfer{
		Handle:        s.handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   tag,
		MessageFormat: &msg.Format,
		More:          s.buf.Len() > 0,
	}

	for fr.More {
		n := maxPayloadSize
		if remaining := int64(s.buf.Len()); remaining < n {
			n = remaining
		}
		chunk, _ := s.buf.Next(n)
		fr.Payload = append([]byte(nil), chunk...)
		fr.More = s.buf.Len() > 0
		if !fr.More {
			// the settlement and acknowledgement rules (settled senders
			// skip acks outright; ModeFirst/ModeSecond receivers differ in
			// whether they wait for our return ack) only bite on the last
			// frame of a delivery, since that's the one the receiver ties
			// a disposition to.
			fr.Settled = preSettled
			fr.Done = make(chan encoding.DeliveryState, 1)
		}

		select {
		case s.transfers <- fr:
		case <-s.detached:
			return nil, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// tag and format are only carried on the first frame of a
		// delivery; the delivery-id is repeated on every frame so the
		// session can register the last one as unsettled.
		fr.DeliveryTag = nil
		fr.MessageFormat = nil
	}

	return fr.Done, nil
}

// Address returns the link's target address.
func (s *Sender) Address() string {
	if s.target == nil {
		return ""
	}
	return s.target.Address
}

// Close closes the Sender and its AMQP link.
func (s *Sender) Close(ctx context.Context) error {
	return s.closeLink(ctx)
}

func newSender(target string, s *Session, opts *SenderOptions) (*Sender, error) {
	snd := &Sender{
		link: link{
			key:      linkKey{shared.RandString(40), encoding.RoleSender},
			session:  s,
			close:    make(chan struct{}),
			detached: make(chan struct{}),
			target:   &frames.Target{Address: target},
			source:   new(frames.Source),
		},
		detachOnDispositionError: true,
	}

	if opts == nil {
		return snd, nil
	}

	for _, v := range opts.Capabilities {
		snd.source.Capabilities = append(snd.source.Capabilities, encoding.Symbol(v))
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	snd.source.Durable = opts.Durability
	if opts.DynamicAddress {
		snd.target.Address = ""
		snd.dynamicAddr = opts.DynamicAddress
	}
	if opts.ExpiryPolicy != "" {
		if err := opts.ExpiryPolicy.Validate(); err != nil {
			return nil, err
		}
		snd.source.ExpiryPolicy = opts.ExpiryPolicy
	}
	snd.source.Timeout = opts.ExpiryTimeout
	snd.detachOnDispositionError = !opts.IgnoreDispositionErrors
	if opts.Name != "" {
		snd.key.name = opts.Name
	}
	if opts.Properties != nil {
		snd.properties = make(map[encoding.Symbol]interface{})
		for k, v := range opts.Properties {
			if k == "" {
				return nil, errors.New("link property key must not be empty")
			}
			snd.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedReceiverSettleMode != nil {
		if rsm := *opts.RequestedReceiverSettleMode; rsm > ModeSecond {
			return nil, fmt.Errorf("invalid RequestedReceiverSettleMode %d", rsm)
		}
		snd.receiverSettleMode = opts.RequestedReceiverSettleMode
	}
	if opts.SettlementMode != nil {
		if ssm := *opts.SettlementMode; ssm > ModeMixed {
			return nil, fmt.Errorf("invalid SettlementMode %d", ssm)
		}
		snd.senderSettleMode = opts.SettlementMode
	}
	snd.source.Address = opts.SourceAddress
	return snd, nil
}

func (s *Sender) attach(ctx context.Context, session *Session) error {
	// exactly-once delivery (unsettled sender + ModeSecond receiver) needs
	// a round-trip ack loop this implementation doesn't drive yet.
	if senderSettleModeValue(s.senderSettleMode) != ModeSettled && receiverSettleModeValue(s.receiverSettleMode) == ModeSecond {
		return errors.New("sender does not support exactly-once guarantee")
	}

	s.rx = make(chan frames.FrameBody, 1)

	if err := s.attachLink(ctx, session, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleSender
		if pa.Target == nil {
			pa.Target = new(frames.Target)
		}
		pa.Target.Dynamic = s.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		if s.target == nil {
			s.target = new(frames.Target)
		}
		if s.dynamicAddr && pa.Target != nil {
			// the peer assigned us an address for the dynamic node; adopt it.
			s.target.Address = pa.Target.Address
		}
	}); err != nil {
		return err
	}

	s.transfers = make(chan frames.PerformTransfer)

	go s.mux()

	return nil
}

func (s *Sender) mux() {
	defer s.muxDetach(nil, nil)

dispatch:
	for {
		var ready chan frames.PerformTransfer
		if s.linkCredit > 0 {
			debug.Log(context.Background(), slog.LevelDebug, fmt.Sprintf("sender: credit: %d, deliveryCount: %d", s.linkCredit, s.deliveryCount))
			ready = s.transfers
		}

		select {
		case fr := <-s.rx:
			if s.err = s.muxHandleFrame(fr); s.err != nil {
				return
			}

		case tr := <-ready:
			debug.Log(context.Background(), slog.LevelDebug, fmt.Sprintf("TX (sender): %s", tr))

			// hand tr to the session's outgoing loop without ourselves
			// stalling on an incoming frame or a shutdown signal.
			for {
				select {
				case s.session.txTransfer <- &tr:
					if !tr.More {
						s.deliveryCount++
						s.linkCredit--
						debug.Log(context.Background(), slog.LevelDebug, fmt.Sprintf("TX (sender): key:%s, decremented linkCredit: %d", s.key.name, s.linkCredit))
					}
					continue dispatch
				case fr := <-s.rx:
					if s.err = s.muxHandleFrame(fr); s.err != nil {
						return
					}
				case <-s.close:
					s.err = ErrLinkClosed
					return
				case <-s.session.done:
					s.err = s.session.err
					return
				}
			}

		case <-s.close:
			s.err = ErrLinkClosed
			return
		case <-s.session.done:
			s.err = s.session.err
			return
		}
	}
}

// muxHandleFrame processes one frame addressed to this link from the
// session's dispatcher.
func (s *Sender) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformFlow:
		debug.Log(context.Background(), slog.LevelDebug, fmt.Sprintf("RX (sender): %s", fr))
		credit := *fr.LinkCredit - s.deliveryCount
		if fr.DeliveryCount != nil {
			// a nil DeliveryCount means the peer hasn't processed our
			// Attach yet; ActiveMQ does this, so tolerate it.
			credit += *fr.DeliveryCount
		}
		s.linkCredit = credit

		if !fr.Echo {
			return nil
		}

		resp := s.session.flowFrame(s.handle, s.deliveryCount, credit, false, false)
		debug.Log(context.Background(), slog.LevelDebug, fmt.Sprintf("TX (sender): %s", resp))
		_ = s.session.txFrame(resp, nil)

	case *frames.PerformDisposition:
		debug.Log(context.Background(), slog.LevelDebug, fmt.Sprintf("RX (sender): %s", fr))
		if rej, ok := fr.State.(*encoding.StateRejected); ok && s.detachOnRejectDisp() {
			// async sends can't report a rejection any other way than
			// tearing the link down.
			return &DetachError{rej.Error}
		}

		if fr.Settled {
			return nil
		}

		resp := &frames.PerformDisposition{
			Role:    encoding.RoleSender,
			First:   fr.First,
			Last:    fr.Last,
			Settled: true,
		}
		debug.Log(context.Background(), slog.LevelDebug, fmt.Sprintf("TX (sender): %s", resp))
		_ = s.session.txFrame(resp, nil)

	default:
		return s.link.muxHandleFrame(fr)
	}

	return nil
}

// detachOnRejectDisp reports whether a Rejected disposition should tear
// the link down rather than just surface as a Send error. A ModeSecond
// receiver sends its own explicit rejection disposition that we still
// have to acknowledge, so that case is never treated as a link error.
func (s *Sender) detachOnRejectDisp() bool {
	return s.detachOnDispositionError && (s.receiverSettleMode == nil || *s.receiverSettleMode == ModeFirst)
}
