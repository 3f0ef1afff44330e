package amqp

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/amqpworks/amqp10/internal/bitmap"
	"github.com/amqpworks/amqp10/internal/encoding"
	"github.com/amqpworks/amqp10/internal/frames"
)

// maxTransferFrameHeader is a conservative upper bound on the bytes a
// Transfer frame's header (frame header + performative fields) takes,
// subtracted from the peer's max-frame-size to find how much payload
// fits in one frame.
const maxTransferFrameHeader = 128

// defaultWindow is the initial incoming/outgoing window a Session
// advertises; it bounds how many unsettled Transfer frames can be in
// flight before the sender must wait for more credit.
const defaultWindow = 5000

// Session maps to a Begin/End pair: a unidirectional-numbered,
// bidirectional-dataflow context for a group of links. One Connection
// can multiplex many sessions over distinct channel numbers.
type Session struct {
	conn    *Conn
	channel uint16

	rx chan frames.FrameBody
	tx chan frames.FrameBody

	done chan struct{}
	err  error

	closeOnce sync.Once
	endOnce   sync.Once

	mu         sync.Mutex
	links      map[uint32]*link
	linksByKey map[linkKey]*link
	handleMax  uint32
	handles    bitmap.Bitmap
	unsettled  map[uint32]chan encoding.DeliveryState

	nextDeliveryID uint32

	nextOutgoingID        uint32
	incomingWindow        uint32
	outgoingWindow        uint32
	remoteIncomingWindow  uint32
	remoteOutgoingWindow  uint32

	txTransfer chan *frames.PerformTransfer

	// incomingReceivers/incomingSenders carry links the peer attached
	// unprompted (no matching local Attach pending); AcceptReceiver/
	// AcceptSender hand them to the application.
	incomingReceivers chan *Receiver
	incomingSenders   chan *Sender
}

func newSession(c *Conn, channel uint16) *Session {
	return &Session{
		conn:              c,
		channel:           channel,
		rx:                make(chan frames.FrameBody, 1),
		done:              make(chan struct{}),
		links:             make(map[uint32]*link),
		linksByKey:        make(map[linkKey]*link),
		handleMax:         math.MaxUint32 - 1,
		incomingWindow:    defaultWindow,
		outgoingWindow:    defaultWindow,
		txTransfer:        make(chan *frames.PerformTransfer),
		incomingReceivers: make(chan *Receiver, 16),
		incomingSenders:   make(chan *Sender, 16),
	}
}

// begin sends Begin, waits for the peer's Begin, and starts the
// session's mux goroutine.
func (s *Session) begin(ctx context.Context) error {
	begin := &frames.PerformBegin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	if err := s.conn.txFrame(s.channel, begin, nil); err != nil {
		return err
	}

	select {
	case fr := <-s.rx:
		resp, ok := fr.(*frames.PerformBegin)
		if !ok {
			return fmt.Errorf("amqp: expected Begin, received unexpected frame %T", fr)
		}
		s.remoteIncomingWindow = resp.IncomingWindow
		s.remoteOutgoingWindow = resp.OutgoingWindow
		if resp.HandleMax < s.handleMax {
			s.handleMax = resp.HandleMax
		}
	case <-s.conn.done:
		return s.conn.err
	case <-ctx.Done():
		return ctx.Err()
	}

	s.conn.metrics.sessionOpened()
	go s.mux()
	return nil
}

// txFrame queues fr to be sent on this session's channel. done, if
// non-nil, is only meaningful for PerformTransfer and is handled by the
// caller directly; txFrame itself just forwards to the connection.
func (s *Session) txFrame(fr frames.FrameBody, done chan encoding.DeliveryState) error {
	return s.conn.txFrame(s.channel, fr, done)
}

// allocateHandle assigns l the lowest unused link handle and registers
// it so inbound frames addressed to that handle reach l.rx.
func (s *Session) allocateHandle(l *link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint32(len(s.links)) > s.handleMax {
		return fmt.Errorf("amqp: reached session handle-max %d", s.handleMax)
	}

	handle := s.handles.Next(0)
	if handle > s.handleMax {
		return fmt.Errorf("amqp: reached session handle-max %d", s.handleMax)
	}
	s.handles.Set(handle)

	l.handle = handle
	l.rx = make(chan frames.FrameBody, 1)
	s.links[l.handle] = l
	s.linksByKey[l.key] = l
	return nil
}

func (s *Session) deleteLink(handle uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.links[handle]; ok {
		delete(s.linksByKey, l.key)
	}
	delete(s.links, handle)
	s.handles.Clear(handle)
}

func (s *Session) linkByHandle(handle uint32) (*link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[handle]
	return l, ok
}

// mux is the session's single dispatcher goroutine: it routes inbound
// frames to the link they're addressed to (tracking the delivery
// windows along the way) and paces outbound transfers against the
// remote incoming window.
func (s *Session) mux() {
	defer s.muxDone(nil)

	for {
		var outgoing chan *frames.PerformTransfer
		if s.remoteIncomingWindow > 0 {
			outgoing = s.txTransfer
		}

		select {
		case fr := <-s.rx:
			if err := s.muxHandleFrame(fr); err != nil {
				s.muxDone(err)
				return
			}

		case tr := <-outgoing:
			s.mu.Lock()
			s.nextOutgoingID++
			s.remoteIncomingWindow--
			s.mu.Unlock()
			if err := s.conn.txFrame(s.channel, tr, nil); err != nil {
				s.muxDone(err)
				return
			}
			if !tr.More && tr.Done != nil {
				if tr.Settled {
					// pre-settled: no disposition will follow.
					tr.Done <- nil
				} else {
					s.registerUnsettled(*tr.DeliveryID, tr.Done)
				}
			}

		case <-s.conn.done:
			s.muxDone(s.conn.err)
			return
		}
	}
}

// flowFrame builds a Flow performative for one of this session's links,
// filling the session-scoped fields (next-outgoing-id, the two windows)
// from live state rather than leaving them at their zero value, per
// §4.7/§4.8: every Flow this side emits must describe the real session,
// not just the link's credit.
func (s *Session) flowFrame(handle uint32, deliveryCount, linkCredit uint32, echo, drain bool) *frames.PerformFlow {
	s.mu.Lock()
	next := s.nextOutgoingID
	in := s.incomingWindow
	out := s.outgoingWindow
	s.mu.Unlock()
	return &frames.PerformFlow{
		NextOutgoingID: next,
		IncomingWindow: in,
		OutgoingWindow: out,
		Handle:         &handle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &linkCredit,
		Drain:          drain,
		Echo:           echo,
	}
}

// registerUnsettled maps an outgoing delivery-id to the channel
// Sender.Send is waiting on for its disposition.
func (s *Session) registerUnsettled(id uint32, done chan encoding.DeliveryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsettled == nil {
		s.unsettled = make(map[uint32]chan encoding.DeliveryState)
	}
	s.unsettled[id] = done
}

func (s *Session) resolveUnsettled(id uint32, state encoding.DeliveryState) {
	s.mu.Lock()
	done, ok := s.unsettled[id]
	if ok {
		delete(s.unsettled, id)
	}
	s.mu.Unlock()
	if ok && done != nil {
		done <- state
		s.conn.metrics.deliverySettled(deliveryStateName(state))
	}
}

func (s *Session) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformAttach:
		l, ok := s.linkByKeyLocked(linkKey{fr.Name, !fr.Role})
		if ok {
			return s.deliver(l, fr)
		}
		return s.acceptIncomingAttach(fr)

	case *frames.PerformFlow:
		s.mu.Lock()
		if fr.NextIncomingID != nil {
			s.remoteIncomingWindow = *fr.NextIncomingID + fr.IncomingWindow - s.nextOutgoingID
		} else {
			s.remoteIncomingWindow = fr.IncomingWindow
		}
		s.remoteOutgoingWindow = fr.OutgoingWindow
		s.mu.Unlock()
		if fr.Handle == nil {
			return nil
		}
		l, ok := s.linkByHandle(*fr.Handle)
		if !ok {
			return nil
		}
		return s.deliver(l, fr)

	case *frames.PerformTransfer:
		l, ok := s.linkByHandle(fr.Handle)
		if !ok {
			return fmt.Errorf("amqp: received Transfer for unknown handle %d", fr.Handle)
		}
		s.mu.Lock()
		s.incomingWindow--
		s.mu.Unlock()
		return s.deliver(l, fr)

	case *frames.PerformDisposition:
		if fr.Last == nil {
			s.resolveUnsettled(fr.First, fr.State)
		} else {
			for id := fr.First; id <= *fr.Last; id++ {
				s.resolveUnsettled(id, fr.State)
			}
		}
		return nil

	case *frames.PerformDetach:
		l, ok := s.linkByHandle(fr.Handle)
		if !ok {
			return nil
		}
		return s.deliver(l, fr)

	case *frames.PerformEnd:
		// echo End back unless we already sent our own (e.g. via
		// Close); a peer-initiated End must be answered in kind.
		s.sendEnd()
		if fr.Error != nil {
			return &ConnectionError{inner: fr.Error}
		}
		return errSessionEnded

	default:
		return fmt.Errorf("amqp: session received unexpected frame %T", fr)
	}
}

// deliver hands fr to l's own rx channel without blocking the whole
// session mux forever if l's mux has already exited.
func (s *Session) deliver(l *link, fr frames.FrameBody) error {
	select {
	case l.rx <- fr:
	case <-l.detached:
	case <-s.done:
	}
	return nil
}

func (s *Session) linkByKeyLocked(k linkKey) (*link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.linksByKey[k]
	return l, ok
}

func (s *Session) muxDone(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.mu.Lock()
		unsettled := s.unsettled
		s.unsettled = nil
		s.mu.Unlock()
		// nothing will ever resolve these deliveries now; close each
		// Done channel so a blocked Sender.Send unblocks instead of
		// waiting on a disposition that can never arrive.
		for id, done := range unsettled {
			close(done)
			delete(unsettled, id)
		}
		close(s.done)
		s.conn.removeSession(s.channel)
		s.conn.metrics.sessionClosed()
	})
}

// acceptIncomingAttach completes a peer-initiated Attach that doesn't
// match any locally-pending one: the peer opened a link on us rather
// than the other way around. An Attach(role=Sender) from the peer
// makes us the receiver; an Attach(role=Receiver) makes us the sender.
func (s *Session) acceptIncomingAttach(fr *frames.PerformAttach) error {
	switch fr.Role {
	case encoding.RoleSender:
		source := ""
		if fr.Source != nil {
			source = fr.Source.Address
		}
		rcv, err := newReceiver(source, s, nil)
		if err != nil {
			return err
		}
		rcv.key.name = fr.Name
		if err := s.allocateHandle(&rcv.link); err != nil {
			return err
		}
		resp := &frames.PerformAttach{
			Name:               fr.Name,
			Handle:             rcv.handle,
			Role:               encoding.RoleReceiver,
			ReceiverSettleMode: rcv.receiverSettleMode,
			Source:             rcv.source,
			Target:             rcv.target,
			MaxMessageSize:     rcv.maxMessageSize,
		}
		if err := s.txFrame(resp, nil); err != nil {
			return err
		}
		s.conn.metrics.linkOpened()
		rcv.flowRequests = make(chan struct{}, 1)
		go rcv.mux()
		select {
		case s.incomingReceivers <- rcv:
		case <-s.done:
		}
		return nil

	case encoding.RoleReceiver:
		target := ""
		if fr.Target != nil {
			target = fr.Target.Address
		}
		snd, err := newSender(target, s, nil)
		if err != nil {
			return err
		}
		snd.key.name = fr.Name
		if err := s.allocateHandle(&snd.link); err != nil {
			return err
		}
		resp := &frames.PerformAttach{
			Name:                 fr.Name,
			Handle:               snd.handle,
			Role:                 encoding.RoleSender,
			SenderSettleMode:     snd.senderSettleMode,
			Source:               snd.source,
			Target:               snd.target,
			InitialDeliveryCount: snd.deliveryCount,
			MaxMessageSize:       snd.maxMessageSize,
		}
		if err := s.txFrame(resp, nil); err != nil {
			return err
		}
		s.conn.metrics.linkOpened()
		snd.transfers = make(chan frames.PerformTransfer)
		go snd.mux()
		select {
		case s.incomingSenders <- snd:
		case <-s.done:
		}
		return nil

	default:
		return fmt.Errorf("amqp: received Attach with invalid role %v", fr.Role)
	}
}

// AcceptReceiver blocks until the peer attaches a sending link to this
// session, completing the handshake and returning the resulting
// Receiver.
func (s *Session) AcceptReceiver(ctx context.Context) (*Receiver, error) {
	select {
	case rcv := <-s.incomingReceivers:
		return rcv, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptSender blocks until the peer attaches a receiving link to this
// session, completing the handshake and returning the resulting
// Sender.
func (s *Session) AcceptSender(ctx context.Context) (*Sender, error) {
	select {
	case snd := <-s.incomingSenders:
		return snd, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendEnd transmits this side's End exactly once, however it was
// triggered: an explicit Close, or echoing a peer-initiated End.
func (s *Session) sendEnd() {
	s.endOnce.Do(func() {
		_ = s.txFrame(&frames.PerformEnd{}, nil)
	})
}

// Close sends End and waits for the peer's End (or ctx expiry).
func (s *Session) Close(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	default:
	}
	s.sendEnd()
	select {
	case <-s.done:
		if s.err == errSessionEnded {
			return nil
		}
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewSender opens a new sending link targeting target.
func (s *Session) NewSender(ctx context.Context, target string, opts *SenderOptions) (*Sender, error) {
	snd, err := newSender(target, s, opts)
	if err != nil {
		return nil, err
	}
	if err := snd.attach(ctx, s); err != nil {
		return nil, err
	}
	return snd, nil
}

// NewReceiver opens a new receiving link sourced from source.
func (s *Session) NewReceiver(ctx context.Context, source string, opts *ReceiverOptions) (*Receiver, error) {
	rcv, err := newReceiver(source, s, opts)
	if err != nil {
		return nil, err
	}
	if err := rcv.attach(ctx, s); err != nil {
		return nil, err
	}
	return rcv, nil
}
