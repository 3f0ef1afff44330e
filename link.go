package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/amqpworks/amqp10/internal/encoding"
	"github.com/amqpworks/amqp10/internal/frames"
)

// linkKey uniquely identifies a link within a session: AMQP allows a
// sending and a receiving link to share the same name, so role is part
// of the key.
type linkKey struct {
	name string
	role encoding.Role
}

// link holds the state shared by Sender and Receiver. Sender and
// Receiver each embed a link and add the half of the protocol (outgoing
// transfers, or credit/disposition) that's specific to their role.
type link struct {
	key         linkKey
	handle      uint32
	dynamicAddr bool

	session *Session

	source     *frames.Source
	target     *frames.Target
	properties map[encoding.Symbol]interface{}

	receiverSettleMode *encoding.ReceiverSettleMode
	senderSettleMode   *encoding.SenderSettleMode
	maxMessageSize     uint64

	deliveryCount uint32
	linkCredit    uint32

	// rx receives frames.FrameBody values routed to this link's handle
	// by the owning session's mux.
	rx chan frames.FrameBody

	close       chan struct{}
	closeOnce   sync.Once
	detached    chan struct{}
	detachOnce  sync.Once
	err         error
	detachError *DetachError
}

// attachLink sends an Attach, lets the caller customize the outgoing
// frame via beforeAttach, waits for the peer's Attach, then lets the
// caller record anything from it via afterAttach.
func (l *link) attachLink(ctx context.Context, s *Session, beforeAttach func(*frames.PerformAttach), afterAttach func(*frames.PerformAttach)) error {
	l.session = s

	if err := s.allocateHandle(l); err != nil {
		return err
	}

	attach := &frames.PerformAttach{
		Name:                 l.key.name,
		Handle:               l.handle,
		ReceiverSettleMode:   l.receiverSettleMode,
		SenderSettleMode:     l.senderSettleMode,
		Source:               l.source,
		Target:               l.target,
		Properties:           l.properties,
		InitialDeliveryCount: l.deliveryCount,
		MaxMessageSize:       l.maxMessageSize,
	}
	if beforeAttach != nil {
		beforeAttach(attach)
	}

	if err := s.txFrame(attach, nil); err != nil {
		return err
	}

	fr, err := l.waitForFrame(ctx)
	if err != nil {
		return err
	}

	resp, ok := fr.(*frames.PerformAttach)
	if !ok {
		return fmt.Errorf("amqp: expected Attach, received unexpected frame %T", fr)
	}

	if l.maxMessageSize == 0 || (resp.MaxMessageSize != 0 && resp.MaxMessageSize < l.maxMessageSize) {
		l.maxMessageSize = resp.MaxMessageSize
	}

	if afterAttach != nil {
		afterAttach(resp)
	}

	if resp.Source != nil {
		l.source = resp.Source
	}
	if resp.Target != nil {
		l.target = resp.Target
	}

	l.session.conn.metrics.linkOpened()
	return nil
}

// waitForFrame blocks until a frame addressed to this link arrives, the
// link is closed/detached, or ctx is done.
func (l *link) waitForFrame(ctx context.Context) (frames.FrameBody, error) {
	select {
	case fr := <-l.rx:
		return fr, nil
	case <-l.close:
		return nil, l.err
	case <-l.detached:
		return nil, l.err
	case <-l.session.done:
		return nil, l.session.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// muxHandleFrame handles frame types common to both Sender and
// Receiver. Sender/Receiver-specific mux loops fall through to this for
// anything they don't special-case.
func (l *link) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformDetach:
		if fr.Error != nil {
			l.detachError = &DetachError{RemoteError: fr.Error}
		}
		_ = l.session.txFrame(&frames.PerformDetach{Handle: l.handle, Closed: true}, nil)
		return &DetachError{RemoteError: fr.Error}
	default:
		return fmt.Errorf("amqp: unexpected frame type %T", fr)
	}
}

// muxDetach runs once when a link's mux goroutine exits for any reason:
// it records err, tears down the session's handle table entry for this
// link, and closes detached so blocked callers (Send/Receive/Close)
// unblock with the right error.
func (l *link) muxDetach(err error, detachFr *frames.PerformDetach) {
	l.detachOnce.Do(func() {
		if err != nil {
			l.err = err
		}
		if detachFr != nil {
			_ = l.session.txFrame(detachFr, nil)
		}
		l.session.deleteLink(l.handle)
		l.session.conn.metrics.linkClosed()
		close(l.detached)
	})
}

// closeLink sends a Detach(closed=true) and waits for the peer's
// reciprocal Detach, or for ctx to expire.
func (l *link) closeLink(ctx context.Context) error {
	var err error
	l.closeOnce.Do(func() {
		select {
		case <-l.detached:
			return
		default:
		}
		close(l.close)
		select {
		case <-l.detached:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	if err != nil {
		return err
	}
	if l.detachError != nil && l.detachError.RemoteError != nil {
		return nil
	}
	return nil
}
