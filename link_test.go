package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/amqpworks/amqp10/internal/encoding"
	"github.com/amqpworks/amqp10/internal/frames"
	"github.com/amqpworks/amqp10/internal/mocks"
)

// dialMockedSession negotiates Open and Begin against resp and returns
// the resulting Conn/Session pair for a link-level test to attach onto.
func dialMockedSession(t *testing.T, resp func(frames.FrameBody) ([]byte, error)) (*Conn, *Session) {
	t.Helper()
	mc := mocks.NewConnection(resp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, mc, nil)
	require.NoError(t, err)

	sess, err := c.NewSession(ctx)
	require.NoError(t, err)

	return c, sess
}

func baseResponder(extra func(frames.FrameBody) ([]byte, error)) func(frames.FrameBody) ([]byte, error) {
	return func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("test")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		}
		if extra != nil {
			return extra(req)
		}
		return nil, nil
	}
}

func TestReceiverReceivesAndAcceptsMessage(t *testing.T) {
	defer leaktest.Check(t)()

	const linkHandle = uint32(0)
	payload := []byte("hello amqp")

	_, sess := dialMockedSession(t, baseResponder(func(req frames.FrameBody) ([]byte, error) {
		switch fr := req.(type) {
		case *frames.PerformAttach:
			attachResp, err := mocks.ReceiverAttach(fr.Name, linkHandle, ModeFirst)
			if err != nil {
				return nil, err
			}
			transfer, err := mocks.PerformTransfer(linkHandle, 1, payload)
			if err != nil {
				return nil, err
			}
			return append(attachResp, transfer...), nil
		case *frames.PerformFlow, *frames.PerformDisposition:
			return nil, nil
		}
		return nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// mocks.ReceiverAttach's canned response always sets Source.Address
	// to "test", which attachLink adopts as the link's resolved address.
	rcv, err := sess.NewReceiver(ctx, "test", nil)
	require.NoError(t, err)
	require.Equal(t, "test", rcv.Address())

	msg, err := rcv.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, msg.Data, 1)
	require.Equal(t, payload, msg.Data[0])

	require.NoError(t, rcv.AcceptMessage(ctx, msg))
}

func TestSenderSendsAndSettlesOnDisposition(t *testing.T) {
	defer leaktest.Check(t)()

	const linkHandle = uint32(0)

	_, sess := dialMockedSession(t, baseResponder(func(req frames.FrameBody) ([]byte, error) {
		switch fr := req.(type) {
		case *frames.PerformAttach:
			attachResp, err := mocks.SenderAttach(fr.Name, linkHandle, ModeUnsettled)
			if err != nil {
				return nil, err
			}
			flow, err := mocks.PerformFlow(linkHandle, 0, 10)
			if err != nil {
				return nil, err
			}
			return append(attachResp, flow...), nil
		case *frames.PerformTransfer:
			return mocks.PerformDisposition(*fr.DeliveryID, &encoding.StateAccepted{})
		}
		return nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snd, err := sess.NewSender(ctx, "test-target", nil)
	require.NoError(t, err)
	require.Equal(t, "test-target", snd.Address())

	err = snd.Send(ctx, &Message{Data: [][]byte{[]byte("payload")}})
	require.NoError(t, err)
}

func TestSenderDetachesOnRejectedDisposition(t *testing.T) {
	defer leaktest.Check(t)()

	const linkHandle = uint32(0)

	_, sess := dialMockedSession(t, baseResponder(func(req frames.FrameBody) ([]byte, error) {
		switch fr := req.(type) {
		case *frames.PerformAttach:
			attachResp, err := mocks.SenderAttach(fr.Name, linkHandle, ModeUnsettled)
			if err != nil {
				return nil, err
			}
			flow, err := mocks.PerformFlow(linkHandle, 0, 10)
			if err != nil {
				return nil, err
			}
			return append(attachResp, flow...), nil
		case *frames.PerformTransfer:
			return mocks.PerformDisposition(*fr.DeliveryID, &encoding.StateRejected{
				Error: &encoding.Error{Condition: ErrCondInternalError},
			})
		}
		return nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snd, err := sess.NewSender(ctx, "test-target", nil)
	require.NoError(t, err)

	err = snd.Send(ctx, &Message{Data: [][]byte{[]byte("payload")}})
	require.Error(t, err)
	var detachErr *DetachError
	require.ErrorAs(t, err, &detachErr)
}

func TestReceiverDetachesOnCreditOverflow(t *testing.T) {
	defer leaktest.Check(t)()

	const linkHandle = uint32(0)

	_, sess := dialMockedSession(t, baseResponder(func(req frames.FrameBody) ([]byte, error) {
		switch fr := req.(type) {
		case *frames.PerformAttach:
			attachResp, err := mocks.ReceiverAttach(fr.Name, linkHandle, ModeFirst)
			if err != nil {
				return nil, err
			}
			first, err := mocks.PerformTransfer(linkHandle, 1, []byte("one"))
			if err != nil {
				return nil, err
			}
			// a second Transfer with no credit left to spend: the peer is
			// violating the link-credit invariant, not just racing a Flow.
			second, err := mocks.PerformTransfer(linkHandle, 2, []byte("two"))
			if err != nil {
				return nil, err
			}
			return append(append(attachResp, first...), second...), nil
		case *frames.PerformFlow, *frames.PerformDetach:
			return nil, nil
		}
		return nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rcv, err := sess.NewReceiver(ctx, "test", &ReceiverOptions{Credit: 1, ManualCredits: true})
	require.NoError(t, err)

	msg, err := rcv.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), msg.Data[0])

	_, err = rcv.Receive(ctx)
	require.Error(t, err)
	var detachErr *DetachError
	require.ErrorAs(t, err, &detachErr)
	require.Equal(t, ErrCondTransferLimitExceeded, detachErr.RemoteError.Condition)
}

func TestManualCreditorIssueCreditRespectsBufferCap(t *testing.T) {
	mc := &manualCreditor{}
	l := &link{linkCredit: 0}

	require.NoError(t, mc.IssueCredit(4, l, 0, 4))
	drain, extra := mc.FlowBits()
	require.False(t, drain)
	require.EqualValues(t, 4, extra)

	l.linkCredit = 4
	err := mc.IssueCredit(1, l, 0, 4)
	require.ErrorIs(t, err, ErrCreditLimitExceeded)
}

func TestManualCreditorDrainRoundTrip(t *testing.T) {
	mc := &manualCreditor{}
	l := &link{
		close:    make(chan struct{}),
		detached: make(chan struct{}),
	}

	done := make(chan error, 1)
	go func() {
		done <- mc.Drain(context.Background(), l)
	}()

	require.Eventually(t, func() bool {
		mc.mu.Lock()
		defer mc.mu.Unlock()
		return mc.drained != nil
	}, time.Second, time.Millisecond)

	err := mc.IssueCredit(1, l, 0, 10)
	require.ErrorIs(t, err, errLinkDraining)

	mc.EndDrain()
	require.NoError(t, <-done)
}
