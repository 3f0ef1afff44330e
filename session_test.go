package amqp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/amqpworks/amqp10/internal/encoding"
	"github.com/amqpworks/amqp10/internal/frames"
	"github.com/amqpworks/amqp10/internal/mocks"
)

// TestSessionEndUnblocksPendingSend covers muxDone draining the
// unsettled table: a Send blocked on a disposition that will now never
// arrive must return instead of hanging once the session goes away.
func TestSessionEndUnblocksPendingSend(t *testing.T) {
	defer leaktest.Check(t)()

	const linkHandle = uint32(0)

	var mc *mocks.MockConnection
	mc = mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch fr := req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("test")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformAttach:
			attachResp, err := mocks.SenderAttach(fr.Name, linkHandle, ModeUnsettled)
			if err != nil {
				return nil, err
			}
			// a Sender never asks for credit, so grant it with the Attach.
			flow, err := mocks.PerformFlow(linkHandle, 0, 10)
			if err != nil {
				return nil, err
			}
			return append(attachResp, flow...), nil
		case *frames.PerformFlow:
			return mocks.PerformFlow(linkHandle, 0, 10)
		case *frames.PerformTransfer:
			// swallow it: no disposition ever arrives for this delivery.
			return nil, nil
		}
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, mc, nil)
	require.NoError(t, err)

	sess, err := c.NewSession(ctx)
	require.NoError(t, err)

	snd, err := sess.NewSender(ctx, "test-target", nil)
	require.NoError(t, err)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- snd.Send(ctx, &Message{Data: [][]byte{[]byte("payload")}})
	}()

	require.Eventually(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return len(sess.unsettled) == 1
	}, time.Second, time.Millisecond, "send never registered its delivery as unsettled")

	// simulate the connection dying out from under the session.
	require.NoError(t, mc.Close())

	select {
	case err := <-sendErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not unblock once the session ended")
	}
}

// TestSessionEchoesPeerInitiatedEnd covers the case where the peer ends
// the session first: this side must answer with its own End rather than
// just unwinding silently.
func TestSessionEchoesPeerInitiatedEnd(t *testing.T) {
	defer leaktest.Check(t)()

	echoed := make(chan struct{})
	var once sync.Once

	mc := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("test")
		case *frames.PerformBegin:
			beginResp, err := mocks.PerformBegin(0)
			if err != nil {
				return nil, err
			}
			// the peer ends the session unprompted: no End of ours is
			// pending yet.
			endResp, err := mocks.PerformEnd(nil)
			if err != nil {
				return nil, err
			}
			return append(beginResp, endResp...), nil
		case *frames.PerformEnd:
			once.Do(func() { close(echoed) })
			return nil, nil
		}
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, mc, nil)
	require.NoError(t, err)

	sess, err := c.NewSession(ctx)
	require.NoError(t, err)

	select {
	case <-echoed:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not echo a reciprocal End")
	}

	select {
	case <-sess.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session mux did not exit after the peer's End")
	}
}

// TestSessionAcceptsPeerInitiatedAttach covers a peer attaching a link
// we never asked for: this side must complete the handshake and surface
// the link through AcceptReceiver rather than treat it as an error.
func TestSessionAcceptsPeerInitiatedAttach(t *testing.T) {
	defer leaktest.Check(t)()

	const linkHandle = uint32(7)

	attachedBack := make(chan *frames.PerformAttach, 1)
	mc := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch fr := req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("test")
		case *frames.PerformBegin:
			beginResp, err := mocks.PerformBegin(0)
			if err != nil {
				return nil, err
			}
			// the peer attaches as Sender without us ever calling NewReceiver.
			attachResp, err := mocks.ReceiverAttach("peer-initiated", linkHandle, ModeFirst)
			if err != nil {
				return nil, err
			}
			return append(beginResp, attachResp...), nil
		case *frames.PerformAttach:
			attachedBack <- fr
			return nil, nil
		case *frames.PerformFlow:
			return nil, nil
		}
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, mc, nil)
	require.NoError(t, err)

	sess, err := c.NewSession(ctx)
	require.NoError(t, err)

	rcv, err := sess.AcceptReceiver(ctx)
	require.NoError(t, err)
	require.Equal(t, "test", rcv.Address())

	select {
	case resp := <-attachedBack:
		require.Equal(t, encoding.RoleReceiver, resp.Role)
		// the reply carries our own handle, the first free one on this
		// session, not the peer's.
		require.Equal(t, uint32(0), resp.Handle)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not send a reciprocal Attach")
	}
}

// TestSessionAcceptsPeerInitiatedSenderAttach covers the Role=Receiver
// half: a peer that wants to receive gets a Sender on our side, with
// InitialDeliveryCount set since we now originate the sending role.
func TestSessionAcceptsPeerInitiatedSenderAttach(t *testing.T) {
	defer leaktest.Check(t)()

	const linkHandle = uint32(3)

	attachedBack := make(chan *frames.PerformAttach, 1)
	mc := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("test")
		case *frames.PerformBegin:
			beginResp, err := mocks.PerformBegin(0)
			if err != nil {
				return nil, err
			}
			attachResp, err := mocks.SenderAttach("peer-initiated", linkHandle, ModeSettled)
			if err != nil {
				return nil, err
			}
			return append(beginResp, attachResp...), nil
		case *frames.PerformAttach:
			attachedBack <- req.(*frames.PerformAttach)
			return nil, nil
		}
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, mc, nil)
	require.NoError(t, err)

	sess, err := c.NewSession(ctx)
	require.NoError(t, err)

	snd, err := sess.AcceptSender(ctx)
	require.NoError(t, err)
	require.Equal(t, "test-target", snd.Address())

	select {
	case resp := <-attachedBack:
		require.Equal(t, encoding.RoleSender, resp.Role)
		// the reply carries our own handle, the first free one on this
		// session, not the peer's.
		require.Equal(t, uint32(0), resp.Handle)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not send a reciprocal Attach")
	}
}
