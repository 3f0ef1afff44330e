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

func TestNextHeartbeatDelayDisabledWhenNoIdleTimeoutsConfigured(t *testing.T) {
	c := &Conn{}
	c.markRead()
	c.markWrite()
	require.Zero(t, c.nextHeartbeatDelay())
}

func TestNextHeartbeatDelayReflectsConfiguredInterval(t *testing.T) {
	c := &Conn{PeerIdleTimeout: time.Second}
	c.markWrite()
	c.markRead()

	d := c.nextHeartbeatDelay()
	require.InDelta(t, 800*time.Millisecond, d, float64(100*time.Millisecond))
}

func TestCheckHeartbeatSendsEmptyFrameWhenDue(t *testing.T) {
	sent := make(chan struct{}, 1)
	mc := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		if _, ok := req.(*mocks.KeepAlive); ok {
			sent <- struct{}{}
		}
		return nil, nil
	})

	c := &Conn{net: mc, PeerIdleTimeout: 10 * time.Millisecond}
	c.lastWrite.Store(time.Now().Add(-time.Second).UnixNano())
	c.lastRead.Store(time.Now().UnixNano())

	require.NoError(t, c.checkHeartbeat())

	select {
	case <-sent:
	default:
		t.Fatal("checkHeartbeat did not write an Empty frame when the peer's interval had elapsed")
	}
}

func TestCheckHeartbeatClosesOnLocalIdleTimeout(t *testing.T) {
	closeErr := make(chan *encoding.Error, 1)
	mc := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		if fr, ok := req.(*frames.PerformClose); ok {
			closeErr <- fr.Error
		}
		return nil, nil
	})

	c := &Conn{net: mc, idleTimeout: 10 * time.Millisecond}
	c.lastRead.Store(time.Now().Add(-time.Second).UnixNano())
	c.lastWrite.Store(time.Now().UnixNano())

	err := c.checkHeartbeat()
	require.Error(t, err)

	select {
	case sentErr := <-closeErr:
		require.Equal(t, ErrCondResourceLimitExceeded, sentErr.Condition)
	default:
		t.Fatal("checkHeartbeat did not send a Close carrying the idle-timeout condition")
	}
}

func TestReadLoopRejectsOversizedFrame(t *testing.T) {
	defer leaktest.Check(t)()

	mc := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			openResp, err := mocks.PerformOpen("test")
			if err != nil {
				return nil, err
			}
			// a bogus frame claiming to be far larger than any
			// configured max-frame-size, with no body following: readLoop
			// must reject it from the size prefix alone, before ever
			// allocating a buffer for the (nonexistent) body.
			oversized := []byte{0x7f, 0xff, 0xff, 0xff}
			return append(openResp, oversized...), nil
		}
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, mc, nil)
	require.NoError(t, err)

	select {
	case <-c.done:
		require.ErrorIs(t, c.err, ErrMaxFrameSizeExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close after receiving an oversized frame")
	}
}
