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

func TestNewNegotiatesOpenAndClosesCleanly(t *testing.T) {
	defer leaktest.Check(t)()

	var mc *mocks.MockConnection
	mc = mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("test")
		case *frames.PerformClose:
			resp, err := mocks.PerformClose(nil)
			go mc.Close()
			return resp, err
		}
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, mc, nil)
	require.NoError(t, err)
	require.NotZero(t, c.PeerMaxFrameSize)

	require.NoError(t, c.Close())
}

func TestNewRejectsUnexpectedOpenResponse(t *testing.T) {
	defer leaktest.Check(t)()

	mc := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			// respond with the wrong performative type.
			return mocks.PerformBegin(0)
		}
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := New(ctx, mc, nil)
	require.Error(t, err)
}

func TestSessionBeginAndGracefulEnd(t *testing.T) {
	defer leaktest.Check(t)()

	mc := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("test")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformEnd:
			return mocks.PerformEnd(nil)
		}
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, mc, nil)
	require.NoError(t, err)

	sess, err := c.NewSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)

	require.NoError(t, sess.Close(ctx))
}

func TestSessionEndCarriesConnectionError(t *testing.T) {
	defer leaktest.Check(t)()

	mc := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("test")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformEnd:
			return mocks.PerformEnd(&encoding.Error{Condition: ErrCondInternalError})
		}
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, mc, nil)
	require.NoError(t, err)

	sess, err := c.NewSession(ctx)
	require.NoError(t, err)

	err = sess.Close(ctx)
	require.Error(t, err)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
}
