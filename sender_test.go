package amqp

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amqpworks/amqp10/internal/encoding"
)

func TestNewSenderRejectsInvalidSettlementMode(t *testing.T) {
	bad := encoding.SenderSettleMode(3)
	snd, err := newSender("target", &Session{}, &SenderOptions{SettlementMode: &bad})
	require.Error(t, err)
	require.Nil(t, snd)
}

func TestNewSenderRejectsInvalidDurability(t *testing.T) {
	snd, err := newSender("target", &Session{}, &SenderOptions{Durability: encoding.Durability(3)})
	require.Error(t, err)
	require.Nil(t, snd)
}

func TestNewSenderRejectsInvalidRequestedReceiverSettleMode(t *testing.T) {
	bad := encoding.ReceiverSettleMode(7)
	snd, err := newSender("target", &Session{}, &SenderOptions{RequestedReceiverSettleMode: &bad})
	require.Error(t, err)
	require.Nil(t, snd)
}

func TestNewSenderRejectsEmptyPropertyKey(t *testing.T) {
	snd, err := newSender("target", &Session{}, &SenderOptions{
		Properties: map[string]interface{}{"": "value"},
	})
	require.Error(t, err)
	require.Nil(t, snd)
}

func TestNewSenderDefaultsAndOverrides(t *testing.T) {
	snd, err := newSender("target", &Session{}, nil)
	require.NoError(t, err)
	require.Equal(t, "target", snd.target.Address)
	require.True(t, snd.detachOnDispositionError)

	snd, err = newSender("target", &Session{}, &SenderOptions{
		Name:                    "fixed-name",
		IgnoreDispositionErrors: true,
	})
	require.NoError(t, err)
	require.Equal(t, "fixed-name", snd.key.name)
	require.False(t, snd.detachOnDispositionError)
}

func TestSenderSendRejectsOversizedDeliveryTag(t *testing.T) {
	snd, err := newSender("target", &Session{}, nil)
	require.NoError(t, err)
	snd.detached = make(chan struct{})

	msg := &Message{
		DeliveryTag: make([]byte, 40),
		Data:        [][]byte{[]byte("x")},
	}
	_, err = snd.encodeAndQueue(context.Background(), msg)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "delivery tag"))
}

func TestSenderAddressEmptyWithoutTarget(t *testing.T) {
	snd := &Sender{}
	require.Equal(t, "", snd.Address())
}

func TestSenderSendReturnsDetachedErrorAfterDetach(t *testing.T) {
	snd, err := newSender("target", &Session{}, nil)
	require.NoError(t, err)
	snd.detached = make(chan struct{})
	snd.err = ErrLinkClosed
	close(snd.detached)

	err = snd.Send(context.Background(), &Message{})
	require.ErrorIs(t, err, ErrLinkClosed)
}

func TestDetachOnRejectDispHonorsReceiverSettleMode(t *testing.T) {
	snd, err := newSender("target", &Session{}, nil)
	require.NoError(t, err)
	require.True(t, snd.detachOnRejectDisp())

	second := ModeSecond
	snd.receiverSettleMode = &second
	require.False(t, snd.detachOnRejectDisp())

	snd.detachOnDispositionError = false
	first := ModeFirst
	snd.receiverSettleMode = &first
	require.False(t, snd.detachOnRejectDisp())
}
