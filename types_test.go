package amqp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amqpworks/amqp10/internal/buffer"
	"github.com/amqpworks/amqp10/internal/encoding"
)

func TestMessageMarshalUnmarshalDataSection(t *testing.T) {
	msg := &Message{
		Header: &MessageHeader{
			Durable:  true,
			Priority: 4,
		},
		Properties: &MessageProperties{
			MessageID:   "msg-1",
			ContentType: "application/octet-stream",
		},
		ApplicationProperties: map[string]interface{}{
			"x-retry": int32(3),
		},
		Data: [][]byte{[]byte("hello"), []byte("world")},
	}

	buf := &buffer.Buffer{}
	require.NoError(t, msg.Marshal(buf))

	var out Message
	require.NoError(t, out.Unmarshal(buf))

	require.True(t, out.Header.Durable)
	require.EqualValues(t, 4, out.Header.Priority)
	require.Equal(t, "msg-1", out.Properties.MessageID)
	require.Equal(t, encoding.Symbol("application/octet-stream"), out.Properties.ContentType)
	require.Equal(t, int32(3), out.ApplicationProperties["x-retry"])
	require.Equal(t, [][]byte{[]byte("hello"), []byte("world")}, out.Data)
}

func TestMessageMarshalUnmarshalValueSection(t *testing.T) {
	msg := &Message{Value: "plain string body"}

	buf := &buffer.Buffer{}
	require.NoError(t, msg.Marshal(buf))

	var out Message
	require.NoError(t, out.Unmarshal(buf))
	require.Equal(t, "plain string body", out.Value)
}

func TestEmptyMessageEncodesSingleEmptyDataSection(t *testing.T) {
	buf := &buffer.Buffer{}
	require.NoError(t, (&Message{}).Marshal(buf))
	require.NotZero(t, buf.Len())

	var out Message
	require.NoError(t, out.Unmarshal(buf))
	require.Len(t, out.Data, 1)
	require.Empty(t, out.Data[0])
}

func TestMessageHeaderDefaultPriorityOnNull(t *testing.T) {
	// Priority omitted on the wire should decode back to the AMQP
	// default of 4, not the zero value.
	h := &MessageHeader{Durable: true}
	buf := &buffer.Buffer{}
	require.NoError(t, h.marshal(buf))

	var out MessageHeader
	require.NoError(t, out.unmarshal(buf))
	require.EqualValues(t, 4, out.Priority)
}

func TestMessagePropertiesRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second).UTC()
	p := &MessageProperties{
		MessageID:     NewUUID(),
		To:            "queue/orders",
		ReplyTo:       "queue/orders/replies",
		CorrelationID: NewUUID(),
		CreationTime:  now,
		GroupID:       "batch-7",
	}

	buf := &buffer.Buffer{}
	require.NoError(t, p.marshal(buf))

	var out MessageProperties
	require.NoError(t, out.unmarshal(buf))
	require.Equal(t, p.To, out.To)
	require.Equal(t, p.ReplyTo, out.ReplyTo)
	require.Equal(t, p.GroupID, out.GroupID)
	require.True(t, out.CreationTime.Equal(now))
}

func TestNewUUIDIsRandomAndWellFormed(t *testing.T) {
	a := NewUUID()
	b := NewUUID()
	require.NotEqual(t, a, b)

	// version 4 per RFC 4122: high nibble of byte 6 is 0x4.
	require.EqualValues(t, 0x4, a[6]>>4)
}

func TestDeliveryStateName(t *testing.T) {
	tests := []struct {
		state encoding.DeliveryState
		want  string
	}{
		{&encoding.StateAccepted{}, "accepted"},
		{&encoding.StateRejected{}, "rejected"},
		{&encoding.StateReleased{}, "released"},
		{&encoding.StateModified{}, "modified"},
		{nil, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, deliveryStateName(tt.state))
	}
}
