package amqp

import "github.com/amqpworks/amqp10/internal/encoding"

// SenderOptions configures a link opened with Session.NewSender.
type SenderOptions struct {
	// Capabilities advertised on the link's Source.
	Capabilities []string

	// Durability requests how long the source node should survive
	// outages. Defaults to DurabilityNone.
	Durability encoding.Durability

	// DynamicAddress, if true, asks the peer to generate the target
	// address dynamically; the assigned address is readable from
	// Sender.Address after attach.
	DynamicAddress bool

	// ExpiryPolicy controls when the source node's expiry timer
	// starts. Defaults to ExpirySessionEnd.
	ExpiryPolicy encoding.ExpiryPolicy

	// ExpiryTimeout is the duration, in seconds, the source node may
	// exist after its ExpiryPolicy condition is met.
	ExpiryTimeout uint32

	// IgnoreDispositionErrors, if true, keeps the link open when the
	// receiver rejects a delivery instead of detaching it.
	IgnoreDispositionErrors bool

	// Name overrides the randomly generated link name.
	Name string

	// Properties are attached to the Attach frame's properties field.
	Properties map[string]interface{}

	// RequestedReceiverSettleMode asks the receiver to use the given
	// settlement mode.
	RequestedReceiverSettleMode *encoding.ReceiverSettleMode

	// SettlementMode is this sender's settlement mode.
	SettlementMode *encoding.SenderSettleMode

	// SourceAddress sets the link Source's address.
	SourceAddress string
}

// ReceiverOptions configures a link opened with Session.NewReceiver.
type ReceiverOptions struct {
	// Capabilities advertised on the link's Target.
	Capabilities []string

	// Credit is the link-credit issued to the peer immediately after
	// attach, with or without ManualCredits. Defaults to 1.
	Credit uint32

	// ManualCredits disables automatic credit replenishment; the
	// caller must call Receiver.IssueCredit explicitly.
	ManualCredits bool

	// Name overrides the randomly generated link name.
	Name string

	// Properties are attached to the Attach frame's properties field.
	Properties map[string]interface{}

	// RequestedSenderSettleMode asks the sender to use the given
	// settlement mode.
	RequestedSenderSettleMode *encoding.SenderSettleMode

	// SettlementMode is this receiver's settlement mode.
	SettlementMode *encoding.ReceiverSettleMode

	// TargetAddress sets the link Target's address.
	TargetAddress string
}

func symbolProperties(m map[string]interface{}) map[encoding.Symbol]interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[encoding.Symbol]interface{}, len(m))
	for k, v := range m {
		out[encoding.Symbol(k)] = v
	}
	return out
}
