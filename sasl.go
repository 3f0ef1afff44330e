package amqp

import (
	"context"
	"fmt"

	"github.com/amqpworks/amqp10/internal/encoding"
	"github.com/amqpworks/amqp10/internal/frames"
)

// SASLType implements a single SASL mechanism's client side: the
// initial response sent with sasl-init, and (for mechanisms that need
// it) how to answer a sasl-challenge.
type SASLType interface {
	// Mechanism is the name advertised in sasl-init, which must be one
	// of the names the peer offered in sasl-mechanisms.
	Mechanism() encoding.Symbol

	// InitialResponse is sent as the initial-response field of sasl-init.
	InitialResponse() []byte

	// Respond answers a sasl-challenge frame. Mechanisms that never
	// challenge (PLAIN, ANONYMOUS, EXTERNAL) can return an error; it's
	// never called for them.
	Respond(challenge []byte) ([]byte, error)
}

type saslPlain struct {
	response []byte
}

// SASLTypePlain authenticates with the SASL PLAIN mechanism (RFC 4616):
// a single response of "\x00" + username + "\x00" + password.
func SASLTypePlain(username, password string) SASLType {
	resp := make([]byte, 0, len(username)+len(password)+2)
	resp = append(resp, 0)
	resp = append(resp, username...)
	resp = append(resp, 0)
	resp = append(resp, password...)
	return &saslPlain{response: resp}
}

func (s *saslPlain) Mechanism() encoding.Symbol             { return "PLAIN" }
func (s *saslPlain) InitialResponse() []byte                { return s.response }
func (s *saslPlain) Respond([]byte) ([]byte, error) {
	return nil, fmt.Errorf("amqp: PLAIN does not support challenges")
}

type saslAnonymous struct{}

// SASLTypeAnonymous authenticates with the SASL ANONYMOUS mechanism
// (RFC 4505): an empty/trace response, for brokers that don't require
// credentials.
func SASLTypeAnonymous() SASLType { return saslAnonymous{} }

func (saslAnonymous) Mechanism() encoding.Symbol { return "ANONYMOUS" }
func (saslAnonymous) InitialResponse() []byte    { return nil }
func (saslAnonymous) Respond([]byte) ([]byte, error) {
	return nil, fmt.Errorf("amqp: ANONYMOUS does not support challenges")
}

// negotiateSASL drives the sasl-mechanisms -> sasl-init ->
// [sasl-challenge -> sasl-response]* -> sasl-outcome exchange that
// precedes the AMQP protocol header when SASLType is configured.
func (c *Conn) negotiateSASL(ctx context.Context, t SASLType) error {
	fr, err := c.readSASLFrame()
	if err != nil {
		return err
	}
	mechs, ok := fr.(*frames.SASLMechanisms)
	if !ok {
		return fmt.Errorf("amqp: expected SASLMechanisms, received unexpected frame %T", fr)
	}

	found := false
	for _, m := range mechs.Mechanisms {
		if m == t.Mechanism() {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("amqp: peer does not support SASL mechanism %s", t.Mechanism())
	}

	init := &frames.SASLInit{
		Mechanism:       t.Mechanism(),
		InitialResponse: t.InitialResponse(),
	}
	if err := c.writeSASLFrame(init); err != nil {
		return err
	}

	for {
		fr, err := c.readSASLFrame()
		if err != nil {
			return err
		}
		switch fr := fr.(type) {
		case *frames.SASLChallenge:
			resp, err := t.Respond(fr.Challenge)
			if err != nil {
				return err
			}
			if err := c.writeSASLFrame(&frames.SASLResponse{Response: resp}); err != nil {
				return err
			}
		case *frames.SASLOutcome:
			if fr.Code != frames.SASLCodeOK {
				return fmt.Errorf("amqp: SASL negotiation failed: %s", fr.Code)
			}
			return nil
		default:
			return fmt.Errorf("amqp: unexpected frame %T during SASL negotiation", fr)
		}
	}
}
