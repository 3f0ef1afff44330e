package frames

import (
	"errors"
	"fmt"

	"github.com/amqpworks/amqp10/internal/buffer"
	"github.com/amqpworks/amqp10/internal/encoding"
)

// SASLCode is the outcome code carried on sasl-outcome.
type SASLCode uint8

const (
	SASLCodeOK      SASLCode = iota // Connection authentication succeeded.
	SASLCodeAuth                    // Connection authentication failed due to an unspecified problem with the supplied credentials.
	SASLCodeSys                     // Connection authentication failed due to a system error.
	SASLCodeSysPerm                 // Connection authentication failed due to a system error that is unlikely to be corrected without intervention.
	SASLCodeSysTemp                 // Connection authentication failed due to a transient system error.
)

func (c SASLCode) String() string {
	switch c {
	case SASLCodeOK:
		return "ok"
	case SASLCodeAuth:
		return "auth"
	case SASLCodeSys:
		return "sys"
	case SASLCodeSysPerm:
		return "sys-perm"
	case SASLCodeSysTemp:
		return "sys-temp"
	default:
		return fmt.Sprintf("unknown sasl-code %d", uint8(c))
	}
}

func (c SASLCode) Marshal(wr *buffer.Buffer) error {
	return encoding.Marshal(wr, uint8(c))
}

func (c *SASLCode) Unmarshal(r *buffer.Buffer) error {
	var v uint8
	if err := encoding.Unmarshal(r, &v); err != nil {
		return err
	}
	*c = SASLCode(v)
	return nil
}

// SASLMechanisms advertises the mechanisms the server supports.
type SASLMechanisms struct {
	Mechanisms encoding.MultiSymbol
}

func (s *SASLMechanisms) frameBody() {}

func (s *SASLMechanisms) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLMechanisms, []encoding.MarshalField{
		{Value: s.Mechanisms},
	})
}

func (s *SASLMechanisms) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLMechanisms, []encoding.UnmarshalField{
		{Field: &s.Mechanisms, HandleNull: func() error { return errors.New("SASLMechanisms.Mechanisms is required") }},
	})
}

// SASLInit is the client's chosen mechanism and initial response.
type SASLInit struct {
	Mechanism       encoding.Symbol
	InitialResponse []byte
	Hostname        string
}

func (s *SASLInit) frameBody() {}

func (s *SASLInit) String() string {
	return fmt.Sprintf("SASLInit{Mechanism: %s, InitialResponse: ********, Hostname: %s}", s.Mechanism, s.Hostname)
}

func (s *SASLInit) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLInit, []encoding.MarshalField{
		{Value: s.Mechanism},
		{Value: s.InitialResponse, Omit: len(s.InitialResponse) == 0},
		{Value: s.Hostname, Omit: s.Hostname == ""},
	})
}

func (s *SASLInit) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLInit, []encoding.UnmarshalField{
		{Field: &s.Mechanism, HandleNull: func() error { return errors.New("SASLInit.Mechanism is required") }},
		{Field: &s.InitialResponse},
		{Field: &s.Hostname},
	})
}

// SASLChallenge carries a server challenge mid-negotiation.
type SASLChallenge struct {
	Challenge []byte
}

func (s *SASLChallenge) frameBody() {}

func (s *SASLChallenge) String() string { return "SASLChallenge{Challenge: ********}" }

func (s *SASLChallenge) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLChallenge, []encoding.MarshalField{
		{Value: s.Challenge},
	})
}

func (s *SASLChallenge) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLChallenge, []encoding.UnmarshalField{
		{Field: &s.Challenge, HandleNull: func() error { return errors.New("SASLChallenge.Challenge is required") }},
	})
}

// SASLResponse carries the client's answer to a SASLChallenge.
type SASLResponse struct {
	Response []byte
}

func (s *SASLResponse) frameBody() {}

func (s *SASLResponse) String() string { return "SASLResponse{Response: ********}" }

func (s *SASLResponse) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLResponse, []encoding.MarshalField{
		{Value: s.Response},
	})
}

func (s *SASLResponse) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLResponse, []encoding.UnmarshalField{
		{Field: &s.Response, HandleNull: func() error { return errors.New("SASLResponse.Response is required") }},
	})
}

// SASLOutcome ends SASL negotiation with a final outcome code.
type SASLOutcome struct {
	Code           SASLCode
	AdditionalData []byte
}

func (s *SASLOutcome) frameBody() {}

func (s *SASLOutcome) String() string {
	return fmt.Sprintf("SASLOutcome{Code: %s, AdditionalData: %v}", s.Code, s.AdditionalData)
}

func (s *SASLOutcome) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLOutcome, []encoding.MarshalField{
		{Value: s.Code},
		{Value: s.AdditionalData, Omit: len(s.AdditionalData) == 0},
	})
}

func (s *SASLOutcome) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLOutcome, []encoding.UnmarshalField{
		{Field: &s.Code, HandleNull: func() error { return errors.New("SASLOutcome.Code is required") }},
		{Field: &s.AdditionalData},
	})
}
