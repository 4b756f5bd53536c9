package protocol

import (
	"fmt"
)

// Message is one of the known message kinds carried in a Pdu body:
// *AuthStep1Req, *AuthStep1Res, *AuthStep2Req, *AuthStep2Res, *AuthLoginReq,
// *AuthLoginRes or *Data.
type Message interface {
	Command() CommandID
	marshal() []byte
	unmarshal(b []byte) error
}

// Response is implemented by messages that carry a status code.
type Response interface {
	Message
	Code() ErrCode
}

// Pack wraps msg into a Pdu tagged with seq. Responses copy their status
// code into the envelope.
func Pack(seq uint32, msg Message) *Pdu {
	pdu := &Pdu{
		SeqNum:    seq,
		Version:   Version,
		CommandID: msg.Command(),
		Payload:   msg.marshal(),
	}
	if res, ok := msg.(Response); ok {
		pdu.ErrCode = res.Code()
	}
	return pdu
}

// Encode packs and encodes msg in one step.
func Encode(seq uint32, msg Message) ([]byte, error) {
	return Pack(seq, msg).Encode()
}

// Unpack decodes the Pdu body into its typed message. Unknown commands are
// returned as *Data so pushes from newer servers are not lost.
func Unpack(pdu *Pdu) (Message, error) {
	var msg Message
	switch pdu.CommandID {
	case CommandAuthStep1Req:
		msg = &AuthStep1Req{}
	case CommandAuthStep1Res:
		msg = &AuthStep1Res{}
	case CommandAuthStep2Req:
		msg = &AuthStep2Req{}
	case CommandAuthStep2Res:
		msg = &AuthStep2Res{}
	case CommandAuthLoginReq:
		msg = &AuthLoginReq{}
	case CommandAuthLoginRes:
		msg = &AuthLoginRes{}
	default:
		msg = &Data{Cmd: pdu.CommandID}
	}
	if err := msg.unmarshal(pdu.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", pdu.CommandID, err)
	}
	return msg, nil
}

// UnpackAs decodes the Pdu and asserts it holds a T.
func UnpackAs[T Message](pdu *Pdu) (T, error) {
	var zero T
	msg, err := Unpack(pdu)
	if err != nil {
		return zero, err
	}
	typed, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("got %s: %w", pdu.CommandID, ErrUnexpectedCommand)
	}
	return typed, nil
}

// Data is a generic application frame. Its body is opaque to this package.
type Data struct {
	Cmd  CommandID
	Body []byte
}

func (d *Data) Command() CommandID {
	if d.Cmd == 0 {
		return CommandData
	}
	return d.Cmd
}

func (d *Data) marshal() []byte {
	return append([]byte(nil), d.Body...)
}

func (d *Data) unmarshal(b []byte) error {
	d.Body = append([]byte(nil), b...)
	return nil
}
