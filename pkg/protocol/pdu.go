// Package protocol defines the ptp wire envelope (Pdu) and the typed messages
// carried inside it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the fixed size of the Pdu header in bytes.
	HeaderLen = 16

	// Version is the envelope version written by Encode.
	Version uint16 = 1

	// MaxPayloadLen bounds a single frame body.
	MaxPayloadLen = 8 * 1024 * 1024
)

var (
	ErrShortFrame        = errors.New("protocol: frame shorter than header")
	ErrLengthMismatch    = errors.New("protocol: header length does not match frame")
	ErrPayloadTooLarge   = errors.New("protocol: payload too large")
	ErrUnexpectedCommand = errors.New("protocol: unexpected command")
	ErrWireType          = errors.New("protocol: unexpected wire type")
)

// Pdu is one framed protocol data unit.
//
// Layout (big-endian):
//
//	seq_num(4) length(4) version(2) command(2) err_code(2) flags(2) payload
type Pdu struct {
	SeqNum    uint32
	Version   uint16
	CommandID CommandID
	ErrCode   ErrCode
	Flags     uint16
	Payload   []byte
}

// Len returns the encoded length of the Pdu.
func (p *Pdu) Len() int {
	return HeaderLen + len(p.Payload)
}

// Encode encodes the Pdu into a single binary frame.
func (p *Pdu) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("failed to encode pdu seq=%d: %w", p.SeqNum, ErrPayloadTooLarge)
	}
	version := p.Version
	if version == 0 {
		version = Version
	}

	buf := make([]byte, p.Len())
	binary.BigEndian.PutUint32(buf[0:4], p.SeqNum)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(buf)))
	binary.BigEndian.PutUint16(buf[8:10], version)
	binary.BigEndian.PutUint16(buf[10:12], uint16(p.CommandID))
	binary.BigEndian.PutUint16(buf[12:14], uint16(p.ErrCode))
	binary.BigEndian.PutUint16(buf[14:16], p.Flags)
	copy(buf[HeaderLen:], p.Payload)
	return buf, nil
}

// Decode decodes a binary frame into the Pdu. The payload is copied, so data
// may be reused by the caller.
func (p *Pdu) Decode(data []byte) error {
	if len(data) < HeaderLen {
		return fmt.Errorf("failed to decode pdu (%d bytes): %w", len(data), ErrShortFrame)
	}
	length := binary.BigEndian.Uint32(data[4:8])
	if int(length) != len(data) {
		return fmt.Errorf("failed to decode pdu: header says %d, got %d: %w", length, len(data), ErrLengthMismatch)
	}
	if len(data)-HeaderLen > MaxPayloadLen {
		return fmt.Errorf("failed to decode pdu: %w", ErrPayloadTooLarge)
	}

	p.SeqNum = binary.BigEndian.Uint32(data[0:4])
	p.Version = binary.BigEndian.Uint16(data[8:10])
	p.CommandID = CommandID(binary.BigEndian.Uint16(data[10:12]))
	p.ErrCode = ErrCode(binary.BigEndian.Uint16(data[12:14]))
	p.Flags = binary.BigEndian.Uint16(data[14:16])
	p.Payload = append([]byte(nil), data[HeaderLen:]...)
	return nil
}

// DecodePdu is a convenience wrapper around Pdu.Decode.
func DecodePdu(data []byte) (*Pdu, error) {
	p := &Pdu{}
	if err := p.Decode(data); err != nil {
		return nil, err
	}
	return p, nil
}
