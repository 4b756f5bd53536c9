package protocol

import "fmt"

// ErrCode is the status carried by responses.
type ErrCode uint16

const (
	NoError ErrCode = iota
	ErrSystem
	ErrAuthFailed
	ErrSessionInvalid
	ErrBadRequest
)

// String returns the string representation of ErrCode
func (c ErrCode) String() string {
	switch c {
	case NoError:
		return "NO_ERROR"
	case ErrSystem:
		return "ERR_SYSTEM"
	case ErrAuthFailed:
		return "ERR_AUTH_FAILED"
	case ErrSessionInvalid:
		return "ERR_SESSION_INVALID"
	case ErrBadRequest:
		return "ERR_BAD_REQUEST"
	default:
		return fmt.Sprintf("ERR_UNKNOWN(%d)", uint16(c))
	}
}

// CommandID identifies the message kind inside a Pdu.
type CommandID uint16

const (
	CommandAuthStep1Req CommandID = 1001
	CommandAuthStep1Res CommandID = 1002
	CommandAuthStep2Req CommandID = 1003
	CommandAuthStep2Res CommandID = 1004
	CommandAuthLoginReq CommandID = 1005
	CommandAuthLoginRes CommandID = 1006
	CommandData         CommandID = 2000
)

// String returns the string representation of CommandID
func (c CommandID) String() string {
	switch c {
	case CommandAuthStep1Req:
		return "AuthStep1Req"
	case CommandAuthStep1Res:
		return "AuthStep1Res"
	case CommandAuthStep2Req:
		return "AuthStep2Req"
	case CommandAuthStep2Res:
		return "AuthStep2Res"
	case CommandAuthLoginReq:
		return "AuthLoginReq"
	case CommandAuthLoginRes:
		return "AuthLoginRes"
	case CommandData:
		return "Data"
	default:
		return fmt.Sprintf("Command(%d)", uint16(c))
	}
}
