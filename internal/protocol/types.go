package protocol

import (
	"fmt"
	"strings"
)

// CommandID identifies the payload carried by one frame.
type CommandID uint16

const (
	CmdNone         CommandID = 0x0000
	CmdError        CommandID = 0x0001
	CmdAuthRequest  CommandID = 0x0011
	CmdAuthResponse CommandID = 0x0012
	CmdInitRequest  CommandID = 0x0013
	CmdInitResponse CommandID = 0x0014
	CmdDataRequest  CommandID = 0x0015
	CmdDataResponse CommandID = 0x0016
	CmdDataPush     CommandID = 0x0017
)

var commandNames = map[CommandID]string{
	CmdError:        "error",
	CmdAuthRequest:  "auth_request",
	CmdAuthResponse: "auth_response",
	CmdInitRequest:  "init_request",
	CmdInitResponse: "init_response",
	CmdDataRequest:  "data_request",
	CmdDataResponse: "data_response",
	CmdDataPush:     "data_push",
}

func (c CommandID) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cmd(0x%04x)", uint16(c))
}

// Known reports whether c is part of the command set.
func (c CommandID) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// IsResponse reports whether frames with this id may resolve a pending request.
func (c CommandID) IsResponse() bool {
	return c == CmdError || c == CmdDataResponse
}

// IsHandshake reports whether c belongs to the AUTH/INIT exchange.
func (c CommandID) IsHandshake() bool {
	switch c {
	case CmdAuthRequest, CmdAuthResponse, CmdInitRequest, CmdInitResponse:
		return true
	default:
		return false
	}
}

// ErrorCode is the status carried by every response payload.
type ErrorCode int32

const (
	CodeSuccess     ErrorCode = 0
	CodeDecode      ErrorCode = -1
	CodeNeedAuth    ErrorCode = -2
	CodeAuthFail    ErrorCode = -3
	CodeUnsupported ErrorCode = -4
	CodeInternal    ErrorCode = -5
)

func (c ErrorCode) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeDecode:
		return "decode"
	case CodeNeedAuth:
		return "need_auth"
	case CodeAuthFail:
		return "auth_fail"
	case CodeUnsupported:
		return "unsupported"
	case CodeInternal:
		return "internal"
	default:
		return fmt.Sprintf("code(%d)", int32(c))
	}
}

// PlatformType names the operating system family of a peer.
type PlatformType int32

const (
	PlatformUnknown PlatformType = 0
	PlatformAndroid PlatformType = 1
	PlatformIOS     PlatformType = 2
	PlatformLinux   PlatformType = 3
	PlatformOther   PlatformType = 4
)

func (p PlatformType) String() string {
	switch p {
	case PlatformAndroid:
		return "android"
	case PlatformIOS:
		return "ios"
	case PlatformLinux:
		return "linux"
	case PlatformOther:
		return "other"
	default:
		return "unknown"
	}
}

func ParsePlatform(raw string) (PlatformType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "unknown":
		return PlatformUnknown, nil
	case "android":
		return PlatformAndroid, nil
	case "ios":
		return PlatformIOS, nil
	case "linux":
		return PlatformLinux, nil
	case "other":
		return PlatformOther, nil
	default:
		return PlatformUnknown, fmt.Errorf("protocol: unknown platform %q", raw)
	}
}

// Identity is the device metadata one side presents during the handshake.
type Identity struct {
	Model    string
	SerialNo string
	MAC      []byte
	Platform PlatformType
	OS       string
	Version  string
}

// PeerInfo is what a side learned about its peer once READY.
type PeerInfo struct {
	Identity  Identity
	Encrypted bool
	Ticket    string
}
