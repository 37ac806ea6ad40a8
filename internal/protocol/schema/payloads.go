package schema

import (
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/wire"
)

// BaseResponse is the status block of every response and the body of an
// Error frame.
type BaseResponse struct {
	Code protocol.ErrorCode
	Msg  string
}

func (p BaseResponse) Marshal() []byte {
	var b []byte
	b = wire.AppendInt32(b, FieldErrCode, int32(p.Code))
	b = wire.AppendString(b, FieldErrMsg, p.Msg)
	return b
}

func (p BaseResponse) OK() bool {
	return p.Code == protocol.CodeSuccess
}

type AuthRequest struct {
	Model    string
	SerialNo string
	MAC      []byte
	Encrypt  bool
	Sign     []byte
}

func (p AuthRequest) Marshal() []byte {
	var b []byte
	b = wire.AppendString(b, FieldModel, p.Model)
	b = wire.AppendRequired(b, FieldSerialNo, []byte(p.SerialNo))
	b = wire.AppendBytes(b, FieldMACAddress, p.MAC)
	b = wire.AppendBool(b, FieldIsEncrypt, p.Encrypt)
	b = wire.AppendRequired(b, FieldAESSign, p.Sign)
	return b
}

type AuthResponse struct {
	Status     BaseResponse
	SessionKey []byte
}

func (p AuthResponse) Marshal() []byte {
	var b []byte
	b = wire.AppendMessage(b, FieldBaseResponse, p.Status.Marshal())
	b = wire.AppendBytes(b, FieldSessionKey, p.SessionKey)
	return b
}

type InitRequest struct {
	Model    string
	Platform protocol.PlatformType
	OS       string
	Version  string
}

func (p InitRequest) Marshal() []byte {
	var b []byte
	b = wire.AppendString(b, FieldModel, p.Model)
	b = wire.AppendInt32(b, FieldPlatform, int32(p.Platform))
	b = wire.AppendString(b, FieldOS, p.OS)
	b = wire.AppendString(b, FieldVersion, p.Version)
	return b
}

type InitResponse struct {
	Status   BaseResponse
	Model    string
	Platform protocol.PlatformType
	OS       string
	Version  string
}

func (p InitResponse) Marshal() []byte {
	var b []byte
	b = wire.AppendMessage(b, FieldBaseResponse, p.Status.Marshal())
	b = wire.AppendString(b, FieldModel, p.Model)
	b = wire.AppendInt32(b, FieldPlatform, int32(p.Platform))
	b = wire.AppendString(b, FieldOS, p.OS)
	b = wire.AppendString(b, FieldVersion, p.Version)
	return b
}

type DataRequest struct {
	Data []byte
}

func (p DataRequest) Marshal() []byte {
	return wire.AppendBytes(nil, FieldData, p.Data)
}

type DataResponse struct {
	Status BaseResponse
	Data   []byte
}

func (p DataResponse) Marshal() []byte {
	var b []byte
	b = wire.AppendMessage(b, FieldBaseResponse, p.Status.Marshal())
	b = wire.AppendBytes(b, FieldData, p.Data)
	return b
}

type DataPush struct {
	Data []byte
}

func (p DataPush) Marshal() []byte {
	return wire.AppendBytes(nil, FieldData, p.Data)
}

// CommandFor returns the command id a payload travels under.
func CommandFor(p protocol.Payload) (protocol.CommandID, bool) {
	switch p.(type) {
	case BaseResponse:
		return protocol.CmdError, true
	case AuthRequest:
		return protocol.CmdAuthRequest, true
	case AuthResponse:
		return protocol.CmdAuthResponse, true
	case InitRequest:
		return protocol.CmdInitRequest, true
	case InitResponse:
		return protocol.CmdInitResponse, true
	case DataRequest:
		return protocol.CmdDataRequest, true
	case DataResponse:
		return protocol.CmdDataResponse, true
	case DataPush:
		return protocol.CmdDataPush, true
	default:
		return protocol.CmdNone, false
	}
}
