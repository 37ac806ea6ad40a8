package schema

import (
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	baseResponseTypes = map[protowire.Number]protowire.Type{
		FieldErrCode: protowire.VarintType,
		FieldErrMsg:  protowire.BytesType,
	}
	authRequestTypes = map[protowire.Number]protowire.Type{
		FieldModel:      protowire.BytesType,
		FieldSerialNo:   protowire.BytesType,
		FieldMACAddress: protowire.BytesType,
		FieldIsEncrypt:  protowire.VarintType,
		FieldAESSign:    protowire.BytesType,
	}
	authResponseTypes = map[protowire.Number]protowire.Type{
		FieldBaseResponse: protowire.BytesType,
		FieldSessionKey:   protowire.BytesType,
	}
	initTypes = map[protowire.Number]protowire.Type{
		FieldBaseResponse: protowire.BytesType,
		FieldModel:        protowire.BytesType,
		FieldPlatform:     protowire.VarintType,
		FieldOS:           protowire.BytesType,
		FieldVersion:      protowire.BytesType,
	}
	dataTypes = map[protowire.Number]protowire.Type{
		FieldBaseResponse: protowire.BytesType,
		FieldData:         protowire.BytesType,
	}
)

// Unmarshal decodes the payload of a frame carrying cmd.
func Unmarshal(cmd protocol.CommandID, b []byte) (protocol.Payload, error) {
	fields, err := wire.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	if err := Validate(cmd, fields); err != nil {
		return nil, err
	}
	switch cmd {
	case protocol.CmdError:
		return decodeBaseResponse(cmd, fields)
	case protocol.CmdAuthRequest:
		if err := checkTypes(cmd, fields, authRequestTypes); err != nil {
			return nil, err
		}
		return AuthRequest{
			Model:    stringField(fields, FieldModel),
			SerialNo: stringField(fields, FieldSerialNo),
			MAC:      bytesField(fields, FieldMACAddress),
			Encrypt:  boolField(fields, FieldIsEncrypt),
			Sign:     bytesField(fields, FieldAESSign),
		}, nil
	case protocol.CmdAuthResponse:
		if err := checkTypes(cmd, fields, authResponseTypes); err != nil {
			return nil, err
		}
		status, err := embeddedStatus(cmd, fields)
		if err != nil {
			return nil, err
		}
		return AuthResponse{Status: status, SessionKey: bytesField(fields, FieldSessionKey)}, nil
	case protocol.CmdInitRequest:
		if err := checkTypes(cmd, fields, initTypes); err != nil {
			return nil, err
		}
		return InitRequest{
			Model:    stringField(fields, FieldModel),
			Platform: protocol.PlatformType(int32Field(fields, FieldPlatform)),
			OS:       stringField(fields, FieldOS),
			Version:  stringField(fields, FieldVersion),
		}, nil
	case protocol.CmdInitResponse:
		if err := checkTypes(cmd, fields, initTypes); err != nil {
			return nil, err
		}
		status, err := embeddedStatus(cmd, fields)
		if err != nil {
			return nil, err
		}
		return InitResponse{
			Status:   status,
			Model:    stringField(fields, FieldModel),
			Platform: protocol.PlatformType(int32Field(fields, FieldPlatform)),
			OS:       stringField(fields, FieldOS),
			Version:  stringField(fields, FieldVersion),
		}, nil
	case protocol.CmdDataRequest:
		if err := checkTypes(cmd, fields, dataTypes); err != nil {
			return nil, err
		}
		return DataRequest{Data: bytesField(fields, FieldData)}, nil
	case protocol.CmdDataResponse:
		if err := checkTypes(cmd, fields, dataTypes); err != nil {
			return nil, err
		}
		status, err := embeddedStatus(cmd, fields)
		if err != nil {
			return nil, err
		}
		return DataResponse{Status: status, Data: bytesField(fields, FieldData)}, nil
	case protocol.CmdDataPush:
		if err := checkTypes(cmd, fields, dataTypes); err != nil {
			return nil, err
		}
		return DataPush{Data: bytesField(fields, FieldData)}, nil
	}
	return nil, ValidationError{Command: cmd, Reason: "unknown command"}
}

func embeddedStatus(cmd protocol.CommandID, fields []wire.Field) (BaseResponse, error) {
	f, _ := wire.GetField(fields, FieldBaseResponse)
	inner, err := wire.DecodeFields(f.Value)
	if err != nil {
		return BaseResponse{}, ValidationError{Command: cmd, Field: FieldBaseResponse, Reason: err.Error()}
	}
	return decodeBaseResponse(cmd, inner)
}

func decodeBaseResponse(cmd protocol.CommandID, fields []wire.Field) (BaseResponse, error) {
	if err := checkTypes(cmd, fields, baseResponseTypes); err != nil {
		return BaseResponse{}, err
	}
	return BaseResponse{
		Code: protocol.ErrorCode(int32Field(fields, FieldErrCode)),
		Msg:  stringField(fields, FieldErrMsg),
	}, nil
}

func stringField(fields []wire.Field, num protowire.Number) string {
	f, _ := wire.GetField(fields, num)
	return f.String()
}

func bytesField(fields []wire.Field, num protowire.Number) []byte {
	f, ok := wire.GetField(fields, num)
	if !ok || len(f.Value) == 0 {
		return nil
	}
	return f.Bytes()
}

func boolField(fields []wire.Field, num protowire.Number) bool {
	f, _ := wire.GetField(fields, num)
	return f.Bool()
}

func int32Field(fields []wire.Field, num protowire.Number) int32 {
	f, _ := wire.GetField(fields, num)
	return f.Int32()
}
