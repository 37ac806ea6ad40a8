package schema

import (
	"fmt"

	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/wire"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers shared by the payload messages.
const (
	FieldBaseResponse protowire.Number = 1

	FieldErrCode protowire.Number = 1
	FieldErrMsg  protowire.Number = 2

	FieldModel      protowire.Number = 2
	FieldSerialNo   protowire.Number = 3
	FieldMACAddress protowire.Number = 4
	FieldIsEncrypt  protowire.Number = 5
	FieldAESSign    protowire.Number = 6

	FieldSessionKey protowire.Number = 2

	FieldPlatform protowire.Number = 3
	FieldOS       protowire.Number = 4
	FieldVersion  protowire.Number = 5

	FieldData protowire.Number = 2
)

type Requirement struct {
	Num  protowire.Number
	Type protowire.Type
}

type ValidationError struct {
	Command protocol.CommandID
	Field   protowire.Number
	Reason  string
}

func (e ValidationError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("schema: cmd=%s: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("schema: cmd=%s field=%d: %s", e.Command, e.Field, e.Reason)
}

var requirements = map[protocol.CommandID][]Requirement{
	protocol.CmdError: {},
	protocol.CmdAuthRequest: {
		{FieldSerialNo, protowire.BytesType},
		{FieldAESSign, protowire.BytesType},
	},
	protocol.CmdAuthResponse: {
		{FieldBaseResponse, protowire.BytesType},
	},
	protocol.CmdInitRequest: {},
	protocol.CmdInitResponse: {
		{FieldBaseResponse, protowire.BytesType},
	},
	protocol.CmdDataRequest: {},
	protocol.CmdDataResponse: {
		{FieldBaseResponse, protowire.BytesType},
	},
	protocol.CmdDataPush: {},
}

// Validate enforces required fields and their wire types for a command.
// Unknown fields are ignored so newer peers can extend payloads.
func Validate(cmd protocol.CommandID, fields []wire.Field) error {
	log.Debug().Msgf("schema.Validate cmd=%s fields=%d", cmd, len(fields))
	reqs, ok := requirements[cmd]
	if !ok {
		log.Error().Msgf("schema.Validate unknown cmd=%s", cmd)
		return ValidationError{Command: cmd, Reason: "unknown command"}
	}
	for _, req := range reqs {
		f, found := wire.GetField(fields, req.Num)
		if !found {
			log.Error().Msgf("schema.Validate missing field cmd=%s field=%d", cmd, req.Num)
			return ValidationError{Command: cmd, Field: req.Num, Reason: "missing required field"}
		}
		if err := wire.MustType(f, req.Type); err != nil {
			log.Error().Err(err).Msgf("schema.Validate type mismatch cmd=%s", cmd)
			return ValidationError{Command: cmd, Field: req.Num, Reason: "type mismatch"}
		}
	}
	return nil
}

// checkTypes rejects known optional fields that arrive with the wrong wire type.
func checkTypes(cmd protocol.CommandID, fields []wire.Field, want map[protowire.Number]protowire.Type) error {
	for _, f := range fields {
		typ, known := want[f.Num]
		if !known {
			continue
		}
		if err := wire.MustType(f, typ); err != nil {
			return ValidationError{Command: cmd, Field: f.Num, Reason: "type mismatch"}
		}
	}
	return nil
}
