package endpoint

import (
	"errors"
	"sync/atomic"

	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/schema"
	"github.com/danmuck/bluesync/internal/protocol/session"
)

var ErrAlreadyAnswered = errors.New("endpoint: request already answered")

// Request is an inbound data request. It is answered on the link it
// arrived on.
type Request struct {
	ep       *Endpoint
	link     *link
	seq      uint16
	Data     []byte
	answered atomic.Bool
}

func (r *Request) SeqID() uint16 {
	return r.seq
}

// Respond sends a successful DataResponse carrying data.
func (r *Request) Respond(data []byte) error {
	return r.answer(protocol.CmdDataResponse,
		schema.DataResponse{Status: schema.BaseResponse{Code: protocol.CodeSuccess}, Data: data})
}

// Fail answers the request with an Error frame.
func (r *Request) Fail(code protocol.ErrorCode, msg string) error {
	return r.answer(protocol.CmdError, schema.BaseResponse{Code: code, Msg: msg})
}

// answer sends the reply under the request's own sequence id. A request
// that arrived without one cannot be answered.
func (r *Request) answer(cmd protocol.CommandID, p protocol.Payload) error {
	if r.seq == protocol.SeqNone {
		return session.ErrInvalidSeq
	}
	if !r.answered.CompareAndSwap(false, true) {
		return ErrAlreadyAnswered
	}
	return r.ep.send(r.link, protocol.Message{SeqID: r.seq, Command: cmd, Payload: p}, 0, nil)
}
