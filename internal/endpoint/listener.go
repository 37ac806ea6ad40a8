package endpoint

import "github.com/danmuck/bluesync/internal/protocol"

// Listener receives endpoint events. Request, push and message callbacks
// run on the link worker and must not block.
type Listener interface {
	OnStateChange(from, to State)
	// OnRequest receives an inbound data request. Answer it with
	// Request.Respond or Request.Fail.
	OnRequest(req *Request)
	OnPush(msg protocol.Message, data []byte)
	// OnMessage receives every other message no pending request claimed,
	// including late responses.
	OnMessage(msg protocol.Message)
}

// ListenerID identifies a registered listener.
type ListenerID uint64

// ListenerFuncs adapts optional functions into a Listener.
type ListenerFuncs struct {
	StateChange func(from, to State)
	Request     func(req *Request)
	Push        func(msg protocol.Message, data []byte)
	Message     func(msg protocol.Message)
}

func (f ListenerFuncs) OnStateChange(from, to State) {
	if f.StateChange != nil {
		f.StateChange(from, to)
	}
}

func (f ListenerFuncs) OnRequest(req *Request) {
	if f.Request != nil {
		f.Request(req)
	}
}

func (f ListenerFuncs) OnPush(msg protocol.Message, data []byte) {
	if f.Push != nil {
		f.Push(msg, data)
	}
}

func (f ListenerFuncs) OnMessage(msg protocol.Message) {
	if f.Message != nil {
		f.Message(msg)
	}
}
