package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies protocol failures by origin and recovery policy.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindDecode
	KindProtocolViolation
	KindAuthentication
	KindTimeout
	KindNotConnected
	KindEncoding
	KindDisconnected
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindAuthentication:
		return "authentication"
	case KindTimeout:
		return "timeout"
	case KindNotConnected:
		return "not_connected"
	case KindEncoding:
		return "encoding"
	case KindDisconnected:
		return "disconnected"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Error is the one error type raised by the engine for expected failures.
// SeqID is the sequence id of the offending or affected frame, 0 when unknown.
type Error struct {
	Kind  Kind
	SeqID uint16
	Code  ErrorCode
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	s := "protocol: " + e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.SeqID != 0 {
		s += fmt.Sprintf(" seq=%d", e.SeqID)
	}
	if e.Kind == KindRemote {
		s += fmt.Sprintf(" code=%d", int32(e.Code))
	}
	if e.Inner != nil {
		s += ": " + e.Inner.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error of the same kind. A target with a message also
// requires an equal message, which lets the sentinels below match errors
// that carry a sequence id.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Msg == "" || t.Msg == e.Msg
}

// WireCode is the status reported to the peer for e.
func (e *Error) WireCode() ErrorCode {
	if e.Code != CodeSuccess {
		return e.Code
	}
	switch e.Kind {
	case KindDecode:
		return CodeDecode
	case KindProtocolViolation:
		return CodeNeedAuth
	case KindAuthentication:
		return CodeAuthFail
	default:
		return CodeInternal
	}
}

var (
	ErrNotConnected     = &Error{Kind: KindNotConnected, Msg: "not connected"}
	ErrDisconnected     = &Error{Kind: KindDisconnected, Msg: "disconnected"}
	ErrResponseTimeout  = &Error{Kind: KindTimeout, Msg: "response timeout"}
	ErrHandshakeTimeout = &Error{Kind: KindTimeout, Msg: "handshake timeout"}
	ErrWriteTimeout     = &Error{Kind: KindTimeout, Msg: "write timeout"}
	ErrReadTimeout      = &Error{Kind: KindTimeout, Msg: "read timeout"}
)

func NewError(kind Kind, seq uint16, format string, args ...any) *Error {
	return &Error{Kind: kind, SeqID: seq, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and seq to inner. An inner *Error keeps its own kind.
func Wrap(kind Kind, seq uint16, inner error) *Error {
	var pe *Error
	if errors.As(inner, &pe) {
		if pe.SeqID == 0 && seq != 0 {
			cp := *pe
			cp.SeqID = seq
			return &cp
		}
		return pe
	}
	return &Error{Kind: kind, SeqID: seq, Inner: inner}
}

// WithSeq returns a copy of sentinel bound to seq.
func WithSeq(sentinel *Error, seq uint16) *Error {
	cp := *sentinel
	cp.SeqID = seq
	return &cp
}

func IsKind(err error, kind Kind) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == kind
}

// KindOf returns the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if !errors.As(err, &pe) {
		return KindUnknown
	}
	return pe.Kind
}

// RemoteError is the error delivered for an Error frame answering a request.
func RemoteError(seq uint16, code ErrorCode, msg string) *Error {
	return &Error{Kind: KindRemote, SeqID: seq, Code: code, Msg: msg}
}
