package handler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/danmuck/bluesync/internal/auth"
	"github.com/danmuck/bluesync/internal/channel"
	"github.com/danmuck/bluesync/internal/observability"
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/frame"
	"github.com/danmuck/bluesync/internal/protocol/schema"
	"github.com/danmuck/bluesync/internal/protocol/session"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// State is the handshake step of one link.
type State int32

const (
	StateAuth State = iota
	StateInit
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAuth:
		return "auth"
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Observer receives handshake progress. Calls run on the channel worker.
type Observer interface {
	HandshakeStarted(role session.Role)
	HandshakeSucceeded(peer protocol.PeerInfo)
	HandshakeFailed(err error)
}

type CoderConfig struct {
	Role         session.Role
	Session      session.Config
	PresharedKey []byte
	// Identity is what this side presents during AUTH and INIT.
	Identity protocol.Identity
	// Verifier checks AUTH challenges on the responder. Defaults to the
	// preshared key with no expected serial.
	Verifier auth.Verifier
	Rand     io.Reader
	Sequence *protocol.Sequence
	Observer Observer
}

// MessageCoder is the handshake state machine and payload codec of a link.
// State and the cipher flag may be read from any goroutine; everything else
// belongs to the channel worker.
type MessageCoder struct {
	cfg  CoderConfig
	role session.Role

	state    atomic.Int32
	cipherOn atomic.Bool

	sessionKey     []byte
	handshakeTimer *channel.Timer
	authTimer      *channel.Timer
	pendingSeq     uint16
	peer           protocol.PeerInfo
	openedAt       time.Time
	span           trace.Span
	finished       bool
	// aborting is set once the link is condemned; events are dropped until
	// the closed event.
	aborting bool
}

func NewMessageCoder(cfg CoderConfig) (*MessageCoder, error) {
	cfg.Role = session.NormalizeRole(cfg.Role)
	if err := cfg.Session.ValidateRole(cfg.Role, cfg.PresharedKey); err != nil {
		return nil, err
	}
	if err := session.ValidateIdentity(cfg.Role, cfg.Identity.SerialNo); err != nil {
		return nil, err
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Sequence == nil {
		cfg.Sequence = protocol.NewSequence()
	}
	if cfg.Verifier == nil {
		cfg.Verifier = auth.PresharedKey{Key: cfg.PresharedKey}
	}
	return &MessageCoder{cfg: cfg, role: cfg.Role}, nil
}

func (c *MessageCoder) Capabilities() channel.Capability {
	return channel.CapAll
}

func (c *MessageCoder) State() State {
	return State(c.state.Load())
}

func (c *MessageCoder) Ready() bool {
	return c.State() == StateReady
}

// Encrypted reports whether payloads are currently session-encrypted.
func (c *MessageCoder) Encrypted() bool {
	return c.cipherOn.Load()
}

func (c *MessageCoder) setState(s State) {
	c.state.Store(int32(s))
}

// CheckEncodable reports, without sending, whether m may be written now.
// It fails with NotConnected outside READY and with an encoding error when
// the frame would exceed the maximum size.
func (c *MessageCoder) CheckEncodable(m protocol.Message) error {
	if !c.Ready() {
		return protocol.WithSeq(protocol.ErrNotConnected, m.SeqID)
	}
	n := len(m.Body())
	if c.cipherOn.Load() {
		n = auth.EncryptedLen(n)
	}
	if limit := c.cfg.Session.MaxFrameSize; frame.HeaderLen+n > limit {
		return protocol.Wrap(protocol.KindEncoding, m.SeqID,
			fmt.Errorf("%w: total=%d max=%d", frame.ErrFrameTooLarge, frame.HeaderLen+n, limit))
	}
	return nil
}

// Encode builds the frame for m, encrypting the payload when a session key
// is active.
func (c *MessageCoder) Encode(m protocol.Message) ([]byte, error) {
	body := m.Body()
	if c.cipherOn.Load() {
		enc, err := auth.Encrypt(c.sessionKey, body)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindEncoding, m.SeqID, err)
		}
		body = enc
	}
	b, err := frame.Encode(uint16(m.Command), m.SeqID, body, c.cfg.Session.MaxFrameSize)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindEncoding, m.SeqID, err)
	}
	return b, nil
}

// Decode parses one whole frame into a message.
func (c *MessageCoder) Decode(b []byte) (protocol.Message, error) {
	f, err := frame.Decode(b, c.cfg.Session.MaxFrameSize)
	if err != nil {
		var seq uint16
		var de *frame.DecodeError
		if errors.As(err, &de) {
			seq = de.SeqID
		}
		return protocol.Message{}, protocol.Wrap(protocol.KindDecode, seq, err)
	}
	seq := f.Header.SeqID
	cmd := protocol.CommandID(f.Header.Command)
	if !cmd.Known() {
		return protocol.Message{}, protocol.NewError(protocol.KindDecode, seq, "unknown command %s", cmd)
	}
	body := f.Payload
	if c.cipherOn.Load() && len(body) > 0 {
		body, err = auth.Decrypt(c.sessionKey, body)
		if err != nil {
			return protocol.Message{}, protocol.Wrap(protocol.KindDecode, seq, err)
		}
	}
	p, err := schema.Unmarshal(cmd, body)
	if err != nil {
		return protocol.Message{}, protocol.Wrap(protocol.KindDecode, seq, err)
	}
	return protocol.Message{SeqID: seq, Command: cmd, Payload: p}, nil
}

func (c *MessageCoder) Opened(ctx *channel.Context) error {
	c.resetCrypto()
	c.setState(StateAuth)
	c.finished = false
	c.aborting = false
	c.openedAt = time.Now()
	_, c.span = observability.StartSpan(context.Background(), "bluesync.handshake", ctx.Channel().ID(), string(c.role))
	c.handshakeTimer = ctx.Channel().AfterFunc(c.cfg.Session.HandshakeTimeout, func() {
		c.handshakeTimer = nil
		if c.aborting {
			return
		}
		ctx.Logger().Warn().Str("state", c.State().String()).Msg("handler.MessageCoder handshake timeout")
		c.abort(ctx, protocol.ErrHandshakeTimeout)
	})
	if c.role == session.RoleInitiator {
		c.scheduleAuth(ctx)
	}
	if c.cfg.Observer != nil {
		c.cfg.Observer.HandshakeStarted(c.role)
	}
	ctx.FireOpened()
	return nil
}

func (c *MessageCoder) Closed(ctx *channel.Context, reason error) error {
	c.handshakeTimer.Stop()
	c.handshakeTimer = nil
	c.authTimer.Stop()
	c.authTimer = nil
	if !c.finished && !c.openedAt.IsZero() {
		c.finish(reason)
	}
	c.resetCrypto()
	c.setState(StateAuth)
	c.aborting = false
	ctx.FireClosed(reason)
	return nil
}

func (c *MessageCoder) Inbound(ctx *channel.Context, msg any) error {
	b, ok := msg.([]byte)
	if !ok {
		ctx.FireInbound(msg)
		return nil
	}
	if c.aborting {
		ctx.Logger().Debug().Int("len", len(b)).Msg("handler.MessageCoder dropped frame on aborting link")
		return nil
	}
	m, err := c.Decode(b)
	if err == nil {
		err = c.dispatch(ctx, m)
	}
	if err != nil {
		c.fail(ctx, err)
	}
	return nil
}

func (c *MessageCoder) Outbound(ctx *channel.Context, msg any) error {
	m, ok := msg.(protocol.Message)
	if !ok {
		ctx.FireOutbound(msg)
		return nil
	}
	if !c.Ready() || c.aborting {
		return protocol.WithSeq(protocol.ErrNotConnected, m.SeqID)
	}
	b, err := c.Encode(m)
	if err != nil {
		return err
	}
	ctx.FireOutbound(b)
	return nil
}

// Error applies the handshake failure policy to decode errors raised by
// earlier stages and forwards everything else.
func (c *MessageCoder) Error(ctx *channel.Context, err error) error {
	if c.aborting {
		ctx.Logger().Debug().Err(err).Msg("handler.MessageCoder dropped error on aborting link")
		return nil
	}
	switch protocol.KindOf(err) {
	case protocol.KindDecode, protocol.KindProtocolViolation, protocol.KindAuthentication:
		c.fail(ctx, err)
	default:
		ctx.FireError(err)
	}
	return nil
}

func (c *MessageCoder) dispatch(ctx *channel.Context, m protocol.Message) error {
	ctx.Logger().Debug().Str("state", c.State().String()).Msgf("handler.MessageCoder read %s", m)
	switch c.State() {
	case StateReady:
		if m.Command.IsHandshake() {
			return protocol.NewError(protocol.KindProtocolViolation, m.SeqID, "unexpected %s after handshake", m.Command)
		}
		ctx.FireInbound(m)
		return nil
	case StateAuth:
		if c.role == session.RoleResponder {
			return c.handleAuthRequest(ctx, m)
		}
		return c.handleAuthResponse(ctx, m)
	default:
		if c.role == session.RoleResponder {
			return c.handleInitRequest(ctx, m)
		}
		return c.handleInitResponse(ctx, m)
	}
}

// remoteFailure turns a peer Error frame into a remote error.
func remoteFailure(m protocol.Message) error {
	base, _ := m.Payload.(schema.BaseResponse)
	return protocol.RemoteError(m.SeqID, base.Code, base.Msg)
}

func (c *MessageCoder) handleAuthRequest(ctx *channel.Context, m protocol.Message) error {
	if m.Command == protocol.CmdError {
		return remoteFailure(m)
	}
	if m.Command != protocol.CmdAuthRequest {
		return protocol.NewError(protocol.KindProtocolViolation, m.SeqID, "first command must be %s, got %s", protocol.CmdAuthRequest, m.Command)
	}
	req := m.Payload.(schema.AuthRequest)
	if c.cfg.Session.RequireEncryption && !req.Encrypt {
		return protocol.NewError(protocol.KindAuthentication, m.SeqID, "encryption required")
	}
	serial, err := c.cfg.Verifier.Verify(req.SerialNo, req.Sign)
	if err != nil {
		return protocol.Wrap(protocol.KindAuthentication, m.SeqID, err)
	}

	resp := schema.AuthResponse{Status: schema.BaseResponse{Code: protocol.CodeSuccess}}
	var key []byte
	if req.Encrypt {
		if key, err = auth.GenerateSessionKey(c.cfg.Rand); err != nil {
			return protocol.Wrap(protocol.KindAuthentication, m.SeqID, err)
		}
		if resp.SessionKey, err = auth.WrapSessionKey(c.cfg.PresharedKey, key); err != nil {
			return protocol.Wrap(protocol.KindAuthentication, m.SeqID, err)
		}
	}
	// AuthResponse leaves in plaintext; the session key applies from the next frame.
	if err := c.write(ctx, protocol.Message{SeqID: m.SeqID, Command: protocol.CmdAuthResponse, Payload: resp}); err != nil {
		return err
	}
	c.peer = protocol.PeerInfo{
		Identity:  protocol.Identity{Model: req.Model, SerialNo: serial, MAC: req.MAC},
		Encrypted: key != nil,
	}
	c.enableCrypto(key)
	c.setState(StateInit)
	ctx.Logger().Info().Str("serial", serial).Bool("encrypt", key != nil).Msg("handler.MessageCoder auth accepted")
	return nil
}

func (c *MessageCoder) handleAuthResponse(ctx *channel.Context, m protocol.Message) error {
	if m.Command == protocol.CmdError {
		return remoteFailure(m)
	}
	if m.Command != protocol.CmdAuthResponse {
		return protocol.NewError(protocol.KindProtocolViolation, m.SeqID, "expected %s, got %s", protocol.CmdAuthResponse, m.Command)
	}
	if c.pendingSeq == protocol.SeqNone || m.SeqID != c.pendingSeq {
		return protocol.NewError(protocol.KindProtocolViolation, m.SeqID, "unsolicited %s", m.Command)
	}
	resp := m.Payload.(schema.AuthResponse)
	if !resp.Status.OK() {
		return protocol.RemoteError(m.SeqID, resp.Status.Code, resp.Status.Msg)
	}
	var key []byte
	if c.cfg.Session.Encrypt {
		var err error
		if key, err = auth.UnwrapSessionKey(c.cfg.PresharedKey, resp.SessionKey); err != nil {
			return protocol.Wrap(protocol.KindAuthentication, m.SeqID, err)
		}
	}
	c.enableCrypto(key)
	c.setState(StateInit)
	c.peer = protocol.PeerInfo{Encrypted: key != nil}
	ctx.Logger().Info().Bool("encrypt", key != nil).Msg("handler.MessageCoder auth complete")
	return c.sendInit(ctx)
}

func (c *MessageCoder) handleInitRequest(ctx *channel.Context, m protocol.Message) error {
	if m.Command == protocol.CmdError {
		return remoteFailure(m)
	}
	if m.Command != protocol.CmdInitRequest {
		return protocol.NewError(protocol.KindProtocolViolation, m.SeqID, "expected %s, got %s", protocol.CmdInitRequest, m.Command)
	}
	req := m.Payload.(schema.InitRequest)
	id := c.cfg.Identity
	resp := schema.InitResponse{
		Status:   schema.BaseResponse{Code: protocol.CodeSuccess},
		Model:    id.Model,
		Platform: id.Platform,
		OS:       id.OS,
		Version:  id.Version,
	}
	if err := c.write(ctx, protocol.Message{SeqID: m.SeqID, Command: protocol.CmdInitResponse, Payload: resp}); err != nil {
		return err
	}
	if req.Model != "" {
		c.peer.Identity.Model = req.Model
	}
	c.peer.Identity.Platform = req.Platform
	c.peer.Identity.OS = req.OS
	c.peer.Identity.Version = req.Version
	c.ready(ctx)
	return nil
}

func (c *MessageCoder) handleInitResponse(ctx *channel.Context, m protocol.Message) error {
	if m.Command == protocol.CmdError {
		return remoteFailure(m)
	}
	if m.Command != protocol.CmdInitResponse {
		return protocol.NewError(protocol.KindProtocolViolation, m.SeqID, "expected %s, got %s", protocol.CmdInitResponse, m.Command)
	}
	if m.SeqID != c.pendingSeq {
		return protocol.NewError(protocol.KindProtocolViolation, m.SeqID, "unsolicited %s", m.Command)
	}
	resp := m.Payload.(schema.InitResponse)
	if !resp.Status.OK() {
		return protocol.RemoteError(m.SeqID, resp.Status.Code, resp.Status.Msg)
	}
	c.peer.Identity = protocol.Identity{
		Model:    resp.Model,
		Platform: resp.Platform,
		OS:       resp.OS,
		Version:  resp.Version,
	}
	c.ready(ctx)
	return nil
}

func (c *MessageCoder) scheduleAuth(ctx *channel.Context) {
	c.authTimer.Stop()
	c.authTimer = ctx.Channel().AfterFunc(c.cfg.Session.AuthDelay, func() {
		c.authTimer = nil
		if c.aborting {
			return
		}
		if err := c.sendAuth(ctx); err != nil {
			c.abort(ctx, err)
		}
	})
}

func (c *MessageCoder) sendAuth(ctx *channel.Context) error {
	id := c.cfg.Identity
	sign, err := auth.Sign(c.cfg.PresharedKey, id.SerialNo, c.cfg.Rand)
	if err != nil {
		return protocol.Wrap(protocol.KindAuthentication, 0, err)
	}
	c.pendingSeq = c.cfg.Sequence.Next()
	req := schema.AuthRequest{
		Model:    id.Model,
		SerialNo: id.SerialNo,
		MAC:      id.MAC,
		Encrypt:  c.cfg.Session.Encrypt,
		Sign:     sign,
	}
	ctx.Logger().Debug().Uint16("seq", c.pendingSeq).Msg("handler.MessageCoder send auth")
	return c.write(ctx, protocol.Message{SeqID: c.pendingSeq, Command: protocol.CmdAuthRequest, Payload: req})
}

func (c *MessageCoder) sendInit(ctx *channel.Context) error {
	id := c.cfg.Identity
	c.pendingSeq = c.cfg.Sequence.Next()
	req := schema.InitRequest{
		Model:    id.Model,
		Platform: id.Platform,
		OS:       id.OS,
		Version:  id.Version,
	}
	return c.write(ctx, protocol.Message{SeqID: c.pendingSeq, Command: protocol.CmdInitRequest, Payload: req})
}

// write encodes m and hands the frame to the stages below this one.
func (c *MessageCoder) write(ctx *channel.Context, m protocol.Message) error {
	b, err := c.Encode(m)
	if err != nil {
		return err
	}
	ctx.FireOutbound(b)
	return nil
}

func (c *MessageCoder) ready(ctx *channel.Context) {
	c.handshakeTimer.Stop()
	c.handshakeTimer = nil
	c.pendingSeq = protocol.SeqNone
	if c.role == session.RoleResponder {
		c.peer.Ticket = uuid.NewString()
	}
	c.setState(StateReady)
	c.finish(nil)
	ctx.Logger().Info().
		Str("peer_serial", c.peer.Identity.SerialNo).
		Str("peer_model", c.peer.Identity.Model).
		Bool("encrypt", c.peer.Encrypted).
		Msg("handler.MessageCoder ready")
	if c.cfg.Observer != nil {
		c.cfg.Observer.HandshakeSucceeded(c.peer)
	}
}

// fail applies the failure policy of the current state to err.
func (c *MessageCoder) fail(ctx *channel.Context, err error) {
	pe := protocol.Wrap(protocol.KindUnknown, 0, err)
	state := c.State()
	ctx.Logger().Warn().Err(pe).Str("state", state.String()).Msg("handler.MessageCoder failure")
	switch state {
	case StateReady:
		if pe.Kind == protocol.KindDecode || pe.Kind == protocol.KindProtocolViolation {
			c.sendError(ctx, pe)
		}
		ctx.FireError(pe)
	case StateInit:
		switch pe.Kind {
		case protocol.KindProtocolViolation:
			c.sendError(ctx, pe)
			c.resetToAuth(ctx)
		case protocol.KindRemote:
			c.resetToAuth(ctx)
		default:
			c.sendError(ctx, pe)
			c.abort(ctx, pe)
		}
	default:
		if pe.Kind != protocol.KindRemote {
			c.sendError(ctx, pe)
		}
		c.abort(ctx, pe)
	}
}

// resetToAuth restarts the handshake. The handshake timer keeps running and
// bounds the retry.
func (c *MessageCoder) resetToAuth(ctx *channel.Context) {
	c.resetCrypto()
	c.pendingSeq = protocol.SeqNone
	c.peer = protocol.PeerInfo{}
	c.setState(StateAuth)
	ctx.Logger().Info().Msg("handler.MessageCoder handshake reset to auth")
	if c.role == session.RoleInitiator {
		c.scheduleAuth(ctx)
	}
}

func (c *MessageCoder) sendError(ctx *channel.Context, pe *protocol.Error) {
	if pe.SeqID == protocol.SeqNone {
		return
	}
	m := protocol.Message{
		SeqID:   pe.SeqID,
		Command: protocol.CmdError,
		Payload: schema.BaseResponse{Code: pe.WireCode(), Msg: pe.Error()},
	}
	if err := c.write(ctx, m); err != nil {
		ctx.Logger().Warn().Err(err).Uint16("seq", pe.SeqID).Msg("handler.MessageCoder error frame dropped")
	}
}

// abort ends the handshake and closes the link once queued frames are out.
// Nothing is accepted from the peer while those frames drain.
func (c *MessageCoder) abort(ctx *channel.Context, err error) {
	if c.aborting {
		return
	}
	c.aborting = true
	c.handshakeTimer.Stop()
	c.handshakeTimer = nil
	c.authTimer.Stop()
	c.authTimer = nil
	if c.State() != StateReady && !c.finished {
		c.finish(err)
	}
	ctx.Channel().Close(err)
}

// finish records the handshake outcome once per link.
func (c *MessageCoder) finish(err error) {
	c.finished = true
	observability.RecordHandshake(string(c.role), err == nil, time.Since(c.openedAt))
	observability.EndSpan(c.span, err)
	c.span = nil
	if err != nil && c.cfg.Observer != nil {
		c.cfg.Observer.HandshakeFailed(err)
	}
}

func (c *MessageCoder) enableCrypto(key []byte) {
	c.sessionKey = key
	c.cipherOn.Store(key != nil)
}

func (c *MessageCoder) resetCrypto() {
	c.cipherOn.Store(false)
	c.sessionKey = nil
}
