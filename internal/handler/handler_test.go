package handler

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/bluesync/internal/auth"
	"github.com/danmuck/bluesync/internal/channel"
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/frame"
	"github.com/danmuck/bluesync/internal/protocol/schema"
	"github.com/danmuck/bluesync/internal/protocol/session"
	"github.com/danmuck/bluesync/internal/testutil/testlog"
)

// scriptTransport acknowledges every chunk and keeps what was written.
type scriptTransport struct {
	mu     sync.Mutex
	recv   channel.Receiver
	chunks [][]byte
}

func (s *scriptTransport) Bind(r channel.Receiver) {
	s.recv = r
	r.Connected()
}

func (s *scriptTransport) SendChunk(b []byte) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, append([]byte(nil), b...))
	s.mu.Unlock()
	s.recv.WriteCompleted(nil)
	return nil
}

func (s *scriptTransport) Disconnect() error { return nil }

// frames reassembles everything written so far.
func (s *scriptTransport) frames(t *testing.T) [][]byte {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	r := frame.NewReassembler(frame.DefaultMax)
	var out [][]byte
	for _, c := range s.chunks {
		f, done, err := r.Push(c)
		if err != nil {
			t.Fatalf("reassemble written chunks: %v", err)
		}
		if done {
			out = append(out, f)
		}
	}
	return out
}

// holdTransport records chunks but holds write completions until release.
type holdTransport struct {
	scriptTransport
	held bool
}

func (h *holdTransport) Bind(r channel.Receiver) {
	h.held = true
	h.scriptTransport.Bind(r)
}

func (h *holdTransport) SendChunk(b []byte) error {
	h.mu.Lock()
	h.chunks = append(h.chunks, append([]byte(nil), b...))
	held := h.held
	h.mu.Unlock()
	if !held {
		h.recv.WriteCompleted(nil)
	}
	return nil
}

// release acknowledges the chunk in flight and every later one.
func (h *holdTransport) release() {
	h.mu.Lock()
	h.held = false
	h.mu.Unlock()
	h.recv.WriteCompleted(nil)
}

// capture collects whatever reaches the end of the protocol stages.
type capture struct {
	channel.Adapter
	mu     sync.Mutex
	msgs   []any
	errors []error
}

func (c *capture) Capabilities() channel.Capability {
	return channel.CapInbound | channel.CapError
}

func (c *capture) Inbound(_ *channel.Context, msg any) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *capture) Error(_ *channel.Context, err error) error {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()
	return nil
}

func (c *capture) count() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs), len(c.errors)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.AuthDelay = 5 * time.Millisecond
	cfg.ReadTimeout = 40 * time.Millisecond
	return cfg
}

func newCoder(t *testing.T, role session.Role, cfg session.Config) *MessageCoder {
	t.Helper()
	c, err := NewMessageCoder(CoderConfig{
		Role:         role,
		Session:      cfg,
		PresharedKey: auth.DefaultPresharedKey,
		Identity:     protocol.Identity{Model: "unit", SerialNo: "SN-UNIT", Platform: protocol.PlatformLinux},
	})
	if err != nil {
		t.Fatalf("new coder: %v", err)
	}
	return c
}

func TestEncodeDecodeRoundTripWithSessionKey(t *testing.T) {
	testlog.Start(t)
	c := newCoder(t, session.RoleResponder, testConfig())
	for _, key := range [][]byte{nil, bytes.Repeat([]byte{0x42}, auth.SessionKeyLen)} {
		c.enableCrypto(key)
		in := protocol.Message{SeqID: 0x7FFF, Command: protocol.CmdDataRequest, Payload: schema.DataRequest{Data: []byte("abcd")}}
		b, err := c.Encode(in)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if key != nil && bytes.Contains(b, []byte("abcd")) {
			t.Fatalf("payload not encrypted")
		}
		out, err := c.Decode(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		req, _ := out.Payload.(schema.DataRequest)
		if out.SeqID != in.SeqID || out.Command != in.Command || string(req.Data) != "abcd" {
			t.Fatalf("round trip mismatch: %s", out)
		}
	}
}

func TestDecodeRejectsUnknownCommand(t *testing.T) {
	testlog.Start(t)
	c := newCoder(t, session.RoleResponder, testConfig())
	b, err := frame.Encode(0x0099, 0x8000, nil, frame.DefaultMax)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = c.Decode(b)
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Kind != protocol.KindDecode || pe.SeqID != 0x8000 {
		t.Fatalf("expected decode error with seq, got %v", err)
	}
}

func TestCheckEncodableOutsideReady(t *testing.T) {
	testlog.Start(t)
	c := newCoder(t, session.RoleInitiator, testConfig())
	err := c.CheckEncodable(protocol.Message{SeqID: 0x8000, Command: protocol.CmdDataPush, Payload: schema.DataPush{}})
	if !errors.Is(err, protocol.ErrNotConnected) {
		t.Fatalf("expected NotConnected, got %v", err)
	}
	c.setState(StateReady)
	err = c.CheckEncodable(protocol.Message{SeqID: 0x8000, Command: protocol.CmdDataPush, Payload: schema.DataPush{Data: make([]byte, frame.DefaultMax)}})
	if !protocol.IsKind(err, protocol.KindEncoding) || !errors.Is(err, frame.ErrFrameTooLarge) {
		t.Fatalf("expected encoding error, got %v", err)
	}
}

func TestNewMessageCoderValidatesKey(t *testing.T) {
	testlog.Start(t)
	_, err := NewMessageCoder(CoderConfig{Role: session.RoleResponder, Session: testConfig(), PresharedKey: []byte("short")})
	if !errors.Is(err, session.ErrInvalidPresharedKey) {
		t.Fatalf("expected ErrInvalidPresharedKey, got %v", err)
	}
}

func startResponder(t *testing.T) (*channel.Channel, *scriptTransport, *MessageCoder) {
	t.Helper()
	tr := &scriptTransport{}
	ch, coder := startResponderOn(t, tr)
	return ch, tr, coder
}

func startResponderOn(t *testing.T, tr channel.Transport) (*channel.Channel, *MessageCoder) {
	t.Helper()
	cfg := testConfig()
	ch := channel.New(tr, channel.Options{Role: "responder", Limits: cfg.Limits()})
	coder := newCoder(t, session.RoleResponder, cfg)
	ch.Pipeline().Append("decoder", NewFrameDecoder(cfg.Limits(), cfg.ReadTimeout))
	ch.Pipeline().Append("coder", coder)
	ch.Pipeline().Append("capture", &capture{})
	ch.Start()
	t.Cleanup(func() {
		ch.Disconnect(nil)
		<-ch.Done()
	})
	return ch, coder
}

// settle waits until the worker has run everything queued so far.
func settle(t *testing.T, ch *channel.Channel) {
	t.Helper()
	done := make(chan struct{})
	if !ch.Post(func() { close(done) }) {
		t.Fatalf("channel closed before settle")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not settle")
	}
}

func feed(ch *channel.Channel, b []byte) {
	for _, c := range frame.Split(b, frame.DefaultChunk) {
		ch.ChunkReceived(c)
	}
}

func authRequestFrame(t *testing.T, seq uint16) []byte {
	t.Helper()
	sign, err := auth.Sign(auth.DefaultPresharedKey, "SN-PEER", nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	body := schema.AuthRequest{SerialNo: "SN-PEER", Encrypt: true, Sign: sign}.Marshal()
	b, err := frame.Encode(uint16(protocol.CmdAuthRequest), seq, body, frame.DefaultMax)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestInitViolationResetsToAuth(t *testing.T) {
	testlog.Start(t)
	ch, tr, coder := startResponder(t)

	feed(ch, authRequestFrame(t, 0x8000))
	eventually(t, "auth response", func() bool { return coder.State() == StateInit && len(tr.frames(t)) == 1 })

	resp, err := frame.Decode(tr.frames(t)[0], frame.DefaultMax)
	if err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	if protocol.CommandID(resp.Header.Command) != protocol.CmdAuthResponse || resp.Header.SeqID != 0x8000 {
		t.Fatalf("unexpected auth response header %+v", resp.Header)
	}
	p, err := schema.Unmarshal(protocol.CmdAuthResponse, resp.Payload)
	if err != nil {
		t.Fatalf("auth response travels in plaintext: %v", err)
	}
	key, err := auth.UnwrapSessionKey(auth.DefaultPresharedKey, p.(schema.AuthResponse).SessionKey)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}

	body, err := auth.Encrypt(key, schema.DataRequest{Data: []byte("early")}.Marshal())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	early, _ := frame.Encode(uint16(protocol.CmdDataRequest), 0x8001, body, frame.DefaultMax)
	feed(ch, early)
	eventually(t, "error frame and reset", func() bool {
		return len(tr.frames(t)) == 2 && coder.State() == StateAuth && !coder.Encrypted()
	})

	errFrame, _ := frame.Decode(tr.frames(t)[1], frame.DefaultMax)
	plain, err := auth.Decrypt(key, errFrame.Payload)
	if err != nil {
		t.Fatalf("error frame not under the session key: %v", err)
	}
	base, err := schema.Unmarshal(protocol.CmdError, plain)
	if err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if errFrame.Header.SeqID != 0x8001 || base.(schema.BaseResponse).Code != protocol.CodeNeedAuth {
		t.Fatalf("unexpected error frame seq=%d payload=%+v", errFrame.Header.SeqID, base)
	}

	feed(ch, authRequestFrame(t, 0x8002))
	eventually(t, "second auth", func() bool { return coder.State() == StateInit })
	if !ch.Active() {
		t.Fatalf("link dropped on an INIT violation")
	}
}

func TestAuthFailureIgnoresLaterChallenge(t *testing.T) {
	testlog.Start(t)
	tr := &holdTransport{}
	ch, coder := startResponderOn(t, tr)

	tampered := authRequestFrame(t, 0x8001)
	tampered[len(tampered)-1] ^= 0xFF
	feed(ch, tampered)
	feed(ch, authRequestFrame(t, 0x8002))
	settle(t, ch)

	if coder.State() != StateAuth || coder.Encrypted() {
		t.Fatalf("challenge accepted after auth failure: state=%s encrypted=%v", coder.State(), coder.Encrypted())
	}
	if !ch.Active() {
		t.Fatalf("link torn down before the error frame was flushed")
	}

	tr.release()
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("link kept after auth failure")
	}
	if !protocol.IsKind(ch.Err(), protocol.KindAuthentication) {
		t.Fatalf("teardown reason got=%v", ch.Err())
	}
	frames := tr.frames(t)
	if len(frames) != 1 {
		t.Fatalf("expected only the error frame, got %d frames", len(frames))
	}
	if h, _ := frame.DecodeHeader(frames[0]); protocol.CommandID(h.Command) != protocol.CmdError || h.SeqID != 0x8001 {
		t.Fatalf("unexpected frame %+v", h)
	}
}

func TestDataBeforeAuthDisconnects(t *testing.T) {
	testlog.Start(t)
	ch, tr, coder := startResponder(t)
	b, _ := frame.Encode(uint16(protocol.CmdDataRequest), 0x8005, nil, frame.DefaultMax)
	feed(ch, b)
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("link kept after data in AUTH")
	}
	if !protocol.IsKind(ch.Err(), protocol.KindProtocolViolation) || coder.Ready() {
		t.Fatalf("teardown reason got=%v", ch.Err())
	}
	frames := tr.frames(t)
	if len(frames) != 1 {
		t.Fatalf("expected one error frame, got %d", len(frames))
	}
	if h, _ := frame.DecodeHeader(frames[0]); protocol.CommandID(h.Command) != protocol.CmdError || h.SeqID != 0x8005 {
		t.Fatalf("unexpected frame %+v", h)
	}
}

func TestFrameDecoderReadTimeoutDiscardsPartial(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	ch := channel.New(&scriptTransport{}, channel.Options{Limits: cfg.Limits()})
	dec := NewFrameDecoder(cfg.Limits(), cfg.ReadTimeout)
	out := &capture{}
	ch.Pipeline().Append("decoder", dec)
	ch.Pipeline().Append("capture", out)
	ch.Start()
	defer ch.Disconnect(nil)

	whole, _ := frame.Encode(uint16(protocol.CmdDataPush), 0x8000, []byte{1, 2, 3, 4}, frame.DefaultMax)
	ch.ChunkReceived(whole[:5])
	eventually(t, "read timeout", func() bool {
		_, errs := out.count()
		return errs == 1
	})
	if dec.Buffered() != 0 {
		t.Fatalf("partial frame kept after timeout")
	}
	out.mu.Lock()
	timeoutErr := out.errors[0]
	out.mu.Unlock()
	if !errors.Is(timeoutErr, protocol.ErrReadTimeout) {
		t.Fatalf("expected read timeout, got %v", timeoutErr)
	}

	ch.ChunkReceived(whole[:10])
	ch.ChunkReceived(whole[10:])
	eventually(t, "frame after timeout", func() bool {
		msgs, _ := out.count()
		return msgs == 1
	})
	out.mu.Lock()
	got := out.msgs[0].([]byte)
	out.mu.Unlock()
	if !bytes.Equal(got, whole) {
		t.Fatalf("frame got=%x want=%x", got, whole)
	}
}

func TestFrameDecoderReportsHeaderSeq(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	ch := channel.New(&scriptTransport{}, channel.Options{Limits: cfg.Limits()})
	out := &capture{}
	ch.Pipeline().Append("decoder", NewFrameDecoder(cfg.Limits(), cfg.ReadTimeout))
	ch.Pipeline().Append("capture", out)
	ch.Start()
	defer ch.Disconnect(nil)

	ch.ChunkReceived([]byte{0xFE, 0x01, 0x00, 0x04, 0x00, 0x15, 0x80, 0x10})
	eventually(t, "decode error", func() bool {
		_, errs := out.count()
		return errs == 1
	})
	out.mu.Lock()
	defer out.mu.Unlock()
	var pe *protocol.Error
	if !errors.As(out.errors[0], &pe) || pe.Kind != protocol.KindDecode || pe.SeqID != 0x8010 ||
		!errors.Is(pe, frame.ErrLengthTooSmall) {
		t.Fatalf("unexpected decode error %v", out.errors[0])
	}
}
