package endpoint

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/bluesync/internal/auth"
	"github.com/danmuck/bluesync/internal/channel"
	"github.com/danmuck/bluesync/internal/handler"
	"github.com/danmuck/bluesync/internal/observability"
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/schema"
	"github.com/danmuck/bluesync/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrLinkReplaced = errors.New("endpoint: link replaced by a new attach")

// State is the application view of the link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Options struct {
	Role session.Role
	// Session defaults to session.DefaultConfig when zero.
	Session session.Config
	// PresharedKey defaults to auth.DefaultPresharedKey.
	PresharedKey []byte
	Identity     protocol.Identity
	// Verifier overrides the preshared key check on the responder.
	Verifier       auth.Verifier
	ExpectedSerial string
	Rand           io.Reader
	Logger         *zerolog.Logger
}

// Endpoint owns at most one link at a time. Attaching a new transport
// disconnects the previous link.
type Endpoint struct {
	opts Options
	seq  *protocol.Sequence
	log  zerolog.Logger

	mu        sync.Mutex
	link      *link
	state     State
	listeners map[ListenerID]Listener
	nextID    ListenerID
}

func New(opts Options) (*Endpoint, error) {
	opts.Role = session.NormalizeRole(opts.Role)
	if opts.Session == (session.Config{}) {
		opts.Session = session.DefaultConfig()
	}
	if len(opts.PresharedKey) == 0 {
		opts.PresharedKey = auth.DefaultPresharedKey
	}
	if err := opts.Session.ValidateRole(opts.Role, opts.PresharedKey); err != nil {
		return nil, err
	}
	if err := session.ValidateIdentity(opts.Role, opts.Identity.SerialNo); err != nil {
		return nil, err
	}
	if opts.Verifier == nil {
		opts.Verifier = auth.PresharedKey{Key: opts.PresharedKey, ExpectedSerial: opts.ExpectedSerial}
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	return &Endpoint{
		opts:      opts,
		seq:       protocol.NewSequence(),
		log:       base.With().Str("role", string(opts.Role)).Logger(),
		listeners: make(map[ListenerID]Listener),
	}, nil
}

func (e *Endpoint) Role() session.Role {
	return e.opts.Role
}

// Attach builds a link over t and starts it.
func (e *Endpoint) Attach(t channel.Transport) (*channel.Channel, error) {
	cfg := e.opts.Session
	logger := e.log
	ch := channel.New(t, channel.Options{
		Role:         string(e.opts.Role),
		Limits:       cfg.Limits(),
		WriteTimeout: cfg.WriteTimeout,
		Logger:       &logger,
	})
	l := &link{ep: e, ch: ch, registry: session.NewRegistry(ch.Scheduler())}
	coder, err := handler.NewMessageCoder(handler.CoderConfig{
		Role:         e.opts.Role,
		Session:      cfg,
		PresharedKey: e.opts.PresharedKey,
		Identity:     e.opts.Identity,
		Verifier:     e.opts.Verifier,
		Rand:         e.opts.Rand,
		Sequence:     e.seq,
		Observer:     l,
	})
	if err != nil {
		ch.Disconnect(err)
		return nil, err
	}
	l.coder = coder
	p := ch.Pipeline()
	for _, st := range []struct {
		name string
		h    channel.Handler
	}{
		{"decoder", handler.NewFrameDecoder(cfg.Limits(), cfg.ReadTimeout)},
		{"coder", coder},
		{"dispatcher", &dispatcher{l: l}},
	} {
		if err := p.Append(st.name, st.h); err != nil {
			ch.Disconnect(err)
			return nil, err
		}
	}

	e.mu.Lock()
	old := e.link
	e.link = l
	e.mu.Unlock()
	if old != nil {
		e.log.Info().Str("old_channel", old.ch.ID()).Str("channel_id", ch.ID()).Msg("endpoint.Endpoint replacing link")
		old.ch.Disconnect(ErrLinkReplaced)
	}
	e.setState(l, StateConnecting)
	ch.Start()
	return ch, nil
}

// Disconnect closes the current link. Pending requests fail with a
// disconnected error.
func (e *Endpoint) Disconnect() {
	l := e.current()
	if l == nil {
		return
	}
	e.setState(l, StateDisconnecting)
	l.ch.Disconnect(nil)
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Peer reports what the handshake learned about the remote side.
func (e *Endpoint) Peer() (protocol.PeerInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.link == nil || e.state != StateConnected {
		return protocol.PeerInfo{}, false
	}
	return e.link.peer, true
}

// Pending lists requests awaiting a response on the current link.
func (e *Endpoint) Pending() []session.PendingRequest {
	l := e.current()
	if l == nil {
		return nil
	}
	return l.registry.List()
}

// Done is closed when the current link has fully torn down. With no link it
// is already closed.
func (e *Endpoint) Done() <-chan struct{} {
	if l := e.current(); l != nil {
		return l.ch.Done()
	}
	done := make(chan struct{})
	close(done)
	return done
}

func (e *Endpoint) AddListener(l Listener) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[e.nextID] = l
	return e.nextID
}

func (e *Endpoint) RemoveListener(id ListenerID) {
	e.mu.Lock()
	delete(e.listeners, id)
	e.mu.Unlock()
}

// SendRequest sends data as a DataRequest with the default request timeout.
// cb runs exactly once with the response or the failure.
func (e *Endpoint) SendRequest(data []byte, cb session.ResponseFunc) (uint16, error) {
	return e.SendRequestTimeout(data, e.opts.Session.RequestTimeout, cb)
}

func (e *Endpoint) SendRequestTimeout(data []byte, timeout time.Duration, cb session.ResponseFunc) (uint16, error) {
	if cb == nil {
		return 0, session.ErrNilCallback
	}
	m := protocol.Message{
		SeqID:   e.seq.Next(),
		Command: protocol.CmdDataRequest,
		Payload: schema.DataRequest{Data: data},
	}
	if err := e.send(e.current(), m, timeout, cb); err != nil {
		return 0, err
	}
	return m.SeqID, nil
}

// SendResponse answers the request seq with data.
func (e *Endpoint) SendResponse(seq uint16, data []byte) error {
	if seq == protocol.SeqNone {
		return session.ErrInvalidSeq
	}
	return e.send(e.current(), protocol.Message{
		SeqID:   seq,
		Command: protocol.CmdDataResponse,
		Payload: schema.DataResponse{Status: schema.BaseResponse{Code: protocol.CodeSuccess}, Data: data},
	}, 0, nil)
}

// Push sends data without expecting a response.
func (e *Endpoint) Push(data []byte) (uint16, error) {
	m := protocol.Message{
		SeqID:   e.seq.Next(),
		Command: protocol.CmdDataPush,
		Payload: schema.DataPush{Data: data},
	}
	if err := e.send(e.current(), m, 0, nil); err != nil {
		return 0, err
	}
	return m.SeqID, nil
}

// send checks m against the link state, registers cb when set and queues m.
// Nothing is registered or sent when it returns an error.
func (e *Endpoint) send(l *link, m protocol.Message, timeout time.Duration, cb session.ResponseFunc) error {
	if l == nil {
		return protocol.WithSeq(protocol.ErrNotConnected, m.SeqID)
	}
	if m.SeqID == protocol.SeqNone {
		m.SeqID = e.seq.Next()
	}
	if err := l.coder.CheckEncodable(m); err != nil {
		return err
	}
	if cb != nil {
		if timeout <= 0 {
			timeout = e.opts.Session.RequestTimeout
		}
		start := time.Now()
		command := m.Command.String()
		done := func(msg protocol.Message, err error) {
			observability.AddPendingRequests(-1)
			observability.RecordRequest(command, outcome(err), time.Since(start))
			cb(msg, err)
		}
		if err := l.registry.Register(m.SeqID, m.Command, timeout, done); err != nil {
			return err
		}
		observability.AddPendingRequests(1)
	}
	if !l.ch.Write(m) {
		if cb == nil {
			return protocol.WithSeq(protocol.ErrNotConnected, m.SeqID)
		}
		// Teardown may already have settled cb with a disconnected error.
		if l.registry.Remove(m.SeqID) {
			observability.AddPendingRequests(-1)
			return protocol.WithSeq(protocol.ErrNotConnected, m.SeqID)
		}
		return nil
	}
	e.log.Debug().Str("channel_id", l.ch.ID()).Msgf("endpoint.Endpoint.send %s", m)
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return protocol.KindOf(err).String()
}

func (e *Endpoint) current() *link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link
}

// setState moves the endpoint to s on behalf of l. Transitions from a link
// that is no longer current are ignored.
func (e *Endpoint) setState(l *link, s State) {
	e.mu.Lock()
	if e.link != l || e.state == s {
		e.mu.Unlock()
		return
	}
	from := e.state
	e.state = s
	if s == StateDisconnected {
		e.link = nil
	}
	listeners := e.snapshotLocked()
	e.mu.Unlock()

	e.log.Info().Str("from", from.String()).Str("to", s.String()).Str("channel_id", l.ch.ID()).Msg("endpoint.Endpoint state")
	for _, ln := range listeners {
		ln.OnStateChange(from, s)
	}
}

func (e *Endpoint) setPeer(l *link, peer protocol.PeerInfo) {
	e.mu.Lock()
	l.peer = peer
	e.mu.Unlock()
}

func (e *Endpoint) snapshot() []Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Endpoint) snapshotLocked() []Listener {
	ids := make([]ListenerID, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.listeners[id])
	}
	return out
}
