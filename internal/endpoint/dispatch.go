package endpoint

import (
	"errors"

	"github.com/danmuck/bluesync/internal/channel"
	"github.com/danmuck/bluesync/internal/handler"
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/schema"
	"github.com/danmuck/bluesync/internal/protocol/session"
)

// link is one attached transport and its per-connection state.
type link struct {
	ep       *Endpoint
	ch       *channel.Channel
	coder    *handler.MessageCoder
	registry *session.Registry
	// peer is guarded by ep.mu.
	peer protocol.PeerInfo
}

func (l *link) HandshakeStarted(role session.Role) {
	l.ch.Logger().Debug().Str("handshake_role", string(role)).Msg("endpoint.link handshake started")
}

func (l *link) HandshakeSucceeded(peer protocol.PeerInfo) {
	l.ep.setPeer(l, peer)
	l.ep.setState(l, StateConnected)
}

func (l *link) HandshakeFailed(err error) {
	l.ch.Logger().Warn().Err(err).Msg("endpoint.link handshake failed")
}

// dispatcher is the last protocol stage. Responses settle pending requests;
// everything else goes to the listeners.
type dispatcher struct {
	channel.Adapter
	l *link
}

func (d *dispatcher) Capabilities() channel.Capability {
	return channel.CapInbound | channel.CapError | channel.CapClosed
}

func (d *dispatcher) Inbound(ctx *channel.Context, msg any) error {
	m, ok := msg.(protocol.Message)
	if !ok {
		ctx.FireInbound(msg)
		return nil
	}
	if d.l.registry.Resolve(m) {
		return nil
	}
	listeners := d.l.ep.snapshot()
	switch m.Command {
	case protocol.CmdDataRequest:
		p, _ := m.Payload.(schema.DataRequest)
		req := &Request{ep: d.l.ep, link: d.l, seq: m.SeqID, Data: p.Data}
		for _, ln := range listeners {
			ln.OnRequest(req)
		}
	case protocol.CmdDataPush:
		p, _ := m.Payload.(schema.DataPush)
		for _, ln := range listeners {
			ln.OnPush(m, p.Data)
		}
	default:
		if m.Command.IsResponse() {
			ctx.Logger().Debug().Msgf("endpoint.dispatcher unmatched response %s", m)
		}
		for _, ln := range listeners {
			ln.OnMessage(m)
		}
	}
	return nil
}

// Error settles a request whose frame could not be written.
func (d *dispatcher) Error(ctx *channel.Context, err error) error {
	var seq uint16
	var pe *protocol.Error
	if errors.As(err, &pe) {
		seq = pe.SeqID
	}
	switch protocol.KindOf(err) {
	case protocol.KindNotConnected, protocol.KindEncoding:
		if seq != protocol.SeqNone && d.l.registry.Cancel(seq, err) {
			return nil
		}
	}
	ctx.FireError(err)
	return nil
}

func (d *dispatcher) Closed(ctx *channel.Context, reason error) error {
	n := d.l.registry.DiscardAll(protocol.ErrDisconnected)
	ctx.Logger().Info().Err(reason).Int("discarded", n).Msg("endpoint.dispatcher link closed")
	d.l.ep.setState(d.l, StateDisconnected)
	ctx.FireClosed(reason)
	return nil
}
