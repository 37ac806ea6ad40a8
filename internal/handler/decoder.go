package handler

import (
	"errors"
	"time"

	"github.com/danmuck/bluesync/internal/channel"
	"github.com/danmuck/bluesync/internal/observability"
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/frame"
)

// FrameDecoder reassembles inbound chunks. A partial frame that sees no new
// bytes for the read timeout is discarded.
type FrameDecoder struct {
	channel.Adapter
	r           *frame.Reassembler
	readTimeout time.Duration
	timer       *channel.Timer
}

func NewFrameDecoder(limits frame.Limits, readTimeout time.Duration) *FrameDecoder {
	return &FrameDecoder{
		r:           frame.NewReassembler(limits.MaxFrameSize),
		readTimeout: readTimeout,
	}
}

func (d *FrameDecoder) Capabilities() channel.Capability {
	return channel.CapInbound | channel.CapClosed
}

// Buffered reports the bytes of the partial frame being held.
func (d *FrameDecoder) Buffered() int {
	return d.r.Buffered()
}

func (d *FrameDecoder) Inbound(ctx *channel.Context, msg any) error {
	chunk, ok := msg.([]byte)
	if !ok {
		ctx.FireInbound(msg)
		return nil
	}
	out, done, err := d.r.Push(chunk)
	if err != nil {
		d.stop()
		observability.RecordFrameError(protocol.KindDecode.String())
		var de *frame.DecodeError
		var seq uint16
		if errors.As(err, &de) {
			seq = de.SeqID
		}
		ctx.Logger().Warn().Err(err).Uint16("seq", seq).Msg("handler.FrameDecoder rejected frame")
		return protocol.Wrap(protocol.KindDecode, seq, err)
	}
	if !done {
		d.arm(ctx)
		return nil
	}
	d.stop()
	ctx.FireInbound(out)
	return nil
}

func (d *FrameDecoder) Closed(ctx *channel.Context, reason error) error {
	d.stop()
	d.r.Reset()
	ctx.FireClosed(reason)
	return nil
}

// arm starts the read timer at the first byte of a frame.
func (d *FrameDecoder) arm(ctx *channel.Context) {
	if d.timer != nil || d.r.Buffered() == 0 {
		return
	}
	d.timer = ctx.Channel().AfterFunc(d.readTimeout, func() {
		d.timer = nil
		seq := d.r.PendingSeqID()
		held := d.r.Buffered()
		d.r.Reset()
		observability.RecordFrameError(protocol.KindTimeout.String())
		ctx.Logger().Warn().Int("buffered", held).Uint16("seq", seq).Msg("handler.FrameDecoder read timeout")
		ctx.FireError(protocol.WithSeq(protocol.ErrReadTimeout, seq))
	})
}

func (d *FrameDecoder) stop() {
	d.timer.Stop()
	d.timer = nil
}
