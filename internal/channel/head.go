package channel

import (
	"errors"
	"fmt"

	"github.com/danmuck/bluesync/internal/observability"
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/frame"
)

// head is the transport-facing sentinel. It queues encoded frames, splits
// the current one into chunks and keeps one chunk in flight.
type head struct {
	Adapter
	ch       *Channel
	splitter *frame.Splitter
	queue    [][]byte
	writing  bool
	timer    *Timer
	drained  func()
}

func newHead(ch *Channel) *head {
	return &head{ch: ch, splitter: frame.NewSplitter(ch.opts.Limits)}
}

func (h *head) Capabilities() Capability {
	return CapOutbound | CapClosed
}

func (h *head) Outbound(_ *Context, msg any) error {
	b, ok := msg.([]byte)
	if !ok {
		return fmt.Errorf("channel: head cannot write %T", msg)
	}
	if len(b) > h.ch.opts.Limits.MaxFrameSize {
		return protocol.Wrap(protocol.KindEncoding, 0, frame.ErrFrameTooLarge)
	}
	h.queue = append(h.queue, b)
	h.pump()
	return nil
}

func (h *head) Closed(ctx *Context, reason error) error {
	h.drained = nil
	h.discard()
	ctx.FireClosed(reason)
	return nil
}

// Queued reports frames waiting behind the one being split.
func (h *head) Queued() int {
	return len(h.queue)
}

func (h *head) pump() {
	if h.writing {
		return
	}
	if !h.splitter.HasNext() {
		if len(h.queue) == 0 {
			h.drain()
			return
		}
		next := h.queue[0]
		h.queue[0] = nil
		h.queue = h.queue[1:]
		if err := h.splitter.Load(next); err != nil {
			h.abort(err)
			return
		}
	}
	chunk := h.splitter.NextChunk()
	h.writing = true
	h.timer = h.ch.AfterFunc(h.ch.opts.WriteTimeout, func() {
		h.timer = nil
		h.abort(protocol.ErrWriteTimeout)
	})
	if err := h.ch.transport.SendChunk(chunk); err != nil {
		h.abort(err)
		return
	}
	observability.RecordChunk(observability.DirectionOut, len(chunk))
}

func (h *head) completed(err error) {
	if !h.writing {
		return
	}
	h.timer.Stop()
	h.timer = nil
	h.writing = false
	if err != nil {
		h.abort(err)
		return
	}
	h.pump()
}

// abort drops the frame being split and everything queued behind it.
func (h *head) abort(cause error) {
	dropped := h.Queued()
	unsent := h.splitter.Remaining()
	if unsent > 0 || h.writing {
		dropped++
	}
	h.discard()
	h.ch.log.Warn().Err(cause).Int("dropped_frames", dropped).Int("unsent_bytes", unsent).Msg("channel.head write aborted")
	observability.RecordWriteAbort(errors.Is(cause, protocol.ErrWriteTimeout))
	h.ch.pipeline.fireError(cause)
	h.drain()
}

// whenDrained runs fn once nothing is queued or in flight.
func (h *head) whenDrained(fn func()) {
	if !h.writing && !h.splitter.HasNext() && len(h.queue) == 0 {
		fn()
		return
	}
	h.drained = fn
}

func (h *head) drain() {
	if fn := h.drained; fn != nil {
		h.drained = nil
		fn()
	}
}

func (h *head) discard() {
	h.timer.Stop()
	h.timer = nil
	h.splitter.Reset()
	h.queue = nil
	h.writing = false
}
