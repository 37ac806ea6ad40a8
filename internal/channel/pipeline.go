package channel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrDuplicateName = errors.New("channel: duplicate handler name")
	ErrReservedName  = errors.New("channel: reserved handler name")
)

const (
	headName = "head"
	tailName = "tail"
)

type stage struct {
	name string
	h    Handler
	caps Capability
}

// Pipeline is the ordered stage list of one channel, head first and tail
// last. Mutations publish a new snapshot; an event already in flight
// finishes on the snapshot it started with.
type Pipeline struct {
	ch     *Channel
	mu     sync.Mutex
	stages atomic.Pointer[[]*stage]
}

func newPipeline(ch *Channel, head, tail Handler) *Pipeline {
	p := &Pipeline{ch: ch}
	s := []*stage{
		{name: headName, h: head, caps: head.Capabilities()},
		{name: tailName, h: tail, caps: tail.Capabilities()},
	}
	p.stages.Store(&s)
	return p
}

// Append adds h just before the tail.
func (p *Pipeline) Append(name string, h Handler) error {
	if name == headName || name == tailName {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := *p.stages.Load()
	for _, s := range cur {
		if s.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
	}
	next := make([]*stage, 0, len(cur)+1)
	next = append(next, cur[:len(cur)-1]...)
	next = append(next, &stage{name: name, h: h, caps: h.Capabilities()})
	next = append(next, cur[len(cur)-1])
	p.stages.Store(&next)
	p.ch.log.Debug().Str("handler", name).Msg("channel.Pipeline.Append")
	return nil
}

// Remove detaches name. Unknown and reserved names are ignored.
func (p *Pipeline) Remove(name string) {
	if name == headName || name == tailName {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := *p.stages.Load()
	next := make([]*stage, 0, len(cur))
	for _, s := range cur {
		if s.name != name {
			next = append(next, s)
		}
	}
	if len(next) == len(cur) {
		return
	}
	p.stages.Store(&next)
	p.ch.log.Debug().Str("handler", name).Msg("channel.Pipeline.Remove")
}

// Names lists the user stages in dispatch order.
func (p *Pipeline) Names() []string {
	cur := p.snapshot()
	out := make([]string, 0, len(cur)-2)
	for _, s := range cur[1 : len(cur)-1] {
		out = append(out, s.name)
	}
	return out
}

func (p *Pipeline) Get(name string) (Handler, bool) {
	for _, s := range p.snapshot() {
		if s.name == name {
			return s.h, true
		}
	}
	return nil, false
}

func (p *Pipeline) snapshot() []*stage {
	return *p.stages.Load()
}

func (p *Pipeline) fireOpened() {
	p.opened(p.snapshot(), 0)
}

func (p *Pipeline) fireClosed(reason error) {
	p.closed(p.snapshot(), 0, reason)
}

func (p *Pipeline) fireInbound(msg any) {
	p.inbound(p.snapshot(), 0, msg)
}

// fireOutbound enters at the tail, as an application write does.
func (p *Pipeline) fireOutbound(msg any) {
	s := p.snapshot()
	p.outbound(s, len(s)-1, msg)
}

func (p *Pipeline) fireError(err error) {
	p.raise(p.snapshot(), 0, err)
}

func (p *Pipeline) opened(s []*stage, from int) {
	if i := next(s, from, CapOpened); i >= 0 {
		ctx := &Context{ch: p.ch, stages: s, idx: i}
		p.invoke(ctx, CapOpened, func() error { return s[i].h.Opened(ctx) })
	}
}

func (p *Pipeline) closed(s []*stage, from int, reason error) {
	if i := next(s, from, CapClosed); i >= 0 {
		ctx := &Context{ch: p.ch, stages: s, idx: i}
		p.invoke(ctx, CapClosed, func() error { return s[i].h.Closed(ctx, reason) })
	}
}

func (p *Pipeline) inbound(s []*stage, from int, msg any) {
	if i := next(s, from, CapInbound); i >= 0 {
		ctx := &Context{ch: p.ch, stages: s, idx: i}
		p.invoke(ctx, CapInbound, func() error { return s[i].h.Inbound(ctx, msg) })
	}
}

func (p *Pipeline) outbound(s []*stage, from int, msg any) {
	if i := prev(s, from, CapOutbound); i >= 0 {
		ctx := &Context{ch: p.ch, stages: s, idx: i}
		p.invoke(ctx, CapOutbound, func() error { return s[i].h.Outbound(ctx, msg) })
	}
}

func (p *Pipeline) raise(s []*stage, from int, err error) {
	if i := next(s, from, CapError); i >= 0 {
		ctx := &Context{ch: p.ch, stages: s, idx: i}
		p.invoke(ctx, CapError, func() error { return s[i].h.Error(ctx, err) })
	}
}

// invoke runs one stage callback. Failures become error events raised from
// the failing stage; a failing error handler is logged and dropped.
func (p *Pipeline) invoke(ctx *Context, event Capability, fn func() error) {
	err := p.guard(ctx, fn)
	if err == nil {
		return
	}
	if event == CapError {
		p.ch.log.Error().Err(err).Str("handler", ctx.Name()).Msg("channel.Pipeline error handler failed")
		return
	}
	ctx.FireError(err)
}

func (p *Pipeline) guard(ctx *Context, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel: handler %s panicked: %v", ctx.Name(), r)
		}
	}()
	return fn()
}

func next(s []*stage, from int, c Capability) int {
	for i := from; i < len(s); i++ {
		if s[i].caps.Has(c) {
			return i
		}
	}
	return -1
}

func prev(s []*stage, from int, c Capability) int {
	for i := from; i >= 0; i-- {
		if s[i].caps.Has(c) {
			return i
		}
	}
	return -1
}
