// Package memory links two channels in process. It behaves like a GATT
// link: chunks arrive whole, every write is acknowledged by a completion,
// and either side may lose the connection at any time.
package memory

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/danmuck/bluesync/internal/channel"
)

var (
	ErrClosed   = errors.New("memory: transport closed")
	ErrLinkLost = errors.New("memory: link lost")
	ErrUnbound  = errors.New("memory: peer not bound")
)

type Options struct {
	// PadTo zero-pads every chunk shorter than PadTo before delivery, as
	// some stacks do for fixed-size characteristic writes.
	PadTo int
	// DropCompletions withholds write completions.
	DropCompletions bool
}

type link struct {
	mu        sync.Mutex
	ends      [2]*Transport
	connected bool
	closed    bool
}

// Transport is one end of a Pipe.
type Transport struct {
	link *link
	side int
	opts Options
	drop atomic.Bool

	recv channel.Receiver

	sentMu sync.Mutex
	sent   [][]byte
}

// Pipe returns two connected ends. Connected fires on both once both are
// bound.
func Pipe(opts Options) (*Transport, *Transport) {
	l := &link{}
	a := &Transport{link: l, side: 0, opts: opts}
	b := &Transport{link: l, side: 1, opts: opts}
	a.drop.Store(opts.DropCompletions)
	b.drop.Store(opts.DropCompletions)
	l.ends = [2]*Transport{a, b}
	return a, b
}

func (t *Transport) peer() *Transport {
	return t.link.ends[1-t.side]
}

// SetDropCompletions toggles whether writes from this end are acknowledged.
func (t *Transport) SetDropCompletions(drop bool) {
	t.drop.Store(drop)
}

func (t *Transport) Bind(r channel.Receiver) {
	l := t.link
	l.mu.Lock()
	t.recv = r
	var notify []channel.Receiver
	if !l.connected && !l.closed && l.ends[0].recv != nil && l.ends[1].recv != nil {
		l.connected = true
		notify = []channel.Receiver{l.ends[0].recv, l.ends[1].recv}
	}
	l.mu.Unlock()
	for _, rr := range notify {
		rr.Connected()
	}
}

// SendChunk delivers b to the peer and then acknowledges it.
func (t *Transport) SendChunk(b []byte) error {
	l := t.link
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if !l.connected {
		l.mu.Unlock()
		return ErrUnbound
	}
	self, other := t.recv, t.peer().recv
	l.mu.Unlock()

	chunk := append([]byte(nil), b...)
	if pad := t.opts.PadTo; len(chunk) < pad {
		chunk = append(chunk, make([]byte, pad-len(chunk))...)
	}
	t.sentMu.Lock()
	t.sent = append(t.sent, chunk)
	t.sentMu.Unlock()

	other.ChunkReceived(chunk)
	if !t.drop.Load() {
		self.WriteCompleted(nil)
	}
	return nil
}

// Disconnect drops the link and tells both ends.
func (t *Transport) Disconnect() error {
	l := t.link
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	self, other := t.recv, t.peer().recv
	l.mu.Unlock()
	if other != nil {
		other.Disconnected(ErrLinkLost)
	}
	if self != nil {
		self.Disconnected(ErrLinkLost)
	}
	return nil
}

// Sent lists the chunks written from this end.
func (t *Transport) Sent() [][]byte {
	t.sentMu.Lock()
	defer t.sentMu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}
