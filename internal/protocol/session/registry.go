package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/schema"
)

var (
	ErrInvalidSeq   = errors.New("session: sequence id 0 is reserved")
	ErrNilCallback  = errors.New("session: nil response callback")
	ErrDuplicateSeq = errors.New("session: sequence id already pending")
)

// ResponseFunc receives the outcome of one request. err is nil only for a
// successful response; msg carries the response frame whenever one arrived.
type ResponseFunc func(msg protocol.Message, err error)

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler arms request deadlines. fn must not run before AfterFunc
// returns. Links schedule onto their own worker so expiry runs serialized
// with inbound traffic.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// TimeScheduler runs deadlines on runtime timers.
type TimeScheduler struct{}

func (TimeScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// PendingRequest describes one request awaiting its response.
type PendingRequest struct {
	SeqID        uint16
	Command      protocol.CommandID
	RegisteredAt time.Time
	Deadline     time.Time
}

type pendingEntry struct {
	PendingRequest
	cb    ResponseFunc
	timer Timer
}

// Registry maps sequence ids to pending callbacks. Every entry leaves the map
// exactly once, through Resolve, expiry, Cancel, Remove or DiscardAll, and
// only the path that removes it invokes the callback.
type Registry struct {
	mu     sync.Mutex
	sched  Scheduler
	items  map[uint16]*pendingEntry
	closed bool
	now    func() time.Time
}

func NewRegistry(s Scheduler) *Registry {
	if s == nil {
		s = TimeScheduler{}
	}
	return &Registry{
		sched: s,
		items: make(map[uint16]*pendingEntry),
		now:   time.Now,
	}
}

func (r *Registry) Register(seq uint16, cmd protocol.CommandID, timeout time.Duration, cb ResponseFunc) error {
	if seq == protocol.SeqNone {
		return ErrInvalidSeq
	}
	if cb == nil {
		return ErrNilCallback
	}
	if timeout <= 0 {
		return ErrInvalidTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return protocol.WithSeq(protocol.ErrNotConnected, seq)
	}
	if _, exists := r.items[seq]; exists {
		return ErrDuplicateSeq
	}
	now := r.now()
	e := &pendingEntry{
		PendingRequest: PendingRequest{SeqID: seq, Command: cmd, RegisteredAt: now, Deadline: now.Add(timeout)},
		cb:             cb,
	}
	r.items[seq] = e
	e.timer = r.sched.AfterFunc(timeout, func() { r.expire(e) })
	return nil
}

// Resolve completes the entry matching a response frame. It reports false
// for non-response commands and for unknown or already settled ids.
func (r *Registry) Resolve(msg protocol.Message) bool {
	if !msg.Command.IsResponse() {
		return false
	}
	e, ok := r.take(msg.SeqID)
	if !ok {
		return false
	}
	e.timer.Stop()
	if msg.Command == protocol.CmdError {
		status, _ := msg.Payload.(schema.BaseResponse)
		e.cb(msg, protocol.RemoteError(msg.SeqID, status.Code, status.Msg))
		return true
	}
	e.cb(msg, nil)
	return true
}

// Cancel settles seq with err.
func (r *Registry) Cancel(seq uint16, err error) bool {
	e, ok := r.take(seq)
	if !ok {
		return false
	}
	e.timer.Stop()
	e.cb(protocol.Message{SeqID: seq}, bindSeq(err, seq))
	return true
}

// Remove drops seq without invoking its callback.
func (r *Registry) Remove(seq uint16) bool {
	e, ok := r.take(seq)
	if ok {
		e.timer.Stop()
	}
	return ok
}

// DiscardAll settles every entry with err and rejects later registrations.
// Callbacks run in ascending sequence order.
func (r *Registry) DiscardAll(err error) int {
	r.mu.Lock()
	r.closed = true
	entries := make([]*pendingEntry, 0, len(r.items))
	for seq, e := range r.items {
		entries = append(entries, e)
		delete(r.items, seq)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SeqID < entries[j].SeqID
	})
	for _, e := range entries {
		e.timer.Stop()
		e.cb(protocol.Message{SeqID: e.SeqID}, bindSeq(err, e.SeqID))
	}
	return len(entries)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *Registry) Get(seq uint16) (PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[seq]
	if !ok {
		return PendingRequest{}, false
	}
	return e.PendingRequest, true
}

func (r *Registry) List() []PendingRequest {
	r.mu.Lock()
	out := make([]PendingRequest, 0, len(r.items))
	for _, e := range r.items {
		out = append(out, e.PendingRequest)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].SeqID < out[j].SeqID
	})
	return out
}

func (r *Registry) take(seq uint16) (*pendingEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[seq]
	if ok {
		delete(r.items, seq)
	}
	return e, ok
}

func (r *Registry) expire(e *pendingEntry) {
	r.mu.Lock()
	cur, ok := r.items[e.SeqID]
	if !ok || cur != e {
		r.mu.Unlock()
		return
	}
	delete(r.items, e.SeqID)
	r.mu.Unlock()
	e.cb(protocol.Message{SeqID: e.SeqID}, protocol.WithSeq(protocol.ErrResponseTimeout, e.SeqID))
}

func bindSeq(err error, seq uint16) error {
	var pe *protocol.Error
	if errors.As(err, &pe) && pe.SeqID == 0 {
		return protocol.WithSeq(pe, seq)
	}
	return err
}
