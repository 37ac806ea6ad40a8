package channel

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/bluesync/internal/observability"
	"github.com/danmuck/bluesync/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosedLocally = errors.New("channel: closed locally")

// Options configures one channel.
type Options struct {
	// ID defaults to a random UUID.
	ID           string
	Role         string
	Limits       frame.Limits
	WriteTimeout time.Duration
	Logger       *zerolog.Logger
}

// Channel owns one connection: its pipeline, mailbox, timers and transport.
type Channel struct {
	id        string
	log       zerolog.Logger
	opts      Options
	transport Transport
	pipeline  *Pipeline
	head      *head

	mu     sync.Mutex
	queue  []func()
	closed bool
	notify chan struct{}
	done   chan struct{}

	timerMu      sync.Mutex
	timers       map[*Timer]struct{}
	timersClosed bool

	active   atomic.Bool
	started  atomic.Bool
	reason   atomic.Pointer[error]
	tornDown bool
}

func New(t Transport, opts Options) *Channel {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Limits == (frame.Limits{}) {
		opts.Limits = frame.DefaultLimits()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = time.Second
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	c := &Channel{
		id:        opts.ID,
		log:       base.With().Str("channel_id", opts.ID).Str("role", opts.Role).Logger(),
		opts:      opts,
		transport: t,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		timers:    make(map[*Timer]struct{}),
	}
	c.head = newHead(c)
	c.pipeline = newPipeline(c, c.head, &tail{ch: c})
	go c.run()
	return c
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Pipeline() *Pipeline {
	return c.pipeline
}

func (c *Channel) Logger() *zerolog.Logger {
	return &c.log
}

func (c *Channel) Limits() frame.Limits {
	return c.opts.Limits
}

// Active reports whether the transport is connected and not torn down.
func (c *Channel) Active() bool {
	return c.active.Load()
}

// Done is closed once teardown finished and the worker exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err is the teardown reason, nil while the channel is open.
func (c *Channel) Err() error {
	if p := c.reason.Load(); p != nil {
		return *p
	}
	return nil
}

// Start binds the transport. Configure the pipeline first.
func (c *Channel) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.log.Debug().Msg("channel.Channel.Start")
	c.transport.Bind(c)
}

// Post queues fn for the worker. It reports false once the channel closed.
func (c *Channel) Post(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// Write sends msg down the pipeline from the tail.
func (c *Channel) Write(msg any) bool {
	return c.Post(func() {
		if c.tornDown {
			return
		}
		c.pipeline.fireOutbound(msg)
	})
}

// Disconnect tears the channel down and asks the transport to drop the link.
func (c *Channel) Disconnect(reason error) {
	if reason == nil {
		reason = ErrClosedLocally
	}
	c.Post(func() { c.teardown(reason, true) })
}

// Close tears the channel down once queued frames have been written. A
// write failure while flushing tears it down immediately.
func (c *Channel) Close(reason error) {
	if reason == nil {
		reason = ErrClosedLocally
	}
	c.Post(func() {
		if c.tornDown {
			return
		}
		c.head.whenDrained(func() { c.teardown(reason, true) })
	})
}

func (c *Channel) Connected() {
	c.Post(func() {
		if c.tornDown || c.active.Load() {
			return
		}
		c.active.Store(true)
		c.log.Info().Msg("channel.Channel connected")
		c.pipeline.fireOpened()
	})
}

func (c *Channel) ChunkReceived(b []byte) {
	chunk := append([]byte(nil), b...)
	c.Post(func() {
		if c.tornDown {
			return
		}
		observability.RecordChunk(observability.DirectionIn, len(chunk))
		c.pipeline.fireInbound(chunk)
	})
}

func (c *Channel) WriteCompleted(err error) {
	c.Post(func() {
		if c.tornDown {
			return
		}
		c.head.completed(err)
	})
}

func (c *Channel) Disconnected(reason error) {
	c.Post(func() { c.teardown(reason, false) })
}

// teardown runs once on the worker. Timers stop before the closed event so
// no stage sees a timer fire after its own cleanup.
func (c *Channel) teardown(reason error, local bool) {
	if c.tornDown {
		return
	}
	c.tornDown = true
	c.active.Store(false)
	c.reason.Store(&reason)
	stopped := c.stopTimers()
	c.pipeline.fireClosed(reason)
	if local {
		if err := c.transport.Disconnect(); err != nil {
			c.log.Warn().Err(err).Msg("channel.Channel transport disconnect failed")
		}
	}
	c.log.Info().Err(reason).Int("timers_stopped", stopped).Bool("local", local).Msg("channel.Channel closed")

	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel) run() {
	defer close(c.done)
	for range c.notify {
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				stop := c.closed
				c.mu.Unlock()
				if stop {
					return
				}
				break
			}
			fn := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			fn()
		}
	}
}
