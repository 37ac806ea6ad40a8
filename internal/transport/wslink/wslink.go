// Package wslink carries link chunks over a WebSocket, one binary message
// per chunk. It lets two processes run the protocol without radio hardware.
package wslink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/bluesync/internal/channel"
	"github.com/danmuck/bluesync/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed = errors.New("wslink: connection closed")
	ErrBusy   = errors.New("wslink: chunk already in flight")
)

const closeGrace = time.Second

// Conn adapts one WebSocket to the channel transport contract.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	recv      channel.Receiver
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// New wraps ws. writeTimeout bounds each chunk write; zero disables it.
func New(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		out:          make(chan []byte, 1),
		done:         make(chan struct{}),
	}
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Bind starts the read and write loops. The socket is already open, so
// Connected fires immediately.
func (c *Conn) Bind(r channel.Receiver) {
	c.recv = r
	go c.writeLoop()
	go c.readLoop()
	r.Connected()
}

func (c *Conn) SendChunk(b []byte) error {
	chunk := append([]byte(nil), b...)
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- chunk:
		return nil
	default:
		return ErrBusy
	}
}

// Disconnect sends a normal close frame and drops the socket.
func (c *Conn) Disconnect() error {
	c.shutdown(nil, true)
	return nil
}

// Done is closed once the socket is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			if c.writeTimeout > 0 {
				c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			err := c.ws.WriteMessage(websocket.BinaryMessage, b)
			c.recv.WriteCompleted(err)
			if err != nil {
				c.shutdown(err, false)
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("remote", c.RemoteAddr()).Msg("wslink.Conn read error")
			}
			c.shutdown(err, false)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.recv.ChunkReceived(data)
	}
}

// shutdown closes the socket once. A remote or I/O loss is reported to the
// receiver; a local close is not, since the channel initiated it.
func (c *Conn) shutdown(reason error, local bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		if local {
			c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGrace),
			)
		}
		c.ws.Close()
		if !local && c.recv != nil {
			c.recv.Disconnected(fmt.Errorf("wslink: %w", reason))
		}
	})
}

// Dial connects to url, retrying with backoff up to attempts times.
func Dial(ctx context.Context, url string, backoff session.BackoffConfig, attempts int, writeTimeout time.Duration) (*Conn, error) {
	if attempts < 1 {
		attempts = 1
	}
	delays := session.NewBackoff(backoff)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			log.Info().Str("url", url).Int("attempt", attempt).Msg("wslink.Dial connected")
			return New(ws, writeTimeout), nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		delay := delays.Next()
		log.Warn().Err(err).Str("url", url).Int("attempt", attempt).Dur("retry_in", delay).Msg("wslink.Dial failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("wslink: dial %s: %w", url, lastErr)
}

// Handler upgrades requests and hands each socket to OnLink.
type Handler struct {
	Upgrader     websocket.Upgrader
	WriteTimeout time.Duration
	OnLink       func(c *Conn, r *http.Request)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("wslink.Handler upgrade failed")
		return
	}
	h.OnLink(New(ws, h.WriteTimeout), r)
}
