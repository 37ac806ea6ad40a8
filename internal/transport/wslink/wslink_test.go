package wslink_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/bluesync/internal/endpoint"
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/schema"
	"github.com/danmuck/bluesync/internal/protocol/session"
	"github.com/danmuck/bluesync/internal/testutil/testlog"
	"github.com/danmuck/bluesync/internal/transport/wslink"
)

type events struct {
	connected chan struct{}
	chunks    chan []byte
	completed chan error
	lost      chan error
}

func newEvents() *events {
	return &events{
		connected: make(chan struct{}, 1),
		chunks:    make(chan []byte, 16),
		completed: make(chan error, 16),
		lost:      make(chan error, 1),
	}
}

func (e *events) Connected()               { e.connected <- struct{}{} }
func (e *events) ChunkReceived(b []byte)   { e.chunks <- b }
func (e *events) WriteCompleted(err error) { e.completed <- err }
func (e *events) Disconnected(err error)   { e.lost <- err }

func wait[T any](t *testing.T, what string, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/link"
}

func serve(t *testing.T, onLink func(*wslink.Conn, *http.Request)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/link", &wslink.Handler{WriteTimeout: time.Second, OnLink: onLink})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func quickBackoff() session.BackoffConfig {
	return session.BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 2, MaxDelay: 20 * time.Millisecond}
}

func TestConnCarriesChunksAndReportsCompletion(t *testing.T) {
	testlog.Start(t)
	server := newEvents()
	srv := serve(t, func(c *wslink.Conn, _ *http.Request) { c.Bind(server) })

	conn, err := wslink.Dial(context.Background(), wsURL(srv), quickBackoff(), 1, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := newEvents()
	conn.Bind(client)
	wait(t, "client connected", client.connected)
	wait(t, "server connected", server.connected)

	for _, chunk := range []string{"hello", "world"} {
		if err := conn.SendChunk([]byte(chunk)); err != nil {
			t.Fatalf("send %q: %v", chunk, err)
		}
		if err := wait(t, "write completion", client.completed); err != nil {
			t.Fatalf("write completed with %v", err)
		}
		if got := wait(t, "server chunk", server.chunks); string(got) != chunk {
			t.Fatalf("got %q want %q", got, chunk)
		}
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	wait(t, "server disconnect", server.lost)
	<-conn.Done()
	select {
	case err := <-client.lost:
		t.Fatalf("local disconnect reported to receiver: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := conn.SendChunk([]byte("late")); !errors.Is(err, wslink.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDialGivesUpAfterAttempts(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	start := time.Now()
	if _, err := wslink.Dial(context.Background(), url, quickBackoff(), 3, time.Second); err == nil {
		t.Fatalf("expected dial failure")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("dial retried for too long: %s", time.Since(start))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := wslink.Dial(ctx, url, quickBackoff(), 3, time.Second); err == nil {
		t.Fatalf("expected canceled dial to fail")
	}
}

func TestEndpointsHandshakeOverWebSocket(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.AuthDelay = 10 * time.Millisecond

	host, err := endpoint.New(endpoint.Options{
		Role:     session.RoleResponder,
		Session:  cfg,
		Identity: protocol.Identity{Model: "host", Platform: protocol.PlatformLinux},
	})
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	host.AddListener(endpoint.ListenerFuncs{Request: func(req *endpoint.Request) {
		req.Respond(append([]byte("ack:"), req.Data...))
	}})
	srv := serve(t, func(c *wslink.Conn, _ *http.Request) {
		if _, err := host.Attach(c); err != nil {
			t.Errorf("responder attach: %v", err)
		}
	})

	dev, err := endpoint.New(endpoint.Options{
		Role:     session.RoleInitiator,
		Session:  cfg,
		Identity: protocol.Identity{Model: "BS-100", SerialNo: "SN0001", Platform: protocol.PlatformLinux},
	})
	if err != nil {
		t.Fatalf("initiator: %v", err)
	}
	conn, err := wslink.Dial(context.Background(), wsURL(srv), quickBackoff(), 1, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ch, err := dev.Attach(conn)
	if err != nil {
		t.Fatalf("initiator attach: %v", err)
	}
	t.Cleanup(func() {
		ch.Disconnect(nil)
		<-ch.Done()
		host.Disconnect()
	})

	deadline := time.Now().Add(3 * time.Second)
	for dev.State() != endpoint.StateConnected || host.State() != endpoint.StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("handshake incomplete: dev=%s host=%s", dev.State(), host.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	type result struct {
		msg protocol.Message
		err error
	}
	done := make(chan result, 1)
	if _, err := dev.SendRequest([]byte("ping"), func(msg protocol.Message, err error) {
		done <- result{msg, err}
	}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	r := wait(t, "response", done)
	if r.err != nil {
		t.Fatalf("request failed: %v", r.err)
	}
	resp, ok := r.msg.Payload.(schema.DataResponse)
	if !ok || string(resp.Data) != "ack:ping" {
		t.Fatalf("unexpected response: %s", r.msg)
	}
}
