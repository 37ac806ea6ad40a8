package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/bluesync/internal/config"
	"github.com/danmuck/bluesync/internal/endpoint"
	"github.com/danmuck/bluesync/internal/observability"
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/session"
	"github.com/danmuck/bluesync/internal/transport/wslink"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownGrace = 5 * time.Second

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve <config>",
		Short: "Run a responder that accepts links on /link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRole(args[0], session.RoleResponder)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Link.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override link.listen")
	return cmd
}

func serve(ctx context.Context, cfg config.File) error {
	logger := observability.InitLogger("bluesyncctl")
	observability.RegisterMetrics()

	ep, err := newEndpoint(cfg, logger)
	if err != nil {
		return err
	}
	ep.AddListener(echoListener(ep, logger))

	srv := &http.Server{
		Addr:              cfg.Link.Listen,
		Handler:           newRouter(ep, cfg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Link.Listen).Msg("bluesyncctl.serve listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	ep.Disconnect()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newEndpoint(cfg config.File, logger zerolog.Logger) (*endpoint.Endpoint, error) {
	l := logger.With().Str("role", string(cfg.Role)).Logger()
	return endpoint.New(endpoint.Options{
		Role:           cfg.Role,
		Session:        cfg.Session,
		PresharedKey:   cfg.PresharedKey,
		Identity:       cfg.Identity,
		ExpectedSerial: cfg.ExpectedSerial,
		Logger:         &l,
	})
}

// echoListener answers every data request with its own payload.
func echoListener(ep *endpoint.Endpoint, logger zerolog.Logger) endpoint.Listener {
	return endpoint.ListenerFuncs{
		StateChange: func(from, to endpoint.State) {
			logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("link state")
		},
		Request: func(req *endpoint.Request) {
			if err := req.Respond(req.Data); err != nil {
				logger.Warn().Err(err).Uint16("seq", req.SeqID()).Msg("respond failed")
			}
		},
		Push: func(_ protocol.Message, data []byte) {
			logger.Info().Int("bytes", len(data)).Msg("push received")
		},
	}
}

type healthResponse struct {
	Status  string      `json:"status"`
	Role    string      `json:"role"`
	State   string      `json:"state"`
	Peer    *peerStatus `json:"peer,omitempty"`
	Pending int         `json:"pending"`
}

type peerStatus struct {
	Model     string `json:"model"`
	SerialNo  string `json:"serial_no"`
	Platform  string `json:"platform"`
	Encrypted bool   `json:"encrypted"`
	Ticket    string `json:"ticket,omitempty"`
}

func newRouter(ep *endpoint.Endpoint, cfg config.File, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware("bluesyncctl"))

	r.Handle("/link", &wslink.Handler{
		WriteTimeout: cfg.Session.WriteTimeout,
		OnLink: func(c *wslink.Conn, req *http.Request) {
			if _, err := ep.Attach(c); err != nil {
				logger.Error().Err(err).Str("remote", req.RemoteAddr).Msg("attach failed")
				c.Disconnect()
				return
			}
			logger.Info().Str("remote", c.RemoteAddr()).Msg("link attached")
		},
	})
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		resp := healthResponse{
			Status:  "ok",
			Role:    string(ep.Role()),
			State:   ep.State().String(),
			Pending: len(ep.Pending()),
		}
		if peer, ok := ep.Peer(); ok {
			resp.Peer = &peerStatus{
				Model:     peer.Identity.Model,
				SerialNo:  peer.Identity.SerialNo,
				Platform:  peer.Identity.Platform.String(),
				Encrypted: peer.Encrypted,
				Ticket:    peer.Ticket,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})
	r.Get("/pending", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, ep.Pending())
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
