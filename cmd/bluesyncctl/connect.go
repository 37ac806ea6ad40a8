package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/bluesync/internal/config"
	"github.com/danmuck/bluesync/internal/endpoint"
	"github.com/danmuck/bluesync/internal/observability"
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/schema"
	"github.com/danmuck/bluesync/internal/protocol/session"
	"github.com/danmuck/bluesync/internal/transport/wslink"
	"github.com/spf13/cobra"
)

var errLinkClosed = errors.New("link closed before the handshake finished")

type connectOptions struct {
	address string
	sends   []string
	pushes  []string
}

func connectCmd() *cobra.Command {
	var opts connectOptions
	cmd := &cobra.Command{
		Use:   "connect <config>",
		Short: "Dial a responder as the initiator and exchange data",
		Long: `Dial a responder, complete the handshake, then send each --send value
as a data request and each --push value as a push. With neither flag the
link stays up until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRole(args[0], session.RoleInitiator)
			if err != nil {
				return err
			}
			if opts.address != "" {
				cfg.Link.Address = opts.address
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return connect(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.address, "address", "", "override link.address")
	cmd.Flags().StringArrayVar(&opts.sends, "send", nil, "data request payload (repeatable)")
	cmd.Flags().StringArrayVar(&opts.pushes, "push", nil, "push payload (repeatable)")
	return cmd
}

func connect(ctx context.Context, cfg config.File, opts connectOptions, out io.Writer) error {
	logger := observability.InitLogger("bluesyncctl")

	ep, err := newEndpoint(cfg, logger)
	if err != nil {
		return err
	}
	ready := make(chan struct{}, 1)
	ep.AddListener(endpoint.ListenerFuncs{
		StateChange: func(from, to endpoint.State) {
			logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("link state")
			if to == endpoint.StateConnected {
				select {
				case ready <- struct{}{}:
				default:
				}
			}
		},
		Push: func(_ protocol.Message, data []byte) {
			fmt.Fprintf(out, "push: %s\n", data)
		},
	})

	conn, err := wslink.Dial(ctx, cfg.Link.Address, cfg.Session.Backoff, cfg.Link.DialAttempts, cfg.Session.WriteTimeout)
	if err != nil {
		return err
	}
	ch, err := ep.Attach(conn)
	if err != nil {
		conn.Disconnect()
		return err
	}
	// Close flushes queued pushes before tearing the link down.
	defer func() {
		ch.Close(nil)
		<-ch.Done()
	}()

	select {
	case <-ready:
	case <-ch.Done():
		return errLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	peer, _ := ep.Peer()
	logger.Info().
		Str("model", peer.Identity.Model).
		Bool("encrypted", peer.Encrypted).
		Msg("bluesyncctl.connect ready")

	if len(opts.sends) == 0 && len(opts.pushes) == 0 {
		select {
		case <-ctx.Done():
		case <-ch.Done():
		}
		return nil
	}
	for _, payload := range opts.sends {
		data, err := roundTrip(ctx, ep, []byte(payload))
		if err != nil {
			return fmt.Errorf("request %q: %w", payload, err)
		}
		fmt.Fprintf(out, "response: %s\n", data)
	}
	for _, payload := range opts.pushes {
		if _, err := ep.Push([]byte(payload)); err != nil {
			return fmt.Errorf("push %q: %w", payload, err)
		}
	}
	return nil
}

func roundTrip(ctx context.Context, ep *endpoint.Endpoint, data []byte) ([]byte, error) {
	type result struct {
		msg protocol.Message
		err error
	}
	done := make(chan result, 1)
	if _, err := ep.SendRequest(data, func(msg protocol.Message, err error) {
		done <- result{msg, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		resp, ok := r.msg.Payload.(schema.DataResponse)
		if !ok {
			return nil, fmt.Errorf("unexpected reply %s", r.msg)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
