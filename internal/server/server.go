// Package server implements the WebSocket session server: client connection
// handling, the session state machine and the result broadcaster.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxlab/sussurro/internal/config"
	"github.com/voxlab/sussurro/internal/health"
	"github.com/voxlab/sussurro/internal/observe"
	"github.com/voxlab/sussurro/internal/protocol"
)

// shutdownTimeout bounds the HTTP server drain on shutdown.
const shutdownTimeout = 5 * time.Second

// Server accepts WebSocket clients and runs the session state machine. The
// same listener also serves the health probes and the Prometheus metrics
// endpoint.
type Server struct {
	cfg     *config.Config
	session *Session
	log     *slog.Logger
	metrics *observe.Metrics
	checks  map[string]health.Check
}

// New creates a [Server] around an already-constructed session. The checks
// map feeds the /readyz probe; nil means the probe only verifies the process
// serves HTTP.
func New(cfg *config.Config, session *Session, log *slog.Logger, metrics *observe.Metrics, checks map[string]health.Check) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		session: session,
		log:     log,
		metrics: metrics,
		checks:  checks,
	}
}

// Run serves until ctx is cancelled, then drains connections and stops the
// session loop.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(s.checks).Register(mux)

	httpServer := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.session.Run(gctx)
	})

	g.Go(func() error {
		s.log.Info("server listening",
			"addr", s.cfg.Server.ListenAddr,
			"tls", s.cfg.Server.TLS != nil)
		var err error
		if tls := s.cfg.Server.TLS; tls != nil {
			err = httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen on %s: %w", s.cfg.Server.ListenAddr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(drainCtx)
	})

	return g.Wait()
}

// handleWS upgrades one connection and runs its read loop until the client
// goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(conn, s.log)
	ctx := r.Context()

	s.log.Info("client connected", "remote", r.RemoteAddr)
	if s.metrics != nil {
		s.metrics.ActiveClients.Add(ctx, 1)
	}
	s.session.Attach(client)

	go client.writeLoop(ctx)
	s.readLoop(ctx, client)

	s.session.Detach(client)
	client.shutdown()
	if s.metrics != nil {
		s.metrics.ActiveClients.Add(context.Background(), -1)
	}
	s.log.Info("client disconnected", "remote", r.RemoteAddr)
}

// readLoop parses inbound messages and feeds them to the session. Malformed
// messages are reported to the sender and dropped; they never close the
// connection.
func (s *Server) readLoop(ctx context.Context, client *Client) {
	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			var perr *protocol.ParseError
			if errors.As(err, &perr) {
				client.Send(protocol.NewError(perr.Reason))
				continue
			}
			client.Send(protocol.NewError("invalid message"))
			continue
		}
		s.session.Submit(client, msg)
	}
}
