// Package listener accepts client channels and runs a relay session on
// each. Channels arrive either as WebSocket upgrades on an HTTP server or
// as rendezvous connections from an Azure Relay hybrid connection.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/net/http/httpguts"

	"github.com/philsphicas/vlessrelay/internal/session"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Config holds listener configuration.
type Config struct {
	Addr    string // ListenAndServe only
	Path    string // WebSocket endpoint path, default "/"
	TLSCert string // optional; with TLSKey, serve wss
	TLSKey  string

	MaxConnections int // 0 = unlimited
	NewID          func() string
	Logger         *slog.Logger
	Session        session.Config
}

func (cfg *Config) setDefaults() {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID, _ = session.NewIDFunc(session.IDFormatUUID)
	}
}

// Server is an http.Handler that upgrades requests on the configured path
// to WebSocket channels and runs one session per channel.
type Server struct {
	cfg      Config
	sem      chan struct{}
	sessions sync.WaitGroup
}

// NewServer returns a Server for cfg.
func NewServer(cfg Config) *Server {
	cfg.setDefaults()
	s := &Server{cfg: cfg}
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// ServeHTTP implements http.Handler. The session runs on the request
// goroutine and ends when the request context is cancelled.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.sessions.Add(1)
	defer s.sessions.Done()

	if r.URL.Path != s.cfg.Path {
		http.NotFound(w, r)
		return
	}
	if !isUpgrade(r) {
		w.Header().Set("Connection", "Upgrade")
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "upgrade required", http.StatusUpgradeRequired)
		return
	}
	if !s.acquire() {
		s.cfg.Logger.Warn("connection limit reached, rejecting", "remote", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.release()

	early, proto := upgradeEarlyData(r.Header)
	opts := &websocket.AcceptOptions{
		// Clients are not browsers; requests often arrive through a CDN
		// with a foreign Origin.
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	}
	if proto != "" {
		opts.Subprotocols = []string{proto}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.cfg.Logger.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.run(r.Context(), session.NewWebSocket(ws, early), r.RemoteAddr)
}

func (s *Server) run(ctx context.Context, ch session.Channel, remote string) {
	cfg := s.cfg.Session
	cfg.Logger = s.cfg.Logger.With("remote", remote)
	_ = session.New(s.cfg.NewID(), ch, cfg).Run(ctx)
}

func (s *Server) acquire() bool {
	if s.sem == nil {
		return true
	}
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.sem != nil {
		<-s.sem
	}
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// and waits for running sessions to close.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(s.cfg.Logger.Handler(), slog.LevelDebug),
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLSCert != "" {
			errCh <- srv.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.cfg.Logger.Warn("http shutdown", "error", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	// Hijacked connections are not tracked by Shutdown; sessions see the
	// cancelled ctx and close with the shutdown reason.
	s.sessions.Wait()
	return nil
}

// ListenAndServe listens on cfg.Addr and serves WebSocket channels until
// ctx is cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	s := NewServer(cfg)
	if (s.cfg.TLSCert == "") != (s.cfg.TLSKey == "") {
		return errors.New("tls cert and key must be given together")
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	scheme := "ws"
	if s.cfg.TLSCert != "" {
		scheme = "wss"
	}
	s.cfg.Logger.Info("listening", "addr", ln.Addr().String(), "scheme", scheme, "path", s.cfg.Path)
	if s.cfg.Session.Allow == nil {
		s.cfg.Logger.Warn("no allowlist configured, all destinations will be permitted")
	}
	return s.Serve(ctx, ln)
}

func isUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket")
}
