// Package session runs one relay session: it reads the handshake from a
// client channel, authenticates the user, opens the upstream connection,
// and relays data until either side closes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philsphicas/vlessrelay/internal/metrics"
	"github.com/philsphicas/vlessrelay/internal/protocol"
	"github.com/philsphicas/vlessrelay/internal/users"
)

// errClosed reports that Close was called while the handshake was running.
var errClosed = errors.New("session closed during handshake")

// Defaults applied by New to zero Config fields.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
)

// State is the session lifecycle stage.
type State int32

const (
	StateAwaitingHandshake State = iota
	StateAuthenticating
	StateOpeningUpstream
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateAuthenticating:
		return "authenticating"
	case StateOpeningUpstream:
		return "opening_upstream"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the collaborators shared by every session.
type Config struct {
	Users  *users.Registry
	Dialer Dialer
	// Allow reports whether a destination may be dialed. Nil permits all.
	Allow func(host string, port uint16) bool
	// HandshakeTimeout bounds the time from accept until relaying starts.
	HandshakeTimeout time.Duration
	// ConnectTimeout bounds the upstream dial.
	ConnectTimeout time.Duration
	// IdleTimeout closes a relaying session with no traffic. Zero disables.
	IdleTimeout time.Duration
	// PingInterval enables channel keepalive pings. Zero disables.
	PingInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics // optional; nil disables metrics
}

// Session owns one client channel and, once opened, one upstream
// connection.
type Session struct {
	id  string
	ch  Channel
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	state    State
	reason   protocol.CloseReason
	user     *users.User
	hs       *protocol.Handshake
	upstream net.Conn
	stats    Stats

	closeOnce sync.Once
}

// New creates a session for ch. Run must be called exactly once.
func New(id string, ch Channel, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Session{
		id:  id,
		ch:  ch,
		cfg: cfg,
		log: cfg.Logger.With("session", id),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session closed. It is meaningful only once State
// is StateClosed.
func (s *Session) Reason() protocol.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Stats returns the relayed byte counts. They are final once Run returns.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close ends the session with reason, closing both the channel and the
// upstream connection. It is safe to call more than once and from any
// goroutine; only the first reason is kept.
func (s *Session) Close(reason protocol.CloseReason) error {
	return s.closeWith(reason, false)
}

// abort is Close, except that a channel implementing Aborter is torn down
// without waiting on the peer.
func (s *Session) abort(reason protocol.CloseReason) error {
	return s.closeWith(reason, true)
}

func (s *Session) closeWith(reason protocol.CloseReason, abort bool) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.reason = reason
		up := s.upstream
		s.mu.Unlock()

		if up != nil {
			_ = up.Close()
		}
		if a, ok := s.ch.(Aborter); ok && abort {
			_ = a.Abort(reason)
			return
		}
		_ = s.ch.Close(reason)
	})
	return nil
}

// Run drives the session to completion. It returns nil for a normal close
// and otherwise the error that ended the session. The channel and the
// upstream connection are always closed on return.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	conn, payload, err := s.handshake(ctx)
	if err != nil {
		_ = s.Close(protocol.ReasonFor(err))
		reason := s.Reason()
		s.log.Warn("handshake failed", "reason", reason, "error", err)
		s.cfg.Metrics.SessionError(metrics.RoleServer, reason)
		return err
	}

	target := s.hs.Target()
	tracker := s.cfg.Metrics.SessionOpened(metrics.RoleServer, target)
	s.log.Info("session relaying", "user", s.user.Name(), "command", s.hs.Command, "target", target)

	stats, err := s.relay(ctx, conn, payload)
	reason := protocol.ReasonFor(err)
	_ = s.Close(reason)
	// A close that raced ahead of the relay keeps its own reason.
	reason = s.Reason()

	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()

	tracker.Done(time.Since(start).Seconds(), stats.Up, stats.Down, reason)
	if reason != protocol.ReasonNormal && reason != protocol.ReasonShutdown {
		s.cfg.Metrics.SessionError(metrics.RoleServer, reason)
		s.log.Warn("session ended", "target", target, "reason", reason, "error", err, "up", stats.Up, "down", stats.Down)
		return err
	}
	s.log.Info("session closed", "target", target, "reason", reason, "up", stats.Up, "down", stats.Down)
	return nil
}

// handshake runs the session from AwaitingHandshake until just before
// Relaying. On success it returns the upstream connection and the payload
// bytes that trailed the header.
func (s *Session) handshake(ctx context.Context) (net.Conn, []byte, error) {
	hsCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := time.AfterFunc(s.cfg.HandshakeTimeout, func() {
		cancel(protocol.ErrHandshakeTimeout)
		// Unblocks a pending channel read. A silent peer never answers a
		// close frame, so the channel is dropped outright.
		_ = s.abort(protocol.ReasonHandshakeTimeout)
	})
	defer timer.Stop()

	// A timeout always wins over whatever error it provoked.
	fail := func(err error) (net.Conn, []byte, error) {
		if cause := context.Cause(hsCtx); errors.Is(cause, protocol.ErrHandshakeTimeout) {
			return nil, nil, protocol.ErrHandshakeTimeout
		}
		return nil, nil, err
	}

	binary, msg, err := s.ch.ReadMessage(ctx)
	if err != nil {
		return fail(fmt.Errorf("read handshake: %w", handshakeReadErr(err)))
	}
	if !binary {
		return fail(fmt.Errorf("handshake is not a binary message: %w", protocol.ErrTruncated))
	}

	if !s.advance(StateAuthenticating) {
		return fail(errClosed)
	}
	hs, err := protocol.ParseHandshake(msg)
	if err != nil {
		return fail(err)
	}
	user, err := s.cfg.Users.Authenticate(hs.UserID)
	if err != nil {
		return fail(err)
	}
	s.mu.Lock()
	s.hs, s.user = hs, user
	s.mu.Unlock()
	s.log.Debug("handshake accepted", "user", user.Name(), "command", hs.Command, "target", hs.Target())

	host := hs.Address.String()
	if s.cfg.Allow != nil && !s.cfg.Allow(host, hs.Port) {
		return fail(fmt.Errorf("%s: %w", hs.Target(), protocol.ErrNotAllowed))
	}

	if !s.advance(StateOpeningUpstream) {
		return fail(errClosed)
	}
	dialCtx, dialCancel := context.WithTimeout(hsCtx, s.cfg.ConnectTimeout)
	defer dialCancel()
	dialStart := time.Now()
	conn, err := s.cfg.Dialer.Dial(dialCtx, hs.Command.Network(), host, hs.Port)
	s.cfg.Metrics.ObserveDial(metrics.RoleServer, time.Since(dialStart).Seconds(), err)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(fmt.Errorf("%w: %s: %w", protocol.ErrUpstreamConnect, hs.Target(), err))
	}

	// Stop reports false once the timeout has started closing the session.
	if !timer.Stop() || !s.attach(conn) {
		_ = conn.Close()
		return fail(errClosed)
	}
	return conn, msg[hs.PayloadOffset:], nil
}

// advance moves to next unless the session has already closed.
func (s *Session) advance(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = next
	return true
}

// attach records the upstream connection and enters Relaying.
func (s *Session) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.upstream = conn
	s.state = StateRelaying
	return true
}

// relay sends the handshake response, forwards the trailing payload, and
// pumps data until the session ends.
func (s *Session) relay(ctx context.Context, conn net.Conn, payload []byte) (Stats, error) {
	var first Stats
	if err := s.ch.WriteMessage(ctx, protocol.BuildResponse()); err != nil {
		return first, fmt.Errorf("%w: write response: %w", protocol.ErrChannel, err)
	}

	opts := PumpOptions{IdleTimeout: s.cfg.IdleTimeout, PingInterval: s.cfg.PingInterval}
	var stats Stats
	var err error
	if s.hs.Command == protocol.CommandUDP {
		var up atomic.Int64
		if len(payload) > 0 {
			if err := writeDatagrams(conn, payload, &up); err != nil {
				return Stats{Up: up.Load()}, err
			}
		}
		first.Up = up.Load()
		stats, err = PumpDatagrams(ctx, s.ch, conn, opts)
	} else {
		if len(payload) > 0 {
			n, err := conn.Write(payload)
			first.Up = int64(n)
			if err != nil {
				return first, fmt.Errorf("%w: write: %w", protocol.ErrUpstream, err)
			}
		}
		stats, err = Pump(ctx, s.ch, conn, opts)
	}
	stats.Up += first.Up
	return stats, err
}

// handshakeReadErr tags a failed handshake read as a channel error. A peer
// that closes before sending anything is one too.
func handshakeReadErr(err error) error {
	if wrapped := channelErr(err); wrapped != nil {
		return wrapped
	}
	return fmt.Errorf("%w: closed before handshake", protocol.ErrChannel)
}
