// Package sender implements the client modes: port-forward, socks5-proxy,
// and connect (stdin/stdout). Each local connection becomes one tunnel: a
// WebSocket to the server, reached directly or through an Azure Relay
// hybrid connection, that carries a request header and then raw bytes.
package sender

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/philsphicas/vlessrelay/internal/hyco"
	"github.com/philsphicas/vlessrelay/internal/metrics"
	"github.com/philsphicas/vlessrelay/internal/protocol"
	"github.com/philsphicas/vlessrelay/internal/session"
)

const (
	defaultDialTimeout  = 30 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultKeepAlive    = 30 * time.Second
)

// Config describes how to reach the server. Exactly one of Server and
// Relay must be set.
type Config struct {
	Server string // ws:// or wss:// URL
	Relay  *hyco.Endpoint
	Tokens hyco.TokenProvider // required with Relay

	User      uuid.UUID
	EarlyData bool // send the request header with the upgrade
	Insecure  bool // skip TLS verification for wss

	// DialTimeout bounds a direct dial. For Relay it is the total retry
	// budget; 0 means a single attempt.
	DialTimeout  time.Duration
	TCPKeepAlive time.Duration
	PingInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics // optional; nil disables metrics
}

func (cfg *Config) setDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = defaultKeepAlive
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
}

func (cfg *Config) validate() error {
	switch {
	case cfg.Server != "" && cfg.Relay != nil:
		return errors.New("server url and relay are mutually exclusive")
	case cfg.Relay != nil:
		if cfg.Tokens == nil {
			return errors.New("relay requires a token provider")
		}
	case cfg.Server != "":
		u, err := url.Parse(cfg.Server)
		if err != nil {
			return fmt.Errorf("server url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("server url scheme %q: want ws or wss", u.Scheme)
		}
	default:
		return errors.New("server url or relay is required")
	}
	if cfg.User == uuid.Nil {
		return errors.New("user id is required")
	}
	return nil
}

// tunnel is an accepted request whose response has been checked.
type tunnel struct {
	ch       *session.WebSocket
	leftover []byte
	target   string
	start    time.Time
}

// open dials the server and completes the request handshake for
// host:port.
func open(ctx context.Context, cfg *Config, host string, port uint16) (*tunnel, error) {
	req, err := protocol.AppendRequest(nil, cfg.User, protocol.CommandTCP, host, port)
	if err != nil {
		return nil, err
	}
	t := &tunnel{target: net.JoinHostPort(host, strconv.Itoa(int(port))), start: time.Now()}

	ws, err := dial(ctx, cfg, req)
	if err != nil {
		return nil, err
	}
	t.ch = session.NewWebSocket(ws, nil)

	if !cfg.EarlyData {
		if err := t.ch.WriteMessage(ctx, req); err != nil {
			_ = t.ch.Close(protocol.ReasonChannelError)
			return nil, fmt.Errorf("send request: %w", err)
		}
	}

	binary, resp, err := t.ch.ReadMessage(ctx)
	if err != nil {
		_ = t.ch.Close(protocol.ReasonChannelError)
		if status := websocket.CloseStatus(err); status != -1 {
			return nil, fmt.Errorf("server closed tunnel to %s: status %d", t.target, status)
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("server closed tunnel to %s", t.target)
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !binary {
		_ = t.ch.Close(protocol.ReasonInvalidData)
		return nil, fmt.Errorf("read response: text message: %w", protocol.ErrTruncated)
	}
	if t.leftover, err = protocol.CheckResponse(resp); err != nil {
		_ = t.ch.Close(protocol.ReasonInvalidData)
		return nil, err
	}
	return t, nil
}

func dial(ctx context.Context, cfg *Config, req []byte) (*websocket.Conn, error) {
	var early string
	if cfg.EarlyData {
		early = base64.RawURLEncoding.EncodeToString(req)
	}

	start := time.Now()
	var ws *websocket.Conn
	var err error
	if cfg.Relay != nil {
		var header http.Header
		if early != "" {
			header = http.Header{hyco.EarlyDataHeader: {early}}
		}
		onRetry := func() { cfg.Metrics.IncrDialRetries(metrics.RoleClient) }
		ws, err = hyco.DialWithRetry(ctx, *cfg.Relay, cfg.Tokens, header, cfg.DialTimeout, onRetry, cfg.Logger)
	} else {
		opts := &websocket.DialOptions{CompressionMode: websocket.CompressionDisabled}
		if early != "" {
			opts.Subprotocols = []string{early}
		}
		if cfg.Insecure {
			opts.HTTPClient = &http.Client{Transport: &http.Transport{
				//nolint:gosec // G402: opt-in for self-signed servers
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}}
		}
		timeout := cfg.DialTimeout
		if timeout <= 0 {
			timeout = defaultDialTimeout
		}
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		ws, _, err = websocket.Dial(dialCtx, cfg.Server, opts)
		cancel()
		if err != nil {
			err = fmt.Errorf("dial server: %w", err)
		}
	}
	cfg.Metrics.ObserveDial(metrics.RoleClient, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// relay writes any payload that trailed the response to local and then
// pumps bytes until either side closes.
func (t *tunnel) relay(ctx context.Context, cfg *Config, local net.Conn) error {
	tracker := cfg.Metrics.SessionOpened(metrics.RoleClient, t.target)
	if len(t.leftover) > 0 {
		if _, err := local.Write(t.leftover); err != nil {
			_ = t.ch.Close(protocol.ReasonUpstreamError)
			_ = local.Close()
			tracker.Done(time.Since(t.start).Seconds(), 0, int64(len(t.leftover)), protocol.ReasonUpstreamError)
			return fmt.Errorf("write local: %w", err)
		}
	}

	// Pump counts channel-to-local as Up; for the client that is the
	// download direction.
	stats, err := session.Pump(ctx, t.ch, local, session.PumpOptions{PingInterval: cfg.PingInterval})
	reason := protocol.ReasonFor(err)
	tracker.Done(time.Since(t.start).Seconds(), stats.Down, stats.Up+int64(len(t.leftover)), reason)
	if reason != protocol.ReasonNormal && reason != protocol.ReasonShutdown {
		cfg.Metrics.SessionError(metrics.RoleClient, reason)
		return err
	}
	cfg.Logger.Debug("tunnel closed", "target", t.target, "sent", stats.Down, "received", stats.Up)
	return nil
}

// splitTarget parses host:port.
func splitTarget(target string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("target %q: %w", target, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || host == "" {
		return "", 0, fmt.Errorf("target %q: invalid host or port", target)
	}
	return host, uint16(port), nil
}

// setTCPKeepAlive enables TCP keepalive on conn if it is a *net.TCPConn
// and d > 0.
func setTCPKeepAlive(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(d)
}

// serveLocal accepts connections on ln until ctx is cancelled and runs
// handle on each.
func serveLocal(ctx context.Context, ln net.Listener, logger *slog.Logger, handle func(net.Conn) error) error {
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.Warn("accept failed", "error", err)
			continue
		}
		go func() {
			defer conn.Close() //nolint:errcheck // best-effort cleanup
			if err := handle(conn); err != nil {
				logger.Warn("tunnel failed", "error", err)
			}
		}()
	}
}
