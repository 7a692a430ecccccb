package sender

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/philsphicas/vlessrelay/internal/protocol"
	"github.com/philsphicas/vlessrelay/internal/sender/socks5"
)

const socks5HandshakeTimeout = 30 * time.Second

// SOCKS5Config holds configuration for socks5-proxy mode.
type SOCKS5Config struct {
	Config
	BindAddress string // local address:port to listen on
}

// SOCKS5Proxy starts a local SOCKS5 proxy and opens a tunnel for each
// CONNECT request, to the destination named in the request. It blocks
// until ctx is cancelled.
func SOCKS5Proxy(ctx context.Context, cfg SOCKS5Config) error {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
	}
	cfg.Logger.Info("socks5-proxy listening", "bind", ln.Addr().String())
	return socks5Proxy(ctx, cfg, ln)
}

func socks5Proxy(ctx context.Context, cfg SOCKS5Config, ln net.Listener) error {
	return serveLocal(ctx, ln, cfg.Logger, func(conn net.Conn) error {
		return handleSOCKS5(ctx, conn, &cfg.Config)
	})
}

func handleSOCKS5(ctx context.Context, conn net.Conn, cfg *Config) error {
	setTCPKeepAlive(conn, cfg.TCPKeepAlive)

	_ = conn.SetReadDeadline(time.Now().Add(socks5HandshakeTimeout))
	req, err := socks5.Handshake(conn)
	if err != nil {
		return fmt.Errorf("socks5 handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	cfg.Logger.Info("socks5 connect", "target", req.String())
	t, err := open(ctx, cfg, req.Host, req.Port)
	if err != nil {
		_ = socks5.SendReply(conn, socks5.RepHostUnreachable, netip.AddrPort{})
		return err
	}

	var bind netip.AddrPort
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		bind = tcpAddr.AddrPort()
	}
	if err := socks5.SendReply(conn, socks5.RepSuccess, bind); err != nil {
		_ = t.ch.Close(protocol.ReasonNormal)
		return fmt.Errorf("socks5 reply: %w", err)
	}
	return t.relay(ctx, cfg, conn)
}
