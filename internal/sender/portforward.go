package sender

import (
	"context"
	"fmt"
	"net"
)

// PortForwardConfig holds configuration for port-forward mode.
type PortForwardConfig struct {
	Config
	Target      string // host:port the server connects to
	BindAddress string // local address:port to listen on
}

// PortForward starts a local TCP listener and forwards each connection
// through a tunnel to the configured target. It blocks until ctx is
// cancelled.
func PortForward(ctx context.Context, cfg PortForwardConfig) error {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	if _, _, err := splitTarget(cfg.Target); err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
	}
	cfg.Logger.Info("port-forward listening", "bind", ln.Addr().String(), "target", cfg.Target)
	return portForward(ctx, cfg, ln)
}

func portForward(ctx context.Context, cfg PortForwardConfig, ln net.Listener) error {
	host, port, err := splitTarget(cfg.Target)
	if err != nil {
		return err
	}
	return serveLocal(ctx, ln, cfg.Logger, func(conn net.Conn) error {
		setTCPKeepAlive(conn, cfg.TCPKeepAlive)
		t, err := open(ctx, &cfg.Config, host, port)
		if err != nil {
			return err
		}
		return t.relay(ctx, &cfg.Config, conn)
	})
}
