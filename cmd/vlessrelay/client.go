package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/philsphicas/vlessrelay/internal/sender"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Open tunnels through a relay server",
		Long: `Open local ports or stdin/stdout and tunnel connections through a relay
server, reached with --server ws(s)://host/path or through an Azure Relay
hybrid connection with --relay and --hyco.`,
	}
	cmd.AddCommand(portForwardCmd())
	cmd.AddCommand(socks5ProxyCmd())
	cmd.AddCommand(connectCmd())
	return cmd
}

// addClientFlags adds the flags shared by the client modes.
func addClientFlags(cmd *cobra.Command) {
	addRelayFlags(cmd)
	cmd.Flags().String("server", "", "server WebSocket URL (ws:// or wss://)")
	cmd.Flags().String("uuid", "", "user id to authenticate with")
	cmd.Flags().Bool("early-data", false, "send the request header with the WebSocket upgrade")
	cmd.Flags().Bool("insecure", false, "skip TLS certificate verification for wss")
	cmd.Flags().Duration("dial-timeout", 30*time.Second, "server dial timeout; for --relay, the total retry budget (0 = single attempt)")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval for local connections")
	cmd.Flags().Duration("ping-interval", 30*time.Second, "WebSocket keepalive ping interval")
}

// addBindFlags adds the local listener flags.
func addBindFlags(cmd *cobra.Command, def string) {
	cmd.Flags().StringP("bind", "b", def, "local bind address:port")
	cmd.Flags().Bool("gateway", false, "bind to 0.0.0.0 instead of 127.0.0.1")
}

func resolveBind(cmd *cobra.Command) string {
	bind, _ := cmd.Flags().GetString("bind")
	if gateway, _ := cmd.Flags().GetBool("gateway"); gateway {
		_, port, _ := net.SplitHostPort(bind)
		if port == "" {
			port = "0"
		}
		bind = "0.0.0.0:" + port
	}
	return bind
}

// resolveClientConfig builds the sender configuration from flags and the
// VLESSRELAY_SERVER and VLESSRELAY_UUID variables.
func resolveClientConfig(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (sender.Config, error) {
	var cfg sender.Config

	rawID := stringFlag(cmd, "uuid", "VLESSRELAY_UUID")
	if rawID == "" {
		return cfg, errors.New("user id is required: use --uuid or set VLESSRELAY_UUID")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return cfg, fmt.Errorf("parse --uuid: %w", err)
	}
	cfg.User = id

	cfg.Server = stringFlag(cmd, "server", "VLESSRELAY_SERVER")
	if cfg.Server == "" {
		endpoint, tp, ok, err := resolveRelay(cmd, nil)
		if err != nil {
			return cfg, err
		}
		if !ok {
			return cfg, errors.New("a server is required: use --server, or --relay with --hyco")
		}
		cfg.Relay, cfg.Tokens = &endpoint, tp
	}

	cfg.EarlyData, _ = cmd.Flags().GetBool("early-data")
	cfg.Insecure, _ = cmd.Flags().GetBool("insecure")
	cfg.DialTimeout, _ = cmd.Flags().GetDuration("dial-timeout")
	cfg.TCPKeepAlive, _ = cmd.Flags().GetDuration("tcp-keepalive")
	cfg.PingInterval, _ = cmd.Flags().GetDuration("ping-interval")
	cfg.Logger = logger
	if cfg.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func portForwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port-forward <host:port>",
		Short: "Forward a local port through the relay to a specific target",
		Long: `Start a local TCP listener and forward each connection through the
relay server to the specified target host:port.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cmdLogger(cmd)
			ctx, stop := signalContext()
			defer stop()

			cfg, err := resolveClientConfig(ctx, cmd, logger)
			if err != nil {
				return err
			}
			return ignoreCanceled(sender.PortForward(ctx, sender.PortForwardConfig{
				Config:      cfg,
				Target:      args[0],
				BindAddress: resolveBind(cmd),
			}))
		},
	}
	addClientFlags(cmd)
	addBindFlags(cmd, "127.0.0.1:0")
	return cmd
}

func socks5ProxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "socks5-proxy",
		Short: "Run a local SOCKS5 proxy that tunnels through the relay",
		Long: `Start a local SOCKS5 proxy. Each CONNECT request opens a tunnel to the
requested destination through the relay server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := cmdLogger(cmd)
			ctx, stop := signalContext()
			defer stop()

			cfg, err := resolveClientConfig(ctx, cmd, logger)
			if err != nil {
				return err
			}
			return ignoreCanceled(sender.SOCKS5Proxy(ctx, sender.SOCKS5Config{
				Config:      cfg,
				BindAddress: resolveBind(cmd),
			}))
		},
	}
	addClientFlags(cmd)
	addBindFlags(cmd, "127.0.0.1:1080")
	return cmd
}

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "One-shot stdin/stdout connection through the relay",
		Long: `Open a tunnel to host:port and bridge stdin/stdout with it. Exits when
the connection closes. Designed for use as an SSH ProxyCommand.

Example:
  ssh -o ProxyCommand="vlessrelay client connect --server wss://relay.example.com/ws --uuid $ID %%h:%%p" user@host`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cmdLogger(cmd)
			ctx, stop := signalContext()
			defer stop()

			cfg, err := resolveClientConfig(ctx, cmd, logger)
			if err != nil {
				return err
			}
			return ignoreCanceled(sender.Connect(ctx, sender.ConnectConfig{
				Config: cfg,
				Target: args[0],
				Stdin:  os.Stdin,
				Stdout: os.Stdout,
			}))
		},
	}
	addClientFlags(cmd)
	return cmd
}
