package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/vlessrelay/internal/listener"
	"github.com/philsphicas/vlessrelay/internal/metrics"
	"github.com/philsphicas/vlessrelay/internal/session"
	"github.com/philsphicas/vlessrelay/internal/upstream"
	"github.com/philsphicas/vlessrelay/internal/users"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept WebSocket channels and relay them to their destinations",
		Long: `Serve the relay endpoint over HTTP (or HTTPS with --tls-cert/--tls-key).
Each WebSocket channel carries one authenticated request naming a TCP or
UDP destination, followed by the relayed bytes.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("listen", ":8080", "address to listen on")
	cmd.Flags().String("path", "/", "WebSocket endpoint path")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	addSessionFlags(cmd)
	return cmd
}

// addSessionFlags adds the flags shared by every inbound transport.
func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("users-file", "", "YAML file of authorized users")
	cmd.Flags().StringSlice("user", nil, "authorized user id (repeatable)")
	cmd.Flags().StringSlice("allow", nil, "allowed destinations (host:port, CIDR:port, CIDR:*, *)")
	cmd.Flags().Int("max-connections", 0, "max concurrent channels (0 = unlimited)")
	cmd.Flags().Duration("handshake-timeout", session.DefaultHandshakeTimeout, "time allowed from accept until relaying starts")
	cmd.Flags().Duration("connect-timeout", session.DefaultConnectTimeout, "timeout for dialing destinations")
	cmd.Flags().Duration("idle-timeout", 0, "close relaying sessions idle this long (0 = disabled)")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval for destination connections")
	cmd.Flags().Duration("ping-interval", 30*time.Second, "WebSocket keepalive ping interval (0 = disabled)")
	cmd.Flags().String("upstream-proxy", "", "dial TCP destinations through this SOCKS5 proxy (socks5://[user:pass@]host:port)")
	cmd.Flags().String("session-id", session.IDFormatUUID, "session id format (uuid, cuid)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := cmdLogger(cmd)
	ctx, stop := signalContext()
	defer stop()

	cfg, err := resolveListenerConfig(ctx, cmd, logger)
	if err != nil {
		return err
	}
	cfg.Addr, _ = cmd.Flags().GetString("listen")
	cfg.Path, _ = cmd.Flags().GetString("path")
	cfg.TLSCert, _ = cmd.Flags().GetString("tls-cert")
	cfg.TLSKey, _ = cmd.Flags().GetString("tls-key")

	return ignoreCanceled(listener.ListenAndServe(ctx, cfg))
}

// resolveListenerConfig builds the transport-independent listener
// configuration from the session flags.
func resolveListenerConfig(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (listener.Config, error) {
	reg, err := resolveUsers(cmd)
	if err != nil {
		return listener.Config{}, err
	}

	allowList, _ := cmd.Flags().GetStringSlice("allow")
	allow, err := listener.AllowFunc(allowList)
	if err != nil {
		return listener.Config{}, err
	}

	connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
	keepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")
	dialer, err := upstream.New(upstream.Config{
		Timeout:   connectTimeout,
		KeepAlive: keepAlive,
		Proxy:     stringFlag(cmd, "upstream-proxy", "VLESSRELAY_UPSTREAM_PROXY"),
	})
	if err != nil {
		return listener.Config{}, err
	}
	if dialer.Proxied() {
		logger.Info("tcp destinations dialed through upstream SOCKS5 proxy; udp requests will be refused")
	}

	idFormat, _ := cmd.Flags().GetString("session-id")
	newID, err := session.NewIDFunc(idFormat)
	if err != nil {
		return listener.Config{}, err
	}

	var m *metrics.Metrics
	if m, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return listener.Config{}, err
	}

	handshakeTimeout, _ := cmd.Flags().GetDuration("handshake-timeout")
	idleTimeout, _ := cmd.Flags().GetDuration("idle-timeout")
	pingInterval, _ := cmd.Flags().GetDuration("ping-interval")
	maxConn, _ := cmd.Flags().GetInt("max-connections")

	logger.Info("users loaded", "count", reg.Len())
	return listener.Config{
		MaxConnections: maxConn,
		NewID:          newID,
		Logger:         logger,
		Session: session.Config{
			Users:            reg,
			Dialer:           dialer,
			Allow:            allow,
			HandshakeTimeout: handshakeTimeout,
			ConnectTimeout:   connectTimeout,
			IdleTimeout:      idleTimeout,
			PingInterval:     pingInterval,
			Logger:           logger,
			Metrics:          m,
		},
	}, nil
}

// resolveUsers loads the user registry from --users-file, --user, and the
// VLESSRELAY_USERS_FILE and VLESSRELAY_USERS (comma-separated) variables.
func resolveUsers(cmd *cobra.Command) (*users.Registry, error) {
	var all []users.User

	if path := stringFlag(cmd, "users-file", "VLESSRELAY_USERS_FILE"); path != "" {
		list, err := users.LoadFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, list...)
	}

	ids, _ := cmd.Flags().GetStringSlice("user")
	if env := os.Getenv("VLESSRELAY_USERS"); env != "" && !cmd.Flags().Changed("user") {
		for _, id := range strings.Split(env, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	list, err := users.ParseIDs(ids)
	if err != nil {
		return nil, err
	}
	all = append(all, list...)

	if len(all) == 0 {
		return nil, fmt.Errorf("no users configured: use --users-file, --user, or set VLESSRELAY_USERS")
	}
	return users.New(all)
}
