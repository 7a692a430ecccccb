package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"

	"github.com/philsphicas/vlessrelay/internal/hyco"
	"github.com/philsphicas/vlessrelay/internal/metrics"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "vlessrelay",
		Short:        "VLESS-style WebSocket relay",
		Long:         "Relay authenticated TCP and UDP streams carried over WebSocket channels.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	cmd.PersistentFlags().Int("metrics-max-targets", 500, "max unique target labels in metrics (0 = unlimited)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(relayListenerCmd())
	cmd.AddCommand(clientCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func cmdLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return newLogger(level)
}

// stringFlag returns the flag value, falling back to the environment
// variable env when the flag was not set.
func stringFlag(cmd *cobra.Command, name, env string) string {
	v, _ := cmd.Flags().GetString(name)
	if v == "" && !cmd.Flags().Changed(name) {
		v = os.Getenv(env)
	}
	return v
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or VLESSRELAY_METRICS_ADDR is set. Returns nil if metrics
// are disabled. The server shuts down when ctx is cancelled.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr := stringFlag(cmd, "metrics-addr", "VLESSRELAY_METRICS_ADDR")
	if addr == "" {
		return nil, nil
	}
	maxTargets, _ := cmd.Flags().GetInt("metrics-max-targets")
	if maxTargets < 0 {
		return nil, fmt.Errorf("--metrics-max-targets must be >= 0, got %d", maxTargets)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	m.MaxTargets = maxTargets
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

// addRelayFlags adds the Azure Relay flags to a command.
func addRelayFlags(cmd *cobra.Command) {
	cmd.Flags().String("relay", "", "Azure Relay namespace name, FQDN, or URI")
	cmd.Flags().String("hyco", "", "hybrid connection name")
	cmd.Flags().String("relay-suffix", "", "namespace suffix for sovereign clouds (default: .servicebus.windows.net)")
}

// resolveRelay determines the hybrid connection and token provider from
// flags and environment variables. ok is false when no namespace is given.
//
// Auth: VLESSRELAY_KEY_NAME + VLESSRELAY_KEY select SAS; otherwise Entra ID
// via DefaultAzureCredential.
func resolveRelay(cmd *cobra.Command, args []string) (e hyco.Endpoint, tp hyco.TokenProvider, ok bool, err error) {
	ns := stringFlag(cmd, "relay", "VLESSRELAY_RELAY_NAME")
	if ns == "" {
		return hyco.Endpoint{}, nil, false, nil
	}
	suffix := stringFlag(cmd, "relay-suffix", "VLESSRELAY_RELAY_SUFFIX")
	if suffix == "" {
		suffix = hyco.DefaultSuffix
	}
	e.Host = hyco.ParseNamespace(ns, suffix)

	e.EntityPath, _ = cmd.Flags().GetString("hyco")
	if e.EntityPath == "" && len(args) > 0 {
		e.EntityPath = args[0]
	}
	if e.EntityPath == "" {
		e.EntityPath = os.Getenv("VLESSRELAY_HYCO_NAME")
	}
	if e.EntityPath == "" {
		return e, nil, true, fmt.Errorf("hybrid connection name is required: use --hyco or set VLESSRELAY_HYCO_NAME")
	}

	keyName, key := os.Getenv("VLESSRELAY_KEY_NAME"), os.Getenv("VLESSRELAY_KEY")
	if keyName != "" && key != "" {
		return e, &hyco.SASTokenProvider{KeyName: keyName, Key: key}, true, nil
	}
	entra, err := hyco.NewEntraTokenProvider(nil)
	if err != nil {
		return e, nil, true, fmt.Errorf("no SAS credentials found (VLESSRELAY_KEY_NAME/VLESSRELAY_KEY) and Entra auth failed: %w", err)
	}
	return e, entra, true, nil
}
