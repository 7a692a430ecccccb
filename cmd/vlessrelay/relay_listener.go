package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/vlessrelay/internal/listener"
)

func relayListenerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay-listener [hyco]",
		Short: "Accept channels from an Azure Relay hybrid connection",
		Long: `Listen on an Azure Relay hybrid connection and run a relay session on
every rendezvous connection. No inbound port is needed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRelayListener,
	}
	addRelayFlags(cmd)
	addSessionFlags(cmd)
	cmd.Flags().Duration("dial-timeout", 30*time.Second, "timeout for control channel and rendezvous dials")
	return cmd
}

func runRelayListener(cmd *cobra.Command, args []string) error {
	endpoint, tp, ok, err := resolveRelay(cmd, args)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("relay namespace is required: use --relay or set VLESSRELAY_RELAY_NAME")
	}

	logger := cmdLogger(cmd)
	ctx, stop := signalContext()
	defer stop()

	cfg, err := resolveListenerConfig(ctx, cmd, logger)
	if err != nil {
		return err
	}
	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")

	return ignoreCanceled(listener.ServeRelay(ctx, cfg, listener.RelayConfig{
		Endpoint:    endpoint,
		Tokens:      tp,
		DialTimeout: dialTimeout,
	}))
}
