package listener

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/vlessrelay/internal/hyco"
	"github.com/philsphicas/vlessrelay/internal/session"
)

// RelayConfig selects the hybrid connection that delivers channels.
type RelayConfig struct {
	Endpoint    hyco.Endpoint
	Tokens      hyco.TokenProvider
	DialTimeout time.Duration
}

// ServeRelay listens on an Azure Relay hybrid connection and runs a session
// on every rendezvous connection. It blocks until ctx is cancelled. Addr,
// Path and the TLS settings of cfg are not used.
func ServeRelay(ctx context.Context, cfg Config, rc RelayConfig) error {
	cfg.setDefaults()
	s := &Server{cfg: cfg}
	m := cfg.Session.Metrics

	if cfg.Session.Allow == nil {
		cfg.Logger.Warn("no allowlist configured, all destinations will be permitted")
	}
	return hyco.Listen(ctx, hyco.ListenConfig{
		Endpoint:       rc.Endpoint,
		Tokens:         rc.Tokens,
		MaxConnections: cfg.MaxConnections,
		DialTimeout:    rc.DialTimeout,
		Logger:         cfg.Logger,
		Handler: func(ctx context.Context, ws *websocket.Conn, headers http.Header) {
			s.run(ctx, session.NewWebSocket(ws, earlyData(headers.Get(hyco.EarlyDataHeader))), "relay:"+rc.Endpoint.EntityPath)
		},
		OnConnect:    func() { m.SetControlChannelConnected(true) },
		OnDisconnect: func() { m.SetControlChannelConnected(false) },
	})
}
