// Package upstream opens connections from the relay to client-requested
// destinations, directly or through a SOCKS5 proxy.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// ErrUDPViaProxy is returned when a UDP destination is requested while an
// upstream proxy is configured.
var ErrUDPViaProxy = errors.New("udp is not supported through an upstream proxy")

// Config holds dialer settings.
type Config struct {
	// Timeout bounds a single dial. The caller's context may be shorter.
	Timeout time.Duration
	// KeepAlive is the TCP keepalive period. Zero uses the OS default;
	// negative disables keepalive.
	KeepAlive time.Duration
	// Proxy is an optional socks5:// or socks5h:// URL, with optional
	// user:password, through which TCP connections are made.
	Proxy string
}

// Dialer opens upstream connections.
type Dialer struct {
	direct *net.Dialer
	proxy  proxy.ContextDialer
}

// New builds a Dialer from cfg.
func New(cfg Config) (*Dialer, error) {
	d := &Dialer{direct: &net.Dialer{Timeout: cfg.Timeout, KeepAlive: cfg.KeepAlive}}
	if cfg.Proxy == "" {
		return d, nil
	}

	pd, err := socks5Dialer(cfg.Proxy, d.direct)
	if err != nil {
		return nil, err
	}
	d.proxy = pd
	return d, nil
}

func socks5Dialer(raw string, forward *net.Dialer) (proxy.ContextDialer, error) {
	if !strings.Contains(raw, "://") {
		raw = "socks5://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("upstream proxy scheme %q is not socks5", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream proxy %q has no host", raw)
	}
	var auth *proxy.Auth
	if u.User != nil {
		auth = &proxy.Auth{User: u.User.Username()}
		auth.Password, _ = u.User.Password()
	}
	pd, err := proxy.SOCKS5("tcp", u.Host, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("upstream proxy: %w", err)
	}
	cd, ok := pd.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("upstream proxy dialer does not support contexts")
	}
	return cd, nil
}

// Dial connects to host:port. network is "tcp" or "udp".
func (d *Dialer) Dial(ctx context.Context, network, host string, port uint16) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	switch network {
	case "tcp":
		if d.proxy != nil {
			return d.proxy.DialContext(ctx, network, addr)
		}
		return d.direct.DialContext(ctx, network, addr)
	case "udp":
		if d.proxy != nil {
			return nil, ErrUDPViaProxy
		}
		return d.direct.DialContext(ctx, network, addr)
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}

// Proxied reports whether TCP connections go through an upstream proxy.
func (d *Dialer) Proxied() bool { return d.proxy != nil }
