package sender

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// ConnectConfig holds configuration for the connect (stdin/stdout) mode.
type ConnectConfig struct {
	Config
	Target string // host:port
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
}

// Connect opens one tunnel and bridges stdin/stdout with it. It returns
// when either side closes. Suitable as an ssh ProxyCommand.
func Connect(ctx context.Context, cfg ConnectConfig) error {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	host, port, err := splitTarget(cfg.Target)
	if err != nil {
		return err
	}

	t, err := open(ctx, &cfg.Config, host, port)
	if err != nil {
		return err
	}
	cfg.Logger.Debug("connected", "target", cfg.Target)
	return t.relay(ctx, &cfg.Config, &stdioConn{in: cfg.Stdin, out: cfg.Stdout})
}

// stdioConn adapts stdin/stdout to net.Conn.
type stdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (c *stdioConn) Read(b []byte) (int, error)       { return c.in.Read(b) }
func (c *stdioConn) Write(b []byte) (int, error)      { return c.out.Write(b) }
func (c *stdioConn) Close() error                     { return errors.Join(c.in.Close(), c.out.Close()) }
func (c *stdioConn) LocalAddr() net.Addr              { return stubAddr{} }
func (c *stdioConn) RemoteAddr() net.Addr             { return stubAddr{} }
func (c *stdioConn) SetDeadline(time.Time) error      { return nil }
func (c *stdioConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stdioConn) SetWriteDeadline(time.Time) error { return nil }

type stubAddr struct{}

func (stubAddr) Network() string { return "stdio" }
func (stubAddr) String() string  { return "stdio" }
