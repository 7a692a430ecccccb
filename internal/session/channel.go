package session

import (
	"context"
	"net"

	"github.com/philsphicas/vlessrelay/internal/protocol"
)

// Channel is a message-oriented duplex transport to the remote peer.
type Channel interface {
	// ReadMessage blocks for the next message. binary reports whether the
	// peer sent it as a binary frame. A normal close by the peer is io.EOF.
	ReadMessage(ctx context.Context) (binary bool, data []byte, err error)
	// WriteMessage sends data as one binary message. It must not retain
	// data after returning.
	WriteMessage(ctx context.Context, data []byte) error
	// Close closes the channel with reason. Only the first call has any
	// effect; later calls return nil.
	Close(reason protocol.CloseReason) error
}

// Aborter is implemented by channels that can be torn down at once, without
// a closing exchange with the peer.
type Aborter interface {
	Abort(reason protocol.CloseReason) error
}

// Pinger is implemented by channels that support keepalive pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dialer opens upstream connections. network is "tcp" or "udp".
type Dialer interface {
	Dial(ctx context.Context, network, host string, port uint16) (net.Conn, error)
}
