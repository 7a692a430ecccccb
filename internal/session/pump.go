package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/philsphicas/vlessrelay/internal/protocol"
)

const (
	pingTimeout = 10 * time.Second

	// upstreamBufSize bounds a single read from the upstream connection. It
	// also covers the largest UDP datagram.
	upstreamBufSize = 64 * 1024
)

// Stats holds byte counters for a relay.
type Stats struct {
	Up   int64 // payload bytes from the channel to the upstream connection
	Down int64 // payload bytes from the upstream connection to the channel
}

// PumpOptions tunes a relay. The zero value disables both timers.
type PumpOptions struct {
	// IdleTimeout ends the relay when neither direction has moved data for
	// this long.
	IdleTimeout time.Duration
	// PingInterval sends keepalive pings if the channel is a Pinger.
	PingInterval time.Duration
}

// Pump copies data between ch and a stream connection until either side
// closes, an error occurs, or ctx is cancelled. Each channel message is
// written to conn verbatim and each read from conn becomes one message.
// On return both ch and conn are closed; ch is closed with the reason
// derived from the returned error.
func Pump(ctx context.Context, ch Channel, conn net.Conn, opts PumpOptions) (Stats, error) {
	return duplex(ctx, ch, conn, opts, channelToStream, streamToChannel)
}

// PumpDatagrams is Pump for a datagram connection. Channel messages carry
// length-prefixed datagrams in both directions.
func PumpDatagrams(ctx context.Context, ch Channel, conn net.Conn, opts PumpOptions) (Stats, error) {
	return duplex(ctx, ch, conn, opts, channelToDatagrams, datagramsToChannel)
}

type copyFunc func(ctx context.Context, ch Channel, conn net.Conn, count *atomic.Int64, act *activity) error

func duplex(ctx context.Context, ch Channel, conn net.Conn, opts PumpOptions, up, down copyFunc) (Stats, error) {
	var upBytes, downBytes atomic.Int64
	act := newActivity()

	// Copy loops are unblocked by closing ch and conn, not by cancellation,
	// so that ch still gets a close frame with the right reason.
	ioCtx := context.WithoutCancel(ctx)
	errc := make(chan error, 2)
	go func() { errc <- up(ioCtx, ch, conn, &upBytes, act) }()
	go func() { errc <- down(ioCtx, ch, conn, &downBytes, act) }()
	pending := 2

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p, ok := ch.(Pinger); ok && opts.PingInterval > 0 {
		go pingLoop(loopCtx, p, opts.PingInterval)
	}
	var idle <-chan time.Time
	if opts.IdleTimeout > 0 {
		ticker := time.NewTicker(idleCheckInterval(opts.IdleTimeout))
		defer ticker.Stop()
		idle = ticker.C
	}

	var err error
wait:
	for {
		select {
		case err = <-errc:
			pending--
			break wait
		case <-ctx.Done():
			err = ctx.Err()
			break wait
		case <-idle:
			if act.idleFor() >= opts.IdleTimeout {
				err = protocol.ErrIdleTimeout
				break wait
			}
		}
	}
	cancel()

	_ = ch.Close(protocol.ReasonFor(err))
	_ = conn.Close()
	for ; pending > 0; pending-- {
		<-errc
	}

	return Stats{Up: upBytes.Load(), Down: downBytes.Load()}, err
}

func idleCheckInterval(idle time.Duration) time.Duration {
	return min(max(idle/4, 10*time.Millisecond), time.Second)
}

// pingLoop sends periodic pings to keep intermediaries from dropping an
// idle channel. Failures are left to the copy loops to detect.
func pingLoop(ctx context.Context, p Pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			_ = p.Ping(pingCtx)
			cancel()
		}
	}
}

func channelToStream(ctx context.Context, ch Channel, conn net.Conn, count *atomic.Int64, act *activity) error {
	for {
		_, data, err := ch.ReadMessage(ctx)
		if err != nil {
			return channelErr(err)
		}
		act.touch()
		if len(data) == 0 {
			continue
		}
		n, err := conn.Write(data)
		count.Add(int64(n))
		if err != nil {
			return fmt.Errorf("%w: write: %w", protocol.ErrUpstream, err)
		}
	}
}

func streamToChannel(ctx context.Context, ch Channel, conn net.Conn, count *atomic.Int64, act *activity) error {
	buf := make([]byte, upstreamBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			act.touch()
			if wErr := ch.WriteMessage(ctx, buf[:n]); wErr != nil {
				return fmt.Errorf("%w: %w", protocol.ErrChannel, wErr)
			}
			count.Add(int64(n))
		}
		if err != nil {
			return upstreamErr(err)
		}
	}
}

func channelToDatagrams(ctx context.Context, ch Channel, conn net.Conn, count *atomic.Int64, act *activity) error {
	for {
		_, data, err := ch.ReadMessage(ctx)
		if err != nil {
			return channelErr(err)
		}
		act.touch()
		if err := writeDatagrams(conn, data, count); err != nil {
			return err
		}
	}
}

// writeDatagrams sends every datagram framed in msg. A framing error
// rejects the whole message before anything is sent.
func writeDatagrams(conn net.Conn, msg []byte, count *atomic.Int64) error {
	payloads, err := protocol.SplitDatagrams(msg)
	if err != nil {
		return err
	}
	for _, p := range payloads {
		n, err := conn.Write(p)
		count.Add(int64(n))
		if err != nil {
			return fmt.Errorf("%w: write: %w", protocol.ErrUpstream, err)
		}
	}
	return nil
}

func datagramsToChannel(ctx context.Context, ch Channel, conn net.Conn, count *atomic.Int64, act *activity) error {
	buf := make([]byte, upstreamBufSize)
	var frame []byte
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return upstreamErr(err)
		}
		act.touch()
		frame, err = protocol.AppendDatagram(frame[:0], buf[:n])
		if err != nil {
			return err
		}
		if err := ch.WriteMessage(ctx, frame); err != nil {
			return fmt.Errorf("%w: %w", protocol.ErrChannel, err)
		}
		count.Add(int64(n))
	}
}

// channelErr classifies a channel read failure. A normal close by the peer
// ends the relay without error.
func channelErr(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %w", protocol.ErrChannel, err)
}

// upstreamErr classifies an upstream read failure. EOF and reads unblocked
// by our own close end the relay without error.
func upstreamErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return fmt.Errorf("%w: read: %w", protocol.ErrUpstream, err)
}

// activity records when data last moved in either direction.
type activity struct {
	last atomic.Int64
}

func newActivity() *activity {
	a := &activity{}
	a.touch()
	return a
}

func (a *activity) touch() { a.last.Store(time.Now().UnixNano()) }

func (a *activity) idleFor() time.Duration {
	return time.Since(time.Unix(0, a.last.Load()))
}
