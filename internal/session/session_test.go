package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/philsphicas/vlessrelay/internal/metrics"
	"github.com/philsphicas/vlessrelay/internal/protocol"
	"github.com/philsphicas/vlessrelay/internal/users"
)

var (
	alice   = uuid.MustParse("86c50e3a-5b87-49dd-bd20-03c7f2735e40")
	mallory = uuid.MustParse("0b9f4f7c-1d2e-4a5b-8c6d-7e8f9a0b1c2d")
)

// ---------- fakes ----------

type fakeMsg struct {
	binary bool
	data   []byte
}

// fakeChannel is an in-memory Channel. Messages queued with send are read
// by the session; messages the session writes arrive on out.
type fakeChannel struct {
	in     chan fakeMsg
	out    chan []byte
	closed chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    protocol.CloseReason
	aborted   bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan fakeMsg, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) send(data []byte)  { c.in <- fakeMsg{binary: true, data: data} }
func (c *fakeChannel) sendText(s string) { c.in <- fakeMsg{data: []byte(s)} }
func (c *fakeChannel) hangUp()           { close(c.in) }
func (c *fakeChannel) isClosed() bool    { return chanClosed(c.closed) }

func (c *fakeChannel) closeReason() protocol.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *fakeChannel) ReadMessage(ctx context.Context) (bool, []byte, error) {
	select {
	case <-c.closed:
		return false, nil, net.ErrClosed
	default:
	}
	select {
	case m, ok := <-c.in:
		if !ok {
			return false, nil, io.EOF
		}
		return m.binary, m.data, nil
	case <-c.closed:
		return false, nil, net.ErrClosed
	case <-ctx.Done():
		return false, nil, ctx.Err()
	}
}

func (c *fakeChannel) WriteMessage(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return net.ErrClosed
	}
	select {
	case c.out <- bytes.Clone(data):
		return nil
	case <-c.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeChannel) Close(reason protocol.CloseReason) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeChannel) Abort(reason protocol.CloseReason) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason, c.aborted = reason, true
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeChannel) wasAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// waitClosed waits for the channel to be closed and returns the reason.
func (c *fakeChannel) waitClosed(t *testing.T) protocol.CloseReason {
	t.Helper()
	select {
	case <-c.closed:
		return c.closeReason()
	case <-time.After(3 * time.Second):
		t.Fatal("channel was not closed")
		return 0
	}
}

// next returns the next message the session wrote.
func (c *fakeChannel) next(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-c.out:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("no message written to channel")
		return nil
	}
}

type dialRequest struct {
	network string
	host    string
	port    uint16
}

// fakeDialer hands out one end of a net.Pipe per dial and delivers the
// other end on remote.
type fakeDialer struct {
	err    error
	block  bool
	calls  atomic.Int32
	reqs   chan dialRequest
	remote chan net.Conn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{reqs: make(chan dialRequest, 4), remote: make(chan net.Conn, 4)}
}

func (d *fakeDialer) Dial(ctx context.Context, network, host string, port uint16) (net.Conn, error) {
	d.calls.Add(1)
	d.reqs <- dialRequest{network, host, port}
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	local, remote := net.Pipe()
	d.remote <- remote
	return local, nil
}

func (d *fakeDialer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.remote:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("upstream was not dialed")
		return nil
	}
}

// ---------- helpers ----------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chanClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func testConfig(t *testing.T, d Dialer) Config {
	t.Helper()
	reg, err := users.New([]users.User{{ID: alice, Label: "alice"}})
	if err != nil {
		t.Fatalf("users.New: %v", err)
	}
	return Config{
		Users:            reg,
		Dialer:           d,
		HandshakeTimeout: 2 * time.Second,
		ConnectTimeout:   time.Second,
		Logger:           discardLogger(),
	}
}

func request(t *testing.T, id uuid.UUID, cmd protocol.Command, host string, port uint16, payload []byte) []byte {
	t.Helper()
	b, err := protocol.AppendRequest(nil, id, cmd, host, port)
	if err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}
	return append(b, payload...)
}

// start runs a session in the background and returns a channel that
// receives Run's result.
func start(t *testing.T, s *Session) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func readFull(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read upstream: %v", err)
	}
	return buf
}

// ---------- scenarios ----------

func TestTCPRelayDomain(t *testing.T) {
	d := newFakeDialer()
	ch := newFakeChannel()
	s := New("s1", ch, testConfig(t, d))
	done := start(t, s)

	ch.send(request(t, alice, protocol.CommandTCP, "example.com", 80, []byte("GET / HTTP/1.1\r\n")))
	up := d.accept(t)

	req := <-d.reqs
	if req != (dialRequest{"tcp", "example.com", 80}) {
		t.Errorf("dial = %+v, want tcp example.com 80", req)
	}

	// The trailing payload arrives before anything sent later.
	if got := readFull(t, up, 16); string(got) != "GET / HTTP/1.1\r\n" {
		t.Errorf("first payload = %q", got)
	}
	if resp := ch.next(t); !bytes.Equal(resp, []byte{0, 0}) {
		t.Fatalf("response = %x, want 0000", resp)
	}
	if s.State() != StateRelaying {
		t.Errorf("state = %v, want relaying", s.State())
	}

	ch.send([]byte("Host: example.com\r\n"))
	ch.send([]byte("\r\n"))
	if got := readFull(t, up, 21); string(got) != "Host: example.com\r\n\r\n" {
		t.Errorf("relayed = %q", got)
	}

	if _, err := up.Write([]byte("HTTP/1.1 200 OK\r\n")); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	if got := ch.next(t); string(got) != "HTTP/1.1 200 OK\r\n" {
		t.Errorf("downstream = %q", got)
	}

	ch.hangUp()
	if err := wait(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if r := ch.waitClosed(t); r != protocol.ReasonNormal {
		t.Errorf("close reason = %v, want normal", r)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	st := s.Stats()
	if st.Up != 16+21 || st.Down != 17 {
		t.Errorf("stats = %+v, want up 37 down 17", st)
	}
}

func TestUnknownUser(t *testing.T) {
	d := newFakeDialer()
	ch := newFakeChannel()
	done := start(t, New("s1", ch, testConfig(t, d)))

	ch.send(request(t, mallory, protocol.CommandTCP, "example.com", 80, nil))

	err := wait(t, done)
	if !errors.Is(err, protocol.ErrAuthFailure) {
		t.Errorf("Run = %v, want ErrAuthFailure", err)
	}
	if r := ch.waitClosed(t); r != protocol.ReasonInvalidUser {
		t.Errorf("close reason = %v, want invalid_user", r)
	}
	if ch.wasAborted() {
		t.Error("auth failure aborted the channel, want a close frame")
	}
	if n := d.calls.Load(); n != 0 {
		t.Errorf("dialer called %d times, want 0", n)
	}
	if len(ch.out) != 0 {
		t.Errorf("session wrote %d messages, want none", len(ch.out))
	}
}

func TestIPv4Destination(t *testing.T) {
	d := newFakeDialer()
	ch := newFakeChannel()
	done := start(t, New("s1", ch, testConfig(t, d)))

	msg := request(t, alice, protocol.CommandTCP, "0.0.0.0", 443, nil)
	copy(msg[21:25], []byte{93, 184, 216, 34})
	ch.send(msg)

	up := d.accept(t)
	if req := <-d.reqs; req.host != "93.184.216.34" || req.port != 443 {
		t.Errorf("dial = %+v, want 93.184.216.34:443", req)
	}
	ch.next(t)
	up.Close()
	if err := wait(t, done); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestUpstreamConnectFailure(t *testing.T) {
	d := newFakeDialer()
	d.err = fmt.Errorf("dial tcp: lookup nowhere.invalid: no such host")
	ch := newFakeChannel()
	m := metrics.New()
	cfg := testConfig(t, d)
	cfg.Metrics = m
	done := start(t, New("s1", ch, cfg))

	ch.send(request(t, alice, protocol.CommandTCP, "nowhere.invalid", 80, nil))

	err := wait(t, done)
	if !errors.Is(err, protocol.ErrUpstreamConnect) {
		t.Errorf("Run = %v, want ErrUpstreamConnect", err)
	}
	if r := ch.waitClosed(t); r != protocol.ReasonBadGateway {
		t.Errorf("close reason = %v, want bad_gateway", r)
	}
	if r := protocol.ReasonBadGateway; r.Text() != "bad gateway" {
		t.Errorf("public text = %q leaks detail", r.Text())
	}
	if len(ch.out) != 0 {
		t.Error("success response was sent for a failed dial")
	}
}

func TestUpstreamCloseClosesChannel(t *testing.T) {
	d := newFakeDialer()
	ch := newFakeChannel()
	s := New("s1", ch, testConfig(t, d))
	done := start(t, s)

	ch.send(request(t, alice, protocol.CommandTCP, "example.com", 80, nil))
	up := d.accept(t)
	ch.next(t)

	up.Close()
	if r := ch.waitClosed(t); r != protocol.ReasonNormal {
		t.Errorf("close reason = %v, want normal", r)
	}
	if err := wait(t, done); err != nil {
		t.Errorf("Run = %v", err)
	}

	// Closing again is harmless.
	if err := s.Close(protocol.ReasonShutdown); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := s.Close(protocol.ReasonChannelError); err != nil {
		t.Errorf("third Close = %v", err)
	}
	if s.Reason() != protocol.ReasonNormal {
		t.Errorf("reason = %v, want normal kept", s.Reason())
	}
}

func TestHandshakeErrors(t *testing.T) {
	valid := request(t, alice, protocol.CommandTCP, "example.com", 80, nil)

	unsupportedCmd := bytes.Clone(valid)
	unsupportedCmd[17] = 3
	badAddrType := bytes.Clone(valid)
	badAddrType[20] = 9
	shortDomain := bytes.Clone(valid[:24])

	tests := []struct {
		name   string
		text   bool
		msg    []byte
		reason protocol.CloseReason
	}{
		{"too short", false, valid[:17], protocol.ReasonInvalidData},
		{"text frame", true, valid, protocol.ReasonInvalidData},
		{"unsupported command", false, unsupportedCmd, protocol.ReasonUnsupportedCommand},
		{"unknown address type", false, badAddrType, protocol.ReasonUnsupportedAddress},
		{"truncated domain", false, shortDomain, protocol.ReasonMalformedAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer()
			ch := newFakeChannel()
			done := start(t, New("s1", ch, testConfig(t, d)))
			if tt.text {
				ch.sendText(string(tt.msg))
			} else {
				ch.send(tt.msg)
			}
			if err := wait(t, done); err == nil {
				t.Fatal("Run = nil, want error")
			}
			if r := ch.waitClosed(t); r != tt.reason {
				t.Errorf("close reason = %v, want %v", r, tt.reason)
			}
			if d.calls.Load() != 0 {
				t.Error("dialer was called")
			}
		})
	}
}

func TestNotAllowed(t *testing.T) {
	d := newFakeDialer()
	ch := newFakeChannel()
	cfg := testConfig(t, d)
	cfg.Allow = func(host string, port uint16) bool { return port == 443 }
	done := start(t, New("s1", ch, cfg))

	ch.send(request(t, alice, protocol.CommandTCP, "example.com", 25, nil))

	if err := wait(t, done); !errors.Is(err, protocol.ErrNotAllowed) {
		t.Errorf("Run = %v, want ErrNotAllowed", err)
	}
	if r := ch.waitClosed(t); r != protocol.ReasonNotAllowed {
		t.Errorf("close reason = %v, want not_allowed", r)
	}
	if d.calls.Load() != 0 {
		t.Error("dialer was called")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	t.Run("no first message", func(t *testing.T) {
		ch := newFakeChannel()
		cfg := testConfig(t, newFakeDialer())
		cfg.HandshakeTimeout = 50 * time.Millisecond
		s := New("s1", ch, cfg)
		done := start(t, s)

		if err := wait(t, done); !errors.Is(err, protocol.ErrHandshakeTimeout) {
			t.Errorf("Run = %v, want ErrHandshakeTimeout", err)
		}
		if r := ch.waitClosed(t); r != protocol.ReasonHandshakeTimeout {
			t.Errorf("close reason = %v, want handshake_timeout", r)
		}
		if !ch.wasAborted() {
			t.Error("channel closed with a close handshake, want abort")
		}
	})

	t.Run("slow upstream", func(t *testing.T) {
		d := newFakeDialer()
		d.block = true
		ch := newFakeChannel()
		cfg := testConfig(t, d)
		cfg.HandshakeTimeout = 100 * time.Millisecond
		cfg.ConnectTimeout = time.Minute
		done := start(t, New("s1", ch, cfg))

		ch.send(request(t, alice, protocol.CommandTCP, "example.com", 80, nil))

		if err := wait(t, done); !errors.Is(err, protocol.ErrHandshakeTimeout) {
			t.Errorf("Run = %v, want ErrHandshakeTimeout", err)
		}
		if r := ch.waitClosed(t); r != protocol.ReasonHandshakeTimeout {
			t.Errorf("close reason = %v, want handshake_timeout", r)
		}
		if !ch.wasAborted() {
			t.Error("channel closed with a close handshake, want abort")
		}
		if len(ch.out) != 0 {
			t.Error("response sent after timeout")
		}
	})
}

func TestIdleTimeout(t *testing.T) {
	d := newFakeDialer()
	ch := newFakeChannel()
	cfg := testConfig(t, d)
	cfg.IdleTimeout = 100 * time.Millisecond
	done := start(t, New("s1", ch, cfg))

	ch.send(request(t, alice, protocol.CommandTCP, "example.com", 80, nil))
	d.accept(t)
	ch.next(t)

	if err := wait(t, done); !errors.Is(err, protocol.ErrIdleTimeout) {
		t.Errorf("Run = %v, want ErrIdleTimeout", err)
	}
	if r := ch.waitClosed(t); r != protocol.ReasonIdleTimeout {
		t.Errorf("close reason = %v, want idle_timeout", r)
	}
}

func TestShutdownDuringRelay(t *testing.T) {
	d := newFakeDialer()
	ch := newFakeChannel()
	s := New("s1", ch, testConfig(t, d))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ch.send(request(t, alice, protocol.CommandTCP, "example.com", 80, nil))
	up := d.accept(t)
	ch.next(t)

	cancel()
	if err := wait(t, done); err != nil {
		t.Errorf("Run = %v, want nil on shutdown", err)
	}
	if r := ch.waitClosed(t); r != protocol.ReasonShutdown {
		t.Errorf("close reason = %v, want shutdown", r)
	}
	_ = up.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := up.Read(make([]byte, 1)); err == nil {
		t.Error("upstream still open after shutdown")
	}
}

func TestUDPRelay(t *testing.T) {
	d := newFakeDialer()
	ch := newFakeChannel()
	s := New("s1", ch, testConfig(t, d))
	done := start(t, s)

	first, _ := protocol.AppendDatagram(nil, []byte("query-1"))
	ch.send(request(t, alice, protocol.CommandUDP, "8.8.8.8", 53, first))
	up := d.accept(t)
	if req := <-d.reqs; req.network != "udp" {
		t.Errorf("network = %q, want udp", req.network)
	}

	if got := readFull(t, up, 7); string(got) != "query-1" {
		t.Errorf("first datagram = %q", got)
	}
	ch.next(t) // response

	var msg []byte
	msg, _ = protocol.AppendDatagram(msg, []byte("q2"))
	msg, _ = protocol.AppendDatagram(msg, []byte("q3"))
	ch.send(msg)
	if got := readFull(t, up, 2); string(got) != "q2" {
		t.Errorf("datagram = %q, want q2", got)
	}
	if got := readFull(t, up, 2); string(got) != "q3" {
		t.Errorf("datagram = %q, want q3", got)
	}

	if _, err := up.Write([]byte("answer")); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	framed := ch.next(t)
	payloads, err := protocol.SplitDatagrams(framed)
	if err != nil || len(payloads) != 1 || string(payloads[0]) != "answer" {
		t.Errorf("downstream = %x (%v), want framed answer", framed, err)
	}

	ch.hangUp()
	if err := wait(t, done); err != nil {
		t.Errorf("Run = %v", err)
	}
	if st := s.Stats(); st.Up != 11 || st.Down != 6 {
		t.Errorf("stats = %+v, want up 11 down 6", st)
	}
}

func TestUDPFramingError(t *testing.T) {
	d := newFakeDialer()
	ch := newFakeChannel()
	done := start(t, New("s1", ch, testConfig(t, d)))

	ch.send(request(t, alice, protocol.CommandUDP, "8.8.8.8", 53, nil))
	d.accept(t)
	ch.next(t)

	// Declares 5 bytes, carries 2.
	ch.send([]byte{0x00, 0x05, 'h', 'i'})

	if err := wait(t, done); !errors.Is(err, protocol.ErrFraming) {
		t.Errorf("Run = %v, want ErrFraming", err)
	}
	if r := ch.waitClosed(t); r != protocol.ReasonFraming {
		t.Errorf("close reason = %v, want framing_error", r)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateAwaitingHandshake: "awaiting_handshake",
		StateAuthenticating:    "authenticating",
		StateOpeningUpstream:   "opening_upstream",
		StateRelaying:          "relaying",
		StateClosed:            "closed",
		State(42):              "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestSessionMetrics(t *testing.T) {
	d := newFakeDialer()
	ch := newFakeChannel()
	m := metrics.New()
	cfg := testConfig(t, d)
	cfg.Metrics = m
	done := start(t, New("s1", ch, cfg))

	ch.send(request(t, alice, protocol.CommandTCP, "example.com", 80, []byte("ping")))
	up := d.accept(t)
	readFull(t, up, 4)
	ch.next(t)
	up.Close()
	wait(t, done)

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range fams {
		if f.GetName() != "vlessrelay_bytes_total" {
			continue
		}
		for _, mt := range f.GetMetric() {
			for _, l := range mt.GetLabel() {
				if l.GetName() == "direction" && l.GetValue() == "upstream" && mt.GetCounter().GetValue() == 4 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("upstream bytes_total of 4 not recorded")
	}
}
