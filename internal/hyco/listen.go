package hyco

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	renewInterval   = 45 * time.Minute
	controlPing     = 30 * time.Second
	controlPingWait = 10 * time.Second
	backoffMin      = time.Second
	backoffMax      = 30 * time.Second
	maxRenewTries   = 3
)

// AcceptHandler runs one session on an accepted rendezvous WebSocket.
// headers are the HTTP headers the sender connected with. The WebSocket is
// closed after the handler returns.
type AcceptHandler func(ctx context.Context, ws *websocket.Conn, headers http.Header)

// ListenConfig configures a hybrid connection listener.
type ListenConfig struct {
	Endpoint
	Tokens         TokenProvider
	Handler        AcceptHandler
	MaxConnections int // 0 = unlimited
	DialTimeout    time.Duration
	Logger         *slog.Logger
	// OnConnect and OnDisconnect, if set, track the control channel.
	OnConnect    func()
	OnDisconnect func()
}

// acceptMessage is the control channel notification of a new sender.
type acceptMessage struct {
	Accept *struct {
		Address        string            `json:"address"`
		ID             string            `json:"id"`
		ConnectHeaders map[string]string `json:"connectHeaders"`
	} `json:"accept"`
}

// Listen keeps a control channel open, reconnecting with exponential
// backoff, and dispatches accepted connections to cfg.Handler. It blocks
// until ctx is cancelled and waits for running handlers before returning.
func Listen(ctx context.Context, cfg ListenConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	l := &listener{cfg: cfg, sem: newSemaphore(cfg.MaxConnections)}
	defer l.conns.Wait()

	delay := backoffMin
	for {
		start := time.Now()
		connected, err := l.session(ctx)
		if connected && cfg.OnDisconnect != nil {
			cfg.OnDisconnect()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > backoffMax {
			delay = backoffMin
		}
		cfg.Logger.Warn("control channel lost, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, backoffMax)
	}
}

type listener struct {
	cfg   ListenConfig
	sem   *semaphore
	conns sync.WaitGroup // accepted connections; they outlive a control reconnect
}

// session runs one control channel connection until it fails.
func (l *listener) session(ctx context.Context) (connected bool, err error) {
	cfg := l.cfg
	token, err := cfg.Tokens.GetToken(ctx, cfg.ResourceURI())
	if err != nil {
		return false, fmt.Errorf("get token: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	ctrl, _, err := websocket.Dial(dialCtx, cfg.url("listen", token), nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial control channel: %w", redact(err))
	}
	defer func() { _ = ctrl.CloseNow() }()

	cfg.Logger.Info("control channel connected", "namespace", cfg.Host, "entity", cfg.EntityPath)
	if cfg.OnConnect != nil {
		cfg.OnConnect()
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	// Renewal or ping failure cancels loopCtx to force a reconnect.
	loopCtx, stop := context.WithCancel(ctx)
	defer stop()

	wg.Add(2)
	go func() {
		defer wg.Done()
		l.renewLoop(loopCtx, ctrl, stop)
	}()
	go func() {
		defer wg.Done()
		keepalive(loopCtx, ctrl, cfg.Logger, stop)
	}()

	for {
		_, data, err := ctrl.Read(loopCtx)
		if err != nil {
			return true, fmt.Errorf("read control channel: %w", err)
		}
		var msg acceptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			cfg.Logger.Warn("invalid control message", "error", err)
			continue
		}
		if msg.Accept == nil {
			continue
		}
		if !l.sem.tryAcquire() {
			cfg.Logger.Warn("connection limit reached, ignoring accept", "id", msg.Accept.ID)
			continue
		}

		headers := make(http.Header, len(msg.Accept.ConnectHeaders))
		for k, v := range msg.Accept.ConnectHeaders {
			headers.Set(k, v)
		}
		l.conns.Add(1)
		go func(addr string) {
			defer l.conns.Done()
			defer l.sem.release()
			if err := l.accept(ctx, addr, headers); err != nil {
				cfg.Logger.Warn("accept failed", "error", err)
			}
		}(msg.Accept.Address)
	}
}

// accept dials the rendezvous address and hands the WebSocket to the
// handler.
func (l *listener) accept(ctx context.Context, addr string, headers http.Header) error {
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
	ws, _, err := websocket.Dial(dialCtx, addr, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial rendezvous: %w", redact(err))
	}
	defer func() { _ = ws.CloseNow() }()

	l.cfg.Handler(ctx, ws, headers)
	return nil
}

func (l *listener) renewLoop(ctx context.Context, ctrl *websocket.Conn, stop context.CancelFunc) {
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(ctx, ctrl); err != nil {
				l.cfg.Logger.Warn("token renewal failed, reconnecting", "error", err)
				stop()
				return
			}
		}
	}
}

// renew sends a renewToken message. Token acquisition is retried; a failed
// write is not, since it means the control channel is gone.
func (l *listener) renew(ctx context.Context, ctrl *websocket.Conn) error {
	var lastErr error
	for attempt := range maxRenewTries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 5 * time.Second):
			}
		}
		token, err := l.cfg.Tokens.GetToken(ctx, l.cfg.ResourceURI())
		if err != nil {
			lastErr = err
			l.cfg.Logger.Warn("token renewal attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		var msg struct {
			RenewToken struct {
				Token string `json:"token"`
			} `json:"renewToken"`
		}
		msg.RenewToken.Token = token
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := ctrl.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
		l.cfg.Logger.Debug("token renewed")
		return nil
	}
	return lastErr
}

// keepalive pings the control channel and calls stop on the first failure.
func keepalive(ctx context.Context, ctrl *websocket.Conn, logger *slog.Logger, stop context.CancelFunc) {
	ticker := time.NewTicker(controlPing)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, controlPingWait)
			err := ctrl.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warn("control channel ping failed, reconnecting", "error", err)
				stop()
				return
			}
		}
	}
}

// semaphore bounds concurrent connections. A nil channel means no limit.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(n int) *semaphore {
	if n <= 0 {
		return &semaphore{}
	}
	return &semaphore{ch: make(chan struct{}, n)}
}

func (s *semaphore) tryAcquire() bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *semaphore) release() {
	if s.ch != nil {
		<-s.ch
	}
}
