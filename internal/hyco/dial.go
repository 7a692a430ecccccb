package hyco

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// EarlyDataHeader carries the base64url first message of a session as a
// connect header, since the relay owns Sec-WebSocket-Protocol.
const EarlyDataHeader = "Vless-Early-Data"

const (
	defaultDialTimeout = 30 * time.Second
	dialRetryBase      = time.Second
	dialRetryMax       = 30 * time.Second
)

// Dial connects to the hybrid connection as a sender. header is sent with
// the upgrade request and reaches the listener as connect headers; it may
// be nil.
func Dial(ctx context.Context, e Endpoint, tp TokenProvider, header http.Header) (*websocket.Conn, error) {
	token, err := tp.GetToken(ctx, e.ResourceURI())
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, e.url("connect", token), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", redact(err))
	}
	return ws, nil
}

// DialWithRetry dials the relay, retrying with exponential backoff capped
// at 30s until budget is spent or ctx is cancelled. A zero budget means a
// single attempt. onRetry, if non-nil, runs before each retry.
func DialWithRetry(ctx context.Context, e Endpoint, tp TokenProvider, header http.Header, budget time.Duration, onRetry func(), logger *slog.Logger) (*websocket.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if budget == 0 {
		return Dial(ctx, e, tp, header)
	}

	budgetCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	delay := dialRetryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying relay dial", "attempt", attempt, "delay", delay)
			if onRetry != nil {
				onRetry()
			}
			select {
			case <-budgetCtx.Done():
				return nil, lastErr
			case <-time.After(delay):
			}
			delay = min(delay*2, dialRetryMax)
		}
		ws, err := Dial(budgetCtx, e, tp, header)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		logger.Debug("relay dial attempt failed", "attempt", attempt+1, "error", err)
		if budgetCtx.Err() != nil {
			return nil, lastErr
		}
	}
}
