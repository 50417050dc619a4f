// Package listeners contains optional push-style triggers for the
// confirmation watcher. The watcher works on its fixed interval alone;
// a listener just shortens the latency between a block landing and the
// tick that observes it.
package listeners

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const reconnectDelay = 15 * time.Second

// Nudger is the slice of the watcher a listener needs.
type Nudger interface {
	Nudge()
}

// HeadListener subscribes to newHeads over a WebSocket JSON-RPC endpoint
// and nudges the watcher on every new block. It reconnects with a fixed
// delay on errors and exits only when its context is cancelled.
type HeadListener struct {
	wssURL string
	nudger Nudger
	log    *zap.Logger
}

// NewHeadListener creates a listener for the given WSS endpoint.
func NewHeadListener(wssURL string, nudger Nudger, logger *zap.Logger) *HeadListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeadListener{wssURL: wssURL, nudger: nudger, log: logger}
}

// Run connects, subscribes and forwards nudges until ctx is cancelled.
func (l *HeadListener) Run(ctx context.Context) error {
	if l.wssURL == "" {
		return fmt.Errorf("head listener requires a wss url")
	}
	l.log.Info("head listener starting", zap.String("wss_url", l.wssURL))
	defer l.log.Info("head listener stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := l.connectAndListen(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("head listener connection lost, reconnecting",
				zap.Error(err),
				zap.Duration("delay", reconnectDelay))
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (l *HeadListener) connectAndListen(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.wssURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	defer conn.Close()

	subscribe := `{"jsonrpc":"2.0","id":1,"method":"eth_subscribe","params":["newHeads"]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(subscribe)); err != nil {
		return fmt.Errorf("failed to send subscription message: %w", err)
	}
	l.log.Debug("subscribed to newHeads")

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		var msg struct {
			Method string `json:"method"`
			Params struct {
				Result struct {
					Number string `json:"number"`
					Hash   string `json:"hash"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.Method != "eth_subscription" {
			continue
		}
		l.log.Debug("new head",
			zap.String("number", msg.Params.Result.Number),
			zap.String("hash", msg.Params.Result.Hash))
		l.nudger.Nudge()
	}
}
