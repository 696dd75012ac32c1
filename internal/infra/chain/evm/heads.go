package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// HeadObserver receives chain heads pushed by a subscription.
type HeadObserver interface {
	Observe(head uint64)
}

// HeadSubscriber follows newHeads over a websocket and reconnects on failure.
type HeadSubscriber struct {
	url            string
	observer       HeadObserver
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	log            *slog.Logger
}

func NewHeadSubscriber(url string, observer HeadObserver, reconnectDelay time.Duration) *HeadSubscriber {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &HeadSubscriber{
		url:            url,
		observer:       observer,
		reconnectDelay: reconnectDelay,
		dialer:         websocket.DefaultDialer,
		log:            slog.Default().With("component", "evm_heads"),
	}
}

// Run subscribes until ctx is done.
func (s *HeadSubscriber) Run(ctx context.Context) error {
	for {
		err := s.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("Head subscription ended, reconnecting", "error", err, "delay", s.reconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

type headNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Number string `json:"number"`
		} `json:"result"`
	} `json:"params"`
}

func (s *HeadSubscriber) subscribe(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []any{"newHeads"},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var n headNotification
		if err := json.Unmarshal(message, &n); err != nil || n.Method != "eth_subscription" {
			continue
		}
		head, err := ParseQuantity(n.Params.Result.Number)
		if err != nil {
			s.log.Debug("Skipping head without number", "error", err)
			continue
		}
		s.observer.Observe(head)
	}
}
