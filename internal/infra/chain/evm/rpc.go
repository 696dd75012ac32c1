package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// RPCConfig configures the JSON-RPC client.
type RPCConfig struct {
	Endpoints    []string      `yaml:"endpoints"`
	Timeout      time.Duration `yaml:"timeout"`       // default: 10s
	MaxAttempts  uint64        `yaml:"max_attempts"`  // default: 3
	InitialDelay time.Duration `yaml:"initial_delay"` // default: 200ms
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorAction determines how to handle a failed call.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFailover
	ActionFatal
)

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case -32700, -32600, -32601, -32602:
			return ActionFatal
		}
	}

	s := strings.ToLower(err.Error())
	if strings.Contains(s, "429") || strings.Contains(s, "too many requests") ||
		strings.Contains(s, "403") || strings.Contains(s, "forbidden") ||
		strings.Contains(s, "quota") || strings.Contains(s, "rate limit") {
		return ActionFailover
	}
	return ActionRetry
}

// Client is a JSON-RPC over HTTP client that rotates to the next endpoint
// when one throttles or keeps failing.
type Client struct {
	cfg        RPCConfig
	httpClient *http.Client
	nextID     atomic.Uint64

	mu      sync.Mutex
	current int

	log *slog.Logger
}

// NewClient creates a client over the configured endpoints.
func NewClient(cfg RPCConfig) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("no rpc endpoints configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 200 * time.Millisecond
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: slog.Default().With("component", "evm_rpc"),
	}, nil
}

func (c *Client) endpoint() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.cfg.Endpoints[c.current]
}

// rotate moves away from the endpoint at idx unless another caller already did.
func (c *Client) rotate(idx int, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != idx || len(c.cfg.Endpoints) == 1 {
		return
	}
	c.current = (idx + 1) % len(c.cfg.Endpoints)
	c.log.Warn("Rotating rpc endpoint", "from", c.cfg.Endpoints[idx], "to", c.cfg.Endpoints[c.current], "reason", reason)
}

// Call executes a JSON-RPC call with retries and endpoint failover.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	var result json.RawMessage
	backoff := retry.WithMaxRetries(c.cfg.MaxAttempts-1, retry.NewExponential(c.cfg.InitialDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		idx, url := c.endpoint()
		res, err := c.call(ctx, url, method, params)
		if err == nil {
			result = res
			return nil
		}
		switch ClassifyError(err) {
		case ActionFatal:
			return err
		case ActionFailover:
			c.rotate(idx, err)
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, url, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      c.nextID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// LatestBlock returns the chain head from eth_blockNumber.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	raw, err := c.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid block number response: %w", err)
	}
	return ParseQuantity(s)
}

// ParseQuantity parses a 0x-prefixed hex quantity.
func ParseQuantity(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, errors.New("empty quantity")
	}
	return strconv.ParseUint(s, 16, 64)
}
