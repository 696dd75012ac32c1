package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vietddude/reducer/internal/core/domain"
)

const (
	token = "0x00000000000000000000000000000000000000aa"
	alice = "0x000000000000000000000000000000000000a11c"
	bob   = "0x0000000000000000000000000000000000000b0b"
)

func addrTopic(addr string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(addr, "0x")
}

func word(n uint64) string {
	return fmt.Sprintf("%064x", n)
}

func rawLog(topics []string, data string) domain.RawLog {
	return domain.RawLog{
		Address:     token,
		Topics:      topics,
		Data:        "0x" + data,
		BlockNumber: domain.Uint64Ptr(100),
		TxHash:      "0xTX",
		LogIndex:    3,
	}
}

func TestTopics(t *testing.T) {
	want := "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	if TopicTransfer != want {
		t.Errorf("Transfer topic: expected %s, got %s", want, TopicTransfer)
	}
}

func TestDecode_ERC20Transfer(t *testing.T) {
	events, err := NewDecoder().Decode(rawLog(
		[]string{TopicTransfer, addrTopic(alice), addrTopic(bob)}, word(250)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	out, in := events[0], events[1]
	if out.Kind != domain.KindOutcomeTransfer || out.Owner != alice || out.MinorLogIndex != 0 {
		t.Errorf("unexpected outcome event %+v", out)
	}
	if in.Kind != domain.KindIncomeTransfer || in.Owner != bob || in.MinorLogIndex != 1 {
		t.Errorf("unexpected income event %+v", in)
	}
	if in.EntityID != domain.BalanceID(token, bob) || in.Family != domain.FamilyBalance {
		t.Errorf("unexpected entity %s/%s", in.Family, in.EntityID)
	}
	if in.Value.String() != "250" || in.Status != domain.StatusConfirmed || in.Block() != 100 {
		t.Errorf("unexpected payload %+v", in)
	}
	if in.TxHash != "0xtx" {
		t.Errorf("tx hash should be lower case, got %s", in.TxHash)
	}
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			t.Errorf("decoded event invalid: %v", err)
		}
	}
}

func TestDecode_ERC20Mint(t *testing.T) {
	events, err := NewDecoder().Decode(rawLog(
		[]string{TopicTransfer, addrTopic(zeroAddress), addrTopic(bob)}, word(5)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.KindIncomeTransfer {
		t.Fatalf("expected a single income, got %+v", events)
	}
}

func TestDecode_ERC721Mint(t *testing.T) {
	events, err := NewDecoder().Decode(rawLog(
		[]string{TopicTransfer, addrTopic(zeroAddress), addrTopic(alice), "0x" + word(42)}, ""))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected mint and ownership, got %+v", events)
	}
	if events[0].Kind != domain.KindItemMint || events[0].EntityID != domain.ItemID(token, "42") {
		t.Errorf("unexpected mint %+v", events[0])
	}
	if events[1].Kind != domain.KindOwnershipTransferTo || events[1].EntityID != domain.OwnershipID(token, "42", alice) {
		t.Errorf("unexpected ownership %+v", events[1])
	}
	if !events[1].Value.Equal(events[0].Value) || events[1].Value.String() != "1" {
		t.Errorf("expected value 1, got %s", events[1].Value)
	}
}

func TestDecode_TransferBatch(t *testing.T) {
	// ids [7, 8], values [2, 3]
	data := word(64) + word(160) +
		word(2) + word(7) + word(8) +
		word(2) + word(2) + word(3)
	events, err := NewDecoder().Decode(rawLog(
		[]string{TopicTransferBatch, addrTopic(alice), addrTopic(alice), addrTopic(bob)}, data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	last := events[3]
	if last.Kind != domain.KindOwnershipTransferTo || last.TokenID != "8" || last.Value.String() != "3" {
		t.Errorf("unexpected last event %+v", last)
	}
	for i, ev := range events {
		if ev.MinorLogIndex != i {
			t.Errorf("event %d has minor index %d", i, ev.MinorLogIndex)
		}
	}
}

func TestDecode_TransferSingleBurn(t *testing.T) {
	events, err := NewDecoder().Decode(rawLog(
		[]string{TopicTransferSingle, addrTopic(alice), addrTopic(alice), addrTopic(zeroAddress)}, word(9)+word(4)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 2 || events[0].Kind != domain.KindItemBurn || events[1].Kind != domain.KindOwnershipTransferFrom {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestDecode_DepositApprovalAndUnknown(t *testing.T) {
	d := NewDecoder()

	events, err := d.Decode(rawLog([]string{TopicDeposit, addrTopic(alice)}, word(10)))
	if err != nil || len(events) != 1 || events[0].Kind != domain.KindDeposit {
		t.Fatalf("deposit: %+v %v", events, err)
	}

	events, err = d.Decode(rawLog([]string{TopicApproval, addrTopic(alice), addrTopic(bob)}, word(10)))
	if err != nil || len(events) != 1 || events[0].Kind != domain.KindApproval || events[0].Owner != alice {
		t.Fatalf("approval: %+v %v", events, err)
	}

	events, err = d.Decode(rawLog([]string{"0xdeadbeef"}, ""))
	if err != nil || len(events) != 0 {
		t.Fatalf("unknown topic: %+v %v", events, err)
	}
}

func TestDecode_Statuses(t *testing.T) {
	d := NewDecoder()

	pending := rawLog([]string{TopicDeposit, addrTopic(alice)}, word(1))
	pending.BlockNumber = nil
	events, err := d.Decode(pending)
	if err != nil || events[0].Status != domain.StatusPending || events[0].BlockNumber != nil {
		t.Fatalf("pending: %+v %v", events, err)
	}

	removed := rawLog([]string{TopicDeposit, addrTopic(alice)}, word(1))
	removed.Removed = true
	events, err = d.Decode(removed)
	if err != nil || events[0].Status != domain.StatusReverted || events[0].Block() != 100 {
		t.Fatalf("removed: %+v %v", events, err)
	}

	inactive := rawLog([]string{TopicDeposit, addrTopic(alice)}, word(1))
	inactive.Status = domain.StatusInactive
	events, err = d.Decode(inactive)
	if err != nil || events[0].BlockNumber != nil {
		t.Fatalf("inactive events carry no block: %+v %v", events, err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := NewDecoder().Decode(rawLog([]string{TopicTransfer, addrTopic(alice), addrTopic(bob)}, "01"))
	if !errors.Is(err, domain.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

// =============================================================================
// RPC
// =============================================================================

func rpcServer(t *testing.T, handler func(method string) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		code, body := handler(req.Method)
		w.WriteHeader(code)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_LatestBlock(t *testing.T) {
	srv := rpcServer(t, func(method string) (int, string) {
		if method != "eth_blockNumber" {
			return http.StatusOK, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`
		}
		return http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":"0x1b4"}`
	})

	c, err := NewClient(RPCConfig{Endpoints: []string{srv.URL}})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	head, err := c.LatestBlock(context.Background())
	if err != nil {
		t.Fatalf("LatestBlock: %v", err)
	}
	if head != 436 {
		t.Errorf("expected 436, got %d", head)
	}
}

func TestClient_FailoverOnThrottle(t *testing.T) {
	var throttledCalls atomic.Int32
	throttled := rpcServer(t, func(string) (int, string) {
		throttledCalls.Add(1)
		return http.StatusTooManyRequests, "slow down"
	})
	healthy := rpcServer(t, func(string) (int, string) {
		return http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":"0x10"}`
	})

	c, _ := NewClient(RPCConfig{Endpoints: []string{throttled.URL, healthy.URL}, InitialDelay: time.Millisecond})
	head, err := c.LatestBlock(context.Background())
	if err != nil {
		t.Fatalf("LatestBlock: %v", err)
	}
	if head != 16 || throttledCalls.Load() != 1 {
		t.Errorf("expected one throttled call then head 16, got %d calls and head %d", throttledCalls.Load(), head)
	}
}

func TestClient_FatalNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := rpcServer(t, func(string) (int, string) {
		calls.Add(1)
		return http.StatusOK, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`
	})

	c, _ := NewClient(RPCConfig{Endpoints: []string{srv.URL}, InitialDelay: time.Millisecond})
	_, err := c.Call(context.Background(), "eth_getLogs", "bad")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32602 {
		t.Fatalf("expected rpc error -32602, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("fatal errors must not be retried, got %d calls", calls.Load())
	}
}

func TestNewClient_NoEndpoints(t *testing.T) {
	if _, err := NewClient(RPCConfig{}); err == nil {
		t.Error("expected error without endpoints")
	}
}

// =============================================================================
// Heads
// =============================================================================

type headRecorder struct {
	mu    sync.Mutex
	heads []uint64
}

func (r *headRecorder) Observe(head uint64) {
	r.mu.Lock()
	r.heads = append(r.heads, head)
	r.mu.Unlock()
}

func (r *headRecorder) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.heads...)
}

func TestHeadSubscriber(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "result": "0xsub"})
		for _, n := range []string{"0x10", "0x11"} {
			conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"method":  "eth_subscription",
				"params":  map[string]any{"subscription": "0xsub", "result": map[string]any{"number": n}},
			})
		}
		// Hold the connection until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	rec := &headRecorder{}
	sub := NewHeadSubscriber("ws"+strings.TrimPrefix(srv.URL, "http"), rec, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	heads := rec.snapshot()
	if len(heads) < 2 || heads[0] != 16 || heads[1] != 17 {
		t.Errorf("expected heads [16 17], got %v", heads)
	}
}
