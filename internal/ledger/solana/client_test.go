package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sol "github.com/gagliardetto/solana-go"

	"github.com/aegis-vaults/aegis-app-sub000/internal/ledger"
)

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     any             `json:"id"`
}

// newStubNode spins up a JSON-RPC stub that answers each method with a
// caller-provided result payload.
func newStubNode(t *testing.T, results map[string]func(call int) string) (*httptest.Server, *map[string]*int64) {
	t.Helper()
	counters := map[string]*int64{}
	for method := range results {
		var n int64
		counters[method] = &n
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		handler, ok := results[req.Method]
		if !ok {
			t.Errorf("unexpected rpc method %q", req.Method)
			http.Error(w, "unexpected method", http.StatusBadRequest)
			return
		}
		call := atomic.AddInt64(counters[req.Method], 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, handler(int(call)))
	}))
	return server, &counters
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Name:                "test",
		RPCURL:              url,
		ConfirmPollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(Config{RPCURL: "  "}); err == nil {
		t.Fatal("expected error for empty rpc url")
	}
}

func TestGetBalance(t *testing.T) {
	server, _ := newStubNode(t, map[string]func(int) string{
		"getBalance": func(int) string {
			return `{"context":{"slot":12},"value":987654321}`
		},
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	got, err := client.GetBalance(context.Background(), sol.PublicKeyFromBytes(bytes.Repeat([]byte{1}, 32)))
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if got != 987654321 {
		t.Fatalf("expected 987654321 lamports, got %d", got)
	}
}

func TestGetMultipleBalancesMissingAccountsAreZero(t *testing.T) {
	server, counters := newStubNode(t, map[string]func(int) string{
		"getMultipleAccounts": func(int) string {
			return `{"context":{"slot":12},"value":[` +
				`{"lamports":500,"owner":"11111111111111111111111111111111","data":["","base64"],"executable":false,"rentEpoch":0},` +
				`null,` +
				`{"lamports":42,"owner":"11111111111111111111111111111111","data":["","base64"],"executable":false,"rentEpoch":0}]}`
		},
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	addrs := []sol.PublicKey{
		sol.PublicKeyFromBytes(bytes.Repeat([]byte{1}, 32)),
		sol.PublicKeyFromBytes(bytes.Repeat([]byte{2}, 32)),
		sol.PublicKeyFromBytes(bytes.Repeat([]byte{3}, 32)),
	}
	got, err := client.GetMultipleBalances(context.Background(), addrs)
	if err != nil {
		t.Fatalf("get multiple balances: %v", err)
	}
	want := []uint64{500, 0, 42}
	if len(got) != len(want) {
		t.Fatalf("expected %d balances, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("balance[%d]: expected %d, got %d", i, want[i], got[i])
		}
	}
	if calls := atomic.LoadInt64((*counters)["getMultipleAccounts"]); calls != 1 {
		t.Fatalf("expected a single combined request, got %d", calls)
	}
}

func TestGetMultipleBalancesEmptyInput(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")
	got, err := client.GetMultipleBalances(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty input should not touch the node: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestConfirmTransactionConfirmed(t *testing.T) {
	server, _ := newStubNode(t, map[string]func(int) string{
		"getSignatureStatuses": func(call int) string {
			if call == 1 {
				return `{"context":{"slot":10},"value":[null]}`
			}
			return `{"context":{"slot":11},"value":[{"slot":11,"confirmations":3,"err":null,"confirmationStatus":"confirmed"}]}`
		},
		"getBlockHeight": func(int) string { return `50` },
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.ConfirmTransaction(context.Background(), sol.Signature{}, ledger.ValidityWindow{LastValidBlockHeight: 100})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !result.Confirmed {
		t.Fatalf("expected confirmed result, got %+v", result)
	}
	if result.Slot != 11 {
		t.Fatalf("expected slot 11, got %d", result.Slot)
	}
}

func TestConfirmTransactionExecutionError(t *testing.T) {
	server, _ := newStubNode(t, map[string]func(int) string{
		"getSignatureStatuses": func(int) string {
			return `{"context":{"slot":10},"value":[{"slot":10,"confirmations":null,"err":{"InstructionError":[0,"Custom"]},"confirmationStatus":"confirmed"}]}`
		},
		"getBlockHeight": func(int) string { return `50` },
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.ConfirmTransaction(context.Background(), sol.Signature{}, ledger.ValidityWindow{LastValidBlockHeight: 100})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if result.Confirmed {
		t.Fatal("transaction that failed on chain must not report confirmed")
	}
	if result.ExecutionErr == nil {
		t.Fatal("expected execution error payload to be surfaced")
	}
}

func TestConfirmTransactionWindowExpired(t *testing.T) {
	server, _ := newStubNode(t, map[string]func(int) string{
		"getSignatureStatuses": func(int) string {
			return `{"context":{"slot":10},"value":[null]}`
		},
		"getBlockHeight": func(int) string { return `101` },
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.ConfirmTransaction(context.Background(), sol.Signature{}, ledger.ValidityWindow{LastValidBlockHeight: 100})
	if !errors.Is(err, ledger.ErrBlockheightExceeded) {
		t.Fatalf("expected ErrBlockheightExceeded, got %v", err)
	}
}

func TestConfirmTransactionContextCancelled(t *testing.T) {
	server, _ := newStubNode(t, map[string]func(int) string{
		"getSignatureStatuses": func(int) string {
			return `{"context":{"slot":10},"value":[null]}`
		},
		"getBlockHeight": func(int) string { return `50` },
	})
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	client := newTestClient(t, server.URL)
	_, err := client.ConfirmTransaction(ctx, sol.Signature{}, ledger.ValidityWindow{LastValidBlockHeight: 100})
	if err == nil {
		t.Fatal("expected error after context deadline")
	}
}

func TestBlockHeight(t *testing.T) {
	server, _ := newStubNode(t, map[string]func(int) string{
		"getBlockHeight": func(int) string { return `4242` },
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	height, err := client.BlockHeight(context.Background())
	if err != nil {
		t.Fatalf("block height: %v", err)
	}
	if height != 4242 {
		t.Fatalf("expected height 4242, got %d", height)
	}
}

func TestLatestValidityWindow(t *testing.T) {
	server, _ := newStubNode(t, map[string]func(int) string{
		"getLatestBlockhash": func(int) string {
			return `{"context":{"slot":12},"value":{"blockhash":"11111111111111111111111111111111","lastValidBlockHeight":777}}`
		},
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	window, err := client.LatestValidityWindow(context.Background())
	if err != nil {
		t.Fatalf("latest validity window: %v", err)
	}
	if window.LastValidBlockHeight != 777 {
		t.Fatalf("expected last valid height 777, got %d", window.LastValidBlockHeight)
	}
}
