package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/aegis-vaults/aegis-app-sub000/internal/override"
)

func testServer() (*Server, *override.MemoryStore) {
	store := override.NewMemoryStore()
	svc := override.NewService(store, override.NewMemoryQueue(16), 3)
	return NewServer(":0", svc), store
}

func submitBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	payload := submitRequest{
		Vault:          solana.PublicKeyFromBytes(bytes.Repeat([]byte{1}, 32)).String(),
		Destination:    solana.PublicKeyFromBytes(bytes.Repeat([]byte{2}, 32)).String(),
		AmountLamports: 100,
		Reason:         "manual",
		RequestedBy:    solana.PublicKeyFromBytes(bytes.Repeat([]byte{3}, 32)).String(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal submit body: %v", err)
	}
	return bytes.NewBuffer(raw)
}

func TestHandleSubmitAccepted(t *testing.T) {
	server, _ := testServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/overrides", submitBody(t))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: got %d want %d, body %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var got runView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID == "" || got.Status != override.StatusPending {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.Outcome != "pending" {
		t.Fatalf("unexpected outcome: %s", got.Outcome)
	}
}

func TestHandleSubmitRejectsBadRequest(t *testing.T) {
	server, _ := testServer()

	t.Run("broken json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/overrides", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		server.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("invalid addresses", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/overrides",
			bytes.NewBufferString(`{"vault":"not-base58","destination":"x","amount_lamports":1,"reason":"manual","requested_by":"y"}`))
		rec := httptest.NewRecorder()
		server.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestHandleOverrideDetail(t *testing.T) {
	server, store := testServer()

	sample := &override.Run{
		ID:             "run-1",
		Vault:          "v1",
		Destination:    "d1",
		AmountLamports: 100,
		Reason:         "manual",
		Status:         override.StatusPending,
		MaxRetries:     3,
	}
	if err := store.Create(context.Background(), sample); err != nil {
		t.Fatalf("create sample run: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/overrides/run-1", nil)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}
	var got runView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != "run-1" {
		t.Fatalf("unexpected run id: %q", got.ID)
	}
}

func TestHandleOverrideDetailErrors(t *testing.T) {
	server, _ := testServer()

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/overrides/run-1", nil)
		rec := httptest.NewRecorder()
		server.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/overrides/", nil)
		rec := httptest.NewRecorder()
		server.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/overrides/missing", nil)
		rec := httptest.NewRecorder()
		server.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestUncertainRunPresentedAsUncertain(t *testing.T) {
	server, store := testServer()
	ctx := context.Background()

	run := &override.Run{
		ID:             "run-unc",
		Vault:          "v1",
		Destination:    "d1",
		AmountLamports: 100,
		Reason:         "manual",
		Status:         override.StatusPending,
		MaxRetries:     3,
	}
	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.Claim(ctx, run.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, run.ID, override.CodeConfirmationUncertain, "window elapsed (signature=abc)", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/overrides/run-unc", nil)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	var got runView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	// 结果未知不等于失败，必须单独标记。
	if got.Outcome != "uncertain" {
		t.Fatalf("expected uncertain outcome, got %q", got.Outcome)
	}
}

func TestHandleListFiltersByStatus(t *testing.T) {
	server, store := testServer()
	ctx := context.Background()

	runs := []*override.Run{
		{ID: "a", Vault: "v", Destination: "d", AmountLamports: 1, Reason: "manual", Status: override.StatusPending, MaxRetries: 3},
		{ID: "b", Vault: "v", Destination: "d", AmountLamports: 2, Reason: "manual", Status: override.StatusPending, MaxRetries: 3},
	}
	for _, run := range runs {
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("create run %s: %v", run.ID, err)
		}
	}
	if err := store.MarkSucceeded(ctx, "b", override.BroadcastResult{Signature: "sig"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/overrides?status=succeeded", nil)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var got []runView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected list: %+v", got)
	}
}

func TestHandleStats(t *testing.T) {
	server, store := testServer()
	ctx := context.Background()

	run := &override.Run{ID: "a", Vault: "v", Destination: "d", AmountLamports: 1, Reason: "manual", Status: override.StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/overrides/stats", nil)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var got override.RunStats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Total != 1 || got.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestHandleDeriveDisabled(t *testing.T) {
	server, _ := testServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/vaults/derive?owner=x&nonce=1", nil)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}
