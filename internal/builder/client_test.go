package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/aegis-vaults/aegis-app-sub000/internal/vault"
)

func testRequest() vault.OverrideRequest {
	return vault.OverrideRequest{
		Vault:          solana.PublicKeyFromBytes(bytes.Repeat([]byte{1}, 32)),
		Destination:    solana.PublicKeyFromBytes(bytes.Repeat([]byte{2}, 32)),
		AmountLamports: 250_000,
		Reason:         vault.ReasonDailyLimitExceeded,
	}
}

func TestBuildOverrideTransaction(t *testing.T) {
	var gotPath string
	var gotBody BuildRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode build request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Envelope{
			TransactionBase64:    "dHJhbnNhY3Rpb24=",
			Blockhash:            "11111111111111111111111111111111",
			LastValidBlockHeight: 900,
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	req := testRequest()
	envelope, err := client.BuildOverrideTransaction(context.Background(), req, "agent-signer")
	if err != nil {
		t.Fatalf("build override transaction: %v", err)
	}

	if gotPath != "/override/transaction" {
		t.Fatalf("expected POST /override/transaction, got %s", gotPath)
	}
	if gotBody.Vault != req.Vault.String() || gotBody.Destination != req.Destination.String() {
		t.Fatalf("addresses not forwarded as base58: %+v", gotBody)
	}
	if gotBody.Amount != 250_000 || gotBody.Reason != string(vault.ReasonDailyLimitExceeded) {
		t.Fatalf("amount or reason not forwarded: %+v", gotBody)
	}
	if gotBody.Signer != "agent-signer" {
		t.Fatalf("signer not forwarded: %q", gotBody.Signer)
	}
	if envelope.TransactionBase64 != "dHJhbnNhY3Rpb24=" || envelope.LastValidBlockHeight != 900 {
		t.Fatalf("envelope not passed through verbatim: %+v", envelope)
	}
}

func TestBuildOverrideTransactionBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "destination not allowed for this vault"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.BuildOverrideTransaction(context.Background(), testRequest(), "agent-signer")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "destination not allowed for this vault" {
		t.Fatalf("backend message must be preserved verbatim, got %q", apiErr.Message)
	}
}

func TestBuildOverrideTransactionNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.BuildOverrideTransaction(context.Background(), testRequest(), "agent-signer")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "bad gateway" {
		t.Fatalf("expected raw body as message, got %q", apiErr.Message)
	}
}
