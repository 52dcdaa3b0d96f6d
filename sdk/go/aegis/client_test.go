package aegis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/overrides" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var submission OverrideSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("decode submission: %v", err)
		}
		if submission.Vault != "vault-1" || submission.AmountLamports != 100 {
			t.Fatalf("unexpected submission: %+v", submission)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(OverrideRun{ID: "run-1", Status: "pending", Outcome: "pending"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	run, err := client.SubmitOverride(context.Background(), OverrideSubmission{
		Vault:          "vault-1",
		Destination:    "dest-1",
		AmountLamports: 100,
		Reason:         "manual",
		RequestedBy:    "signer-1",
	})
	if err != nil {
		t.Fatalf("submit override: %v", err)
	}
	if run.ID != "run-1" || run.Outcome != "pending" {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestGetOverrideUncertainOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/overrides/run-unc" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(OverrideRun{
			ID:        "run-unc",
			Status:    "failed",
			ErrorCode: "CONFIRMATION_UNCERTAIN",
			LastError: "window elapsed (signature=abc)",
			Outcome:   "uncertain",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	run, err := client.GetOverride(context.Background(), "run-unc")
	if err != nil {
		t.Fatalf("get override: %v", err)
	}
	if run.Outcome != "uncertain" || !run.Settled() {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestListOverridesEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("status") != "failed,succeeded" {
			t.Fatalf("unexpected status filter: %q", query.Get("status"))
		}
		if query.Get("vault") != "vault-1" || query.Get("limit") != "5" {
			t.Fatalf("unexpected query: %v", query)
		}
		_ = json.NewEncoder(w).Encode([]OverrideRun{{ID: "a"}, {ID: "b"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	runs, err := client.ListOverrides(context.Background(), ListParams{
		Statuses: []string{"failed", "succeeded"},
		Vault:    "vault-1",
		Limit:    5,
	})
	if err != nil {
		t.Fatalf("list overrides: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("unexpected run count: %d", len(runs))
	}
}

func TestAPIErrorSurfacedVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "override run not found"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetOverride(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "override run not found" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestWaitForOverridePollsUntilSettled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		run := OverrideRun{ID: "run-1", Status: "confirming", Outcome: "in_flight"}
		if n >= 3 {
			run.Status = "succeeded"
			run.Outcome = "succeeded"
			run.Result = &BroadcastResult{Signature: "sig"}
		}
		_ = json.NewEncoder(w).Encode(run)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := client.WaitForOverride(ctx, "run-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for override: %v", err)
	}
	if run.Outcome != "succeeded" || run.Result == nil || run.Result.Signature != "sig" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls.Load())
	}
}
