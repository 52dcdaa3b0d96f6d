package override

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/aegis-vaults/aegis-app-sub000/internal/vault"
)

func serviceRequest(amount uint64) vault.OverrideRequest {
	return vault.OverrideRequest{
		Vault:          solana.PublicKeyFromBytes(bytes.Repeat([]byte{1}, 32)),
		Destination:    solana.PublicKeyFromBytes(bytes.Repeat([]byte{2}, 32)),
		AmountLamports: amount,
		Reason:         vault.ReasonNotWhitelisted,
		RequestedBy:    solana.PublicKeyFromBytes(bytes.Repeat([]byte{3}, 32)),
	}
}

func TestDeterministicRunID(t *testing.T) {
	first := DeterministicRunID(serviceRequest(100))
	second := DeterministicRunID(serviceRequest(100))
	if first != second {
		t.Fatalf("same request must derive same id: %s vs %s", first, second)
	}
	different := DeterministicRunID(serviceRequest(200))
	if first == different {
		t.Fatal("different amounts must derive different ids")
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	first, err := service.Submit(ctx, serviceRequest(100), "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, serviceRequest(100), "")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate submit created a second run: %s vs %s", first.ID, second.ID)
	}

	// 重复提交不得产生第二条队列消息。
	drained := 0
	for {
		select {
		case <-queue.ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained != 1 {
		t.Fatalf("expected exactly one queued run, got %d", drained)
	}
}

func TestServiceSubmitExplicitIDWins(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	run, err := service.Submit(ctx, serviceRequest(100), "custom-id")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.ID != "custom-id" {
		t.Fatalf("expected caller supplied id, got %s", run.ID)
	}

	again, err := service.Submit(ctx, serviceRequest(999), "custom-id")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.AmountLamports != 100 {
		t.Fatalf("resubmit with same id must return the original run, got %+v", again)
	}
}

func TestServiceSubmitRejectsInvalidRequest(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(16), 3)

	bad := serviceRequest(0)
	if _, err := service.Submit(context.Background(), bad, ""); err == nil {
		t.Fatal("expected validation error for zero amount")
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	run, err := service.Submit(ctx, serviceRequest(100), "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	go func() {
		if _, err := store.Claim(ctx, run.ID); err != nil {
			return
		}
		_ = store.MarkSucceeded(ctx, run.ID, BroadcastResult{Signature: "sig"})
	}()

	done, err := service.WaitUntilCompleted(ctx, run.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", done.Status)
	}
}
