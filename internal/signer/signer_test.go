package signer

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func emptyTransaction(t *testing.T, payer solana.PublicKey) *solana.Transaction {
	t.Helper()
	// solana.NewTransaction rejects zero-instruction transactions, so build
	// the equivalent payer-only transaction directly.
	return &solana.Transaction{
		Message: solana.Message{
			Header:          solana.MessageHeader{NumRequiredSignatures: 1},
			AccountKeys:     []solana.PublicKey{payer},
			RecentBlockhash: solana.Hash{},
		},
	}
}

func TestLocalSignerSigns(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewLocalSigner(key)
	if err != nil {
		t.Fatalf("new local signer: %v", err)
	}
	if !signer.PublicKey().Equals(key.PublicKey()) {
		t.Fatal("signer public key must match private key")
	}

	tx := emptyTransaction(t, key.PublicKey())
	if err := signer.Sign(context.Background(), tx); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(tx.Signatures) == 0 {
		t.Fatal("expected a signature to be attached")
	}
}

func TestLocalSignerRequiresKey(t *testing.T) {
	if _, err := NewLocalSigner(nil); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestLocalSignerCancelledContext(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, _ := NewLocalSigner(key)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tx := emptyTransaction(t, key.PublicKey())
	if err := signer.Sign(ctx, tx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestFuncSignerDelegates(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	called := false
	signer := FuncSigner{
		Key: key.PublicKey(),
		SignFn: func(context.Context, *solana.Transaction) error {
			called = true
			return nil
		},
	}
	if err := signer.Sign(context.Background(), nil); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !called {
		t.Fatal("expected delegate to be invoked")
	}

	rejecting := FuncSigner{
		Key: key.PublicKey(),
		SignFn: func(context.Context, *solana.Transaction) error {
			return ErrRejected
		},
	}
	if err := rejecting.Sign(context.Background(), nil); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	missing := FuncSigner{Key: key.PublicKey()}
	if err := missing.Sign(context.Background(), nil); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled for missing delegate, got %v", err)
	}
}
