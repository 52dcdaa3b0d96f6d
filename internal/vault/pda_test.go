package vault

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
)

func testProgramID() solana.PublicKey {
	return solana.PublicKeyFromBytes(bytes.Repeat([]byte{0x41}, 32))
}

func testOwner(tag byte) solana.PublicKey {
	return solana.PublicKeyFromBytes(bytes.Repeat([]byte{tag}, 32))
}

func TestVaultAddressDeterministic(t *testing.T) {
	deriver, err := NewDeriver(testProgramID())
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}

	owner := testOwner(0x07)
	first, firstBump, err := deriver.VaultAddress(owner, 42)
	if err != nil {
		t.Fatalf("derive vault address: %v", err)
	}
	second, secondBump, err := deriver.VaultAddress(owner, 42)
	if err != nil {
		t.Fatalf("derive vault address again: %v", err)
	}
	if !first.Equals(second) {
		t.Fatalf("expected identical addresses, got %s and %s", first, second)
	}
	if firstBump != secondBump {
		t.Fatalf("expected identical bumps, got %d and %d", firstBump, secondBump)
	}
}

func TestVaultAddressDistinctAcrossNonces(t *testing.T) {
	deriver, err := NewDeriver(testProgramID())
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}

	owner := testOwner(0x07)
	seen := make(map[string]uint64)
	for nonce := uint64(0); nonce < 64; nonce++ {
		addr, _, err := deriver.VaultAddress(owner, nonce)
		if err != nil {
			t.Fatalf("derive vault address for nonce %d: %v", nonce, err)
		}
		if prev, ok := seen[addr.String()]; ok {
			t.Fatalf("nonce %d collides with nonce %d at %s", nonce, prev, addr)
		}
		seen[addr.String()] = nonce
	}
}

func TestCustodyAddressDiffersFromVault(t *testing.T) {
	deriver, err := NewDeriver(testProgramID())
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}

	vaultAddr, _, err := deriver.VaultAddress(testOwner(0x09), 1)
	if err != nil {
		t.Fatalf("derive vault address: %v", err)
	}
	custody, _, err := deriver.CustodyAddress(vaultAddr)
	if err != nil {
		t.Fatalf("derive custody address: %v", err)
	}
	if custody.Equals(vaultAddr) {
		t.Fatal("custody address must not equal vault address")
	}

	again, _, err := deriver.CustodyAddress(vaultAddr)
	if err != nil {
		t.Fatalf("derive custody address again: %v", err)
	}
	if !custody.Equals(again) {
		t.Fatalf("expected deterministic custody address, got %s and %s", custody, again)
	}
}

func TestPendingOverrideAddressUsesSequence(t *testing.T) {
	deriver, err := NewDeriver(testProgramID())
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}

	vaultAddr, _, err := deriver.VaultAddress(testOwner(0x0a), 3)
	if err != nil {
		t.Fatalf("derive vault address: %v", err)
	}
	first, _, err := deriver.PendingOverrideAddress(vaultAddr, 0)
	if err != nil {
		t.Fatalf("derive pending override: %v", err)
	}
	second, _, err := deriver.PendingOverrideAddress(vaultAddr, 1)
	if err != nil {
		t.Fatalf("derive pending override: %v", err)
	}
	if first.Equals(second) {
		t.Fatal("different sequences must yield different addresses")
	}
}

func TestTreasuryAddressIsSingleton(t *testing.T) {
	deriver, err := NewDeriver(testProgramID())
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}

	first, firstBump, err := deriver.TreasuryAddress()
	if err != nil {
		t.Fatalf("derive treasury: %v", err)
	}
	second, secondBump, err := deriver.TreasuryAddress()
	if err != nil {
		t.Fatalf("derive treasury again: %v", err)
	}
	if !first.Equals(second) || firstBump != secondBump {
		t.Fatalf("treasury derivation not stable: %s/%d vs %s/%d", first, firstBump, second, secondBump)
	}
}

func TestDeriverRejectsZeroInputs(t *testing.T) {
	if _, err := NewDeriver(solana.PublicKey{}); err == nil {
		t.Fatal("expected error for zero program id")
	}

	deriver, err := NewDeriver(testProgramID())
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}
	if _, _, err := deriver.VaultAddress(solana.PublicKey{}, 1); !errors.Is(err, xerrors.New(xerrors.CodeInvalidInput, "")) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if _, _, err := deriver.CustodyAddress(solana.PublicKey{}); !errors.Is(err, xerrors.New(xerrors.CodeInvalidInput, "")) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestIdentityBindsDerivedAddresses(t *testing.T) {
	deriver, err := NewDeriver(testProgramID())
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}

	owner := testOwner(0x0c)
	identity, err := deriver.Identity(owner, 42)
	if err != nil {
		t.Fatalf("derive identity: %v", err)
	}

	vaultAddr, vaultBump, err := deriver.VaultAddress(owner, 42)
	if err != nil {
		t.Fatalf("derive vault address: %v", err)
	}
	if !identity.VaultAddress.Equals(vaultAddr) || identity.VaultBump != vaultBump {
		t.Fatalf("identity vault address mismatch: %+v", identity)
	}
	custody, custodyBump, err := deriver.CustodyAddress(vaultAddr)
	if err != nil {
		t.Fatalf("derive custody address: %v", err)
	}
	if !identity.CustodyAddress.Equals(custody) || identity.CustodyBump != custodyBump {
		t.Fatalf("identity custody address mismatch: %+v", identity)
	}
}
