package guardian

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/aegis-vaults/aegis-app-sub000/internal/health"
	"github.com/aegis-vaults/aegis-app-sub000/internal/ledger"
	"github.com/aegis-vaults/aegis-app-sub000/internal/observability/alerting"
	"github.com/aegis-vaults/aegis-app-sub000/internal/vault"
)

type fakeLedger struct {
	mu       sync.Mutex
	balances map[solana.PublicKey]uint64
	failAll  bool
}

func (f *fakeLedger) setBalance(addr solana.PublicKey, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances == nil {
		f.balances = make(map[solana.PublicKey]uint64)
	}
	f.balances[addr] = lamports
}

func (f *fakeLedger) GetBalance(_ context.Context, addr solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errors.New("node unreachable")
	}
	return f.balances[addr], nil
}

func (f *fakeLedger) GetMultipleBalances(_ context.Context, addrs []solana.PublicKey) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("node unreachable")
	}
	balances := make([]uint64, len(addrs))
	for i, addr := range addrs {
		balances[i] = f.balances[addr]
	}
	return balances, nil
}

func (f *fakeLedger) SendRawTransaction(context.Context, []byte, ledger.BroadcastOpts) (solana.Signature, error) {
	return solana.Signature{}, errors.New("not supported")
}

func (f *fakeLedger) ConfirmTransaction(context.Context, solana.Signature, ledger.ValidityWindow) (ledger.ConfirmationResult, error) {
	return ledger.ConfirmationResult{}, errors.New("not supported")
}

func (f *fakeLedger) BlockHeight(context.Context) (uint64, error) { return 0, nil }

func (f *fakeLedger) LatestValidityWindow(context.Context) (ledger.ValidityWindow, error) {
	return ledger.ValidityWindow{}, errors.New("not supported")
}

func (f *fakeLedger) Close() error { return nil }

type fakeStateProvider struct {
	mu    sync.Mutex
	state State
	err   error
}

func (f *fakeStateProvider) VaultState(context.Context, solana.PublicKey) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.err
}

func (f *fakeStateProvider) setPaused(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.IsPaused = paused
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureDispatcher) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureDispatcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func testProfile() Profile {
	return Profile{
		Identity: vault.VaultIdentity{
			Owner:          solana.PublicKeyFromBytes(bytes.Repeat([]byte{1}, 32)),
			VaultAddress:   solana.PublicKeyFromBytes(bytes.Repeat([]byte{2}, 32)),
			CustodyAddress: solana.PublicKeyFromBytes(bytes.Repeat([]byte{3}, 32)),
		},
		AgentSigner: solana.PublicKeyFromBytes(bytes.Repeat([]byte{4}, 32)),
	}
}

func healthyState() State {
	return State{
		DailyLimitLamports:     vault.LamportsPerUnit,
		DailySpentLamports:     vault.LamportsPerUnit / 10,
		TotalTransactions:      100,
		SuccessfulTransactions: 98,
		LastActivity:           time.Now().Add(-time.Hour),
		HasWhitelist:           true,
		WhitelistSize:          3,
	}
}

func TestGuardianEvaluateHealthyVault(t *testing.T) {
	profile := testProfile()
	node := &fakeLedger{}
	node.setBalance(profile.Identity.CustodyAddress, 5*vault.LamportsPerUnit)
	node.setBalance(profile.AgentSigner, vault.LamportsPerUnit)

	guard, err := New(node, WithStateProvider(&fakeStateProvider{state: healthyState()}))
	if err != nil {
		t.Fatalf("new guardian: %v", err)
	}

	report, err := guard.Evaluate(context.Background(), profile)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if report.Health.Status != health.StatusExcellent {
		t.Fatalf("expected excellent vault, got %s (score %d, issues %v)",
			report.Health.Status, report.Health.Score, report.Health.Issues)
	}
	if report.CustodyLamports != 5*vault.LamportsPerUnit {
		t.Fatalf("unexpected custody balance: %d", report.CustodyLamports)
	}
	if report.AgentFuel == nil || report.AgentFuel.Lamports != vault.LamportsPerUnit {
		t.Fatalf("unexpected fuel snapshot: %+v", report.AgentFuel)
	}
}

func TestGuardianEvaluateWithoutStateProvider(t *testing.T) {
	profile := testProfile()
	node := &fakeLedger{}
	node.setBalance(profile.Identity.CustodyAddress, 5*vault.LamportsPerUnit)
	node.setBalance(profile.AgentSigner, vault.LamportsPerUnit)

	guard, err := New(node)
	if err != nil {
		t.Fatalf("new guardian: %v", err)
	}

	report, err := guard.Evaluate(context.Background(), profile)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if report.Observations == "" {
		t.Fatal("missing observation about absent state source")
	}
}

func TestGuardianEvaluateDegradesOnNodeFailure(t *testing.T) {
	profile := testProfile()
	node := &fakeLedger{failAll: true}

	guard, err := New(node, WithStateProvider(&fakeStateProvider{state: healthyState()}))
	if err != nil {
		t.Fatalf("new guardian: %v", err)
	}

	report, err := guard.Evaluate(context.Background(), profile)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// 查询失败时余额按零参与评分，报告绝不乐观。
	if report.CustodyLamports != 0 {
		t.Fatalf("expected zero custody balance on failure, got %d", report.CustodyLamports)
	}
	if report.Health.Status == health.StatusExcellent || report.Health.Status == health.StatusGood {
		t.Fatalf("report too optimistic after node failure: %s", report.Health.Status)
	}
	if report.Observations == "" {
		t.Fatal("missing observation about balance failure")
	}
}

func TestGuardianEvaluateRejectsMissingCustody(t *testing.T) {
	guard, err := New(&fakeLedger{})
	if err != nil {
		t.Fatalf("new guardian: %v", err)
	}
	if _, err := guard.Evaluate(context.Background(), Profile{}); err == nil {
		t.Fatal("expected error for missing custody address")
	}
}

func TestGuardianStopWithoutWatch(t *testing.T) {
	guard, err := New(&fakeLedger{})
	if err != nil {
		t.Fatalf("new guardian: %v", err)
	}

	done := make(chan struct{})
	go func() {
		guard.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop without watch must return immediately")
	}
}

func TestGuardianWatchAlertsOnDegradation(t *testing.T) {
	profile := testProfile()
	node := &fakeLedger{}
	node.setBalance(profile.Identity.CustodyAddress, 5*vault.LamportsPerUnit)
	node.setBalance(profile.AgentSigner, vault.LamportsPerUnit)

	dispatcher := &captureDispatcher{}
	provider := &fakeStateProvider{state: healthyState()}
	guard, err := New(node,
		WithStateProvider(provider),
		WithAlertDispatcher(dispatcher),
		WithInterval(10*time.Millisecond),
		WithAlertFloor(health.StatusFair),
	)
	if err != nil {
		t.Fatalf("new guardian: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	guard.Watch(ctx, []Profile{profile})
	defer guard.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := guard.Latest(profile.Identity.VaultAddress); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first sweep never produced a report")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if dispatcher.count() != 0 {
		t.Fatalf("healthy vault must not alert, got %d events", dispatcher.count())
	}

	// 抽干余额并暂停金库，下一轮巡检应该告警。
	node.setBalance(profile.Identity.CustodyAddress, 0)
	node.setBalance(profile.AgentSigner, 0)
	provider.setPaused(true)

	deadline = time.Now().Add(2 * time.Second)
	for dispatcher.count() == 0 {
		if time.Now().After(deadline) {
			report, _ := guard.Latest(profile.Identity.VaultAddress)
			t.Fatalf("degradation never alerted, latest report: %+v", report.Health)
		}
		time.Sleep(5 * time.Millisecond)
	}

	dispatcher.mu.Lock()
	event := dispatcher.events[0]
	dispatcher.mu.Unlock()
	if event.Code != CodeVaultDegraded {
		t.Fatalf("unexpected alert code: %s", event.Code)
	}
	if event.Vault != profile.Identity.VaultAddress.String() {
		t.Fatalf("unexpected alert vault: %s", event.Vault)
	}
}
