// Package monitor 负责持续观测代理燃料地址的余额，并将其折算为
// 运行档位。查询失败时按最坏情况降级，绝不让监控结果显得比实际乐观。
package monitor

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
	"github.com/aegis-vaults/aegis-app-sub000/internal/health"
	"github.com/aegis-vaults/aegis-app-sub000/internal/ledger"
)

// Tier 表示某个地址余额所处的运行档位。
type Tier string

const (
	TierHealthy  Tier = "healthy"
	TierLow      Tier = "low"
	TierCritical Tier = "critical"
)

// Snapshot 是对单个地址的一次观测结论。
type Snapshot struct {
	Address               solana.PublicKey `json:"address"`
	Lamports              uint64           `json:"lamports"`
	Tier                  Tier             `json:"tier"`
	EstimatedOpsRemaining uint32           `json:"estimated_ops_remaining"`
	CheckedAt             time.Time        `json:"checked_at"`
}

// Monitor 基于账本客户端观测余额。阈值为零值时回退到默认值。
type Monitor struct {
	client     ledger.Client
	thresholds health.Thresholds
}

// NewMonitor 构造监控器。client 不能为空。
func NewMonitor(client ledger.Client, thresholds health.Thresholds) (*Monitor, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "监控器缺少账本客户端")
	}
	return &Monitor{client: client, thresholds: thresholds}, nil
}

// Check 观测单个地址的余额档位。
func (m *Monitor) Check(ctx context.Context, addr solana.PublicKey) (Snapshot, error) {
	balance, err := m.client.GetBalance(ctx, addr)
	if err != nil {
		// 查询失败时按最坏情况报告，余额与剩余操作数归零。
		return m.snapshot(addr, 0, TierCritical), err
	}
	return m.snapshot(addr, balance, m.tierOf(balance)), nil
}

// CheckBatch 用一次合并请求观测多个地址，结果顺序与输入一致。
// 整批查询失败时所有地址都按临界档位报告，同时返回原始错误。
func (m *Monitor) CheckBatch(ctx context.Context, addrs []solana.PublicKey) ([]Snapshot, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	balances, err := m.client.GetMultipleBalances(ctx, addrs)
	if err != nil || len(balances) != len(addrs) {
		snapshots := make([]Snapshot, len(addrs))
		for i, addr := range addrs {
			snapshots[i] = m.snapshot(addr, 0, TierCritical)
		}
		if err == nil {
			err = xerrors.New(xerrors.CodeNodeUnavailable, "节点返回的余额数量与请求不一致")
		}
		return snapshots, err
	}

	snapshots := make([]Snapshot, len(addrs))
	for i, addr := range addrs {
		snapshots[i] = m.snapshot(addr, balances[i], m.tierOf(balances[i]))
	}
	return snapshots, nil
}

func (m *Monitor) tierOf(balance uint64) Tier {
	thresholds := effectiveThresholds(m.thresholds)
	switch {
	case balance < thresholds.CriticalBalanceLamports:
		return TierCritical
	case balance < thresholds.LowBalanceLamports:
		return TierLow
	default:
		return TierHealthy
	}
}

func (m *Monitor) snapshot(addr solana.PublicKey, balance uint64, tier Tier) Snapshot {
	return Snapshot{
		Address:               addr,
		Lamports:              balance,
		Tier:                  tier,
		EstimatedOpsRemaining: health.EstimatedOpsRemaining(balance, m.thresholds),
		CheckedAt:             time.Now(),
	}
}

func effectiveThresholds(t health.Thresholds) health.Thresholds {
	def := health.DefaultThresholds()
	if t.CriticalBalanceLamports == 0 {
		t.CriticalBalanceLamports = def.CriticalBalanceLamports
	}
	if t.LowBalanceLamports == 0 {
		t.LowBalanceLamports = def.LowBalanceLamports
	}
	return t
}
