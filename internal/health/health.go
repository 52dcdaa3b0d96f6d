// Package health 将金库与代理的即时状态折算成一个 0-100 的风险分数。
// 评估是纯函数：每次调用都从满分重新扣减，不做增量更新。
package health

import (
	"fmt"
	"time"

	"github.com/aegis-vaults/aegis-app-sub000/internal/vault"
)

// Status 表示金库的健康档位。
type Status string

const (
	StatusExcellent Status = "excellent"
	StatusGood      Status = "good"
	StatusFair      Status = "fair"
	StatusPoor      Status = "poor"
	StatusCritical  Status = "critical"
)

// Thresholds 集中管理评估使用的数值阈值，便于测试参数化。
type Thresholds struct {
	// CriticalBalanceLamports 之下的代理余额视为即将断供。
	CriticalBalanceLamports uint64
	// LowBalanceLamports 之下的代理余额视为偏低。
	LowBalanceLamports uint64
	// VaultDustLamports 之下的金库余额仅够零星支出。
	VaultDustLamports uint64
	// AssumedUnitCostLamports 是估算剩余操作次数时假定的单笔成本。
	AssumedUnitCostLamports uint64
}

// DefaultThresholds 返回生产环境使用的默认阈值。
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalBalanceLamports: vault.LamportsPerUnit / 100, // 0.01
		LowBalanceLamports:      vault.LamportsPerUnit / 20,  // 0.05
		VaultDustLamports:       vault.LamportsPerUnit / 10,  // 0.1
		AssumedUnitCostLamports: 5_000,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.CriticalBalanceLamports == 0 {
		t.CriticalBalanceLamports = def.CriticalBalanceLamports
	}
	if t.LowBalanceLamports == 0 {
		t.LowBalanceLamports = def.LowBalanceLamports
	}
	if t.VaultDustLamports == 0 {
		t.VaultDustLamports = def.VaultDustLamports
	}
	if t.AssumedUnitCostLamports == 0 {
		t.AssumedUnitCostLamports = def.AssumedUnitCostLamports
	}
	return t
}

// Inputs 是一次评估所需的全部即时输入。
type Inputs struct {
	VaultBalanceLamports   uint64
	AgentBalanceLamports   uint64
	HasAgentSigner         bool
	IsPaused               bool
	DailyLimitLamports     uint64
	DailySpentLamports     uint64
	TotalTransactions      uint64
	SuccessfulTransactions uint64
	LastActivity           time.Time
	HasWhitelist           bool
	WhitelistSize          int
	// Now 允许测试固定评估时间；零值时取当前时间。
	Now time.Time
}

// Report 是一次评估的完整结论。每次评估整体替换，不做合并。
type Report struct {
	Score           int      `json:"score"`
	Status          Status   `json:"status"`
	Issues          []string `json:"issues"`
	Warnings        []string `json:"warnings"`
	Recommendations []string `json:"recommendations"`
}

// Evaluate 按固定的扣分表评估金库健康度。各项扣分相互独立、可叠加；
// 同一类别内按阈值分档时只取命中的最差一档。
func Evaluate(in Inputs, thresholds Thresholds) Report {
	thresholds = thresholds.withDefaults()
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	score := 100
	report := Report{
		Issues:          []string{},
		Warnings:        []string{},
		Recommendations: []string{},
	}

	// 金库余额。
	switch {
	case in.VaultBalanceLamports == 0:
		score -= 20
		report.Issues = append(report.Issues, "金库余额为零，无法执行任何支出")
		report.Recommendations = append(report.Recommendations, "向金库托管地址充值")
	case in.VaultBalanceLamports < thresholds.VaultDustLamports:
		score -= 10
		report.Warnings = append(report.Warnings, "金库余额不足 0.1，仅够零星支出")
		report.Recommendations = append(report.Recommendations, "考虑向金库补充资金")
	}

	// 代理签名者与燃料余额。
	if !in.HasAgentSigner {
		score -= 15
		report.Issues = append(report.Issues, "未配置代理签名者，自动支出处于停摆状态")
		report.Recommendations = append(report.Recommendations, "为金库绑定一个代理签名者")
	}
	switch {
	case in.AgentBalanceLamports < thresholds.CriticalBalanceLamports:
		score -= 20
		report.Issues = append(report.Issues, "代理燃料余额低于临界阈值，交易随时可能失败")
		report.Recommendations = append(report.Recommendations, "立即为代理地址充值燃料")
	case in.AgentBalanceLamports < thresholds.LowBalanceLamports:
		score -= 10
		report.Warnings = append(report.Warnings, "代理燃料余额偏低")
		report.Recommendations = append(report.Recommendations, "近期为代理地址补充燃料")
	}

	// 暂停状态。
	if in.IsPaused {
		score -= 15
		report.Warnings = append(report.Warnings, "金库处于暂停状态，所有支出都会被拒绝")
	}

	// 活跃度。LastActivity 为零值表示尚无任何活动，由下面的
	// 无交易分支单独处理，避免重复扣分。
	if !in.LastActivity.IsZero() {
		idle := now.Sub(in.LastActivity)
		switch {
		case idle > 7*24*time.Hour:
			score -= 15
			report.Warnings = append(report.Warnings, "金库已超过 7 天没有任何活动")
			report.Recommendations = append(report.Recommendations, "确认代理是否仍在正常运行")
		case idle > 3*24*time.Hour:
			score -= 5
			report.Warnings = append(report.Warnings, "金库已超过 3 天没有任何活动")
		}
	}

	// 交易历史与成功率。
	if in.TotalTransactions == 0 {
		score -= 10
		report.Warnings = append(report.Warnings, "金库尚未执行过任何交易")
	} else {
		rate := float64(in.SuccessfulTransactions) / float64(in.TotalTransactions)
		switch {
		case rate < 0.5:
			score -= 15
			report.Issues = append(report.Issues, fmt.Sprintf("交易成功率仅 %.0f%%，多数支出未能完成", rate*100))
			report.Recommendations = append(report.Recommendations, "检查护栏配置与代理余额是否导致交易频繁失败")
		case rate < 0.7:
			score -= 10
			report.Warnings = append(report.Warnings, fmt.Sprintf("交易成功率 %.0f%%，低于预期", rate*100))
		case rate < 0.9:
			score -= 5
			report.Warnings = append(report.Warnings, fmt.Sprintf("交易成功率 %.0f%%，仍有改进空间", rate*100))
		}
	}

	// 当日限额使用率。
	if in.DailyLimitLamports > 0 {
		utilization := float64(in.DailySpentLamports) / float64(in.DailyLimitLamports)
		switch {
		case utilization > 0.95:
			score -= 10
			report.Warnings = append(report.Warnings, "当日限额已使用超过 95%，后续支出将被拦截")
			report.Recommendations = append(report.Recommendations, "如需继续支出，请提交覆写审批或等待限额重置")
		case utilization > 0.8:
			score -= 5
			report.Warnings = append(report.Warnings, "当日限额已使用超过 80%")
		}
	}

	// 白名单配置完整性。
	if !in.HasWhitelist {
		score -= 3
		report.Warnings = append(report.Warnings, "未启用目标地址白名单")
		report.Recommendations = append(report.Recommendations, "启用白名单可以显著降低误转风险")
	} else if in.WhitelistSize == 0 {
		score -= 2
		report.Warnings = append(report.Warnings, "白名单已启用但为空，所有支出都会触发覆写")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	report.Score = score
	report.Status = statusOf(score)
	return report
}

func statusOf(score int) Status {
	switch {
	case score >= 90:
		return StatusExcellent
	case score >= 75:
		return StatusGood
	case score >= 50:
		return StatusFair
	case score >= 25:
		return StatusPoor
	default:
		return StatusCritical
	}
}

// EstimatedOpsRemaining 估算给定余额还能支撑多少次链上操作。
func EstimatedOpsRemaining(balanceLamports uint64, thresholds Thresholds) uint32 {
	thresholds = thresholds.withDefaults()
	ops := balanceLamports / thresholds.AssumedUnitCostLamports
	if ops > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ops)
}
